package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/rstmdb/rstmdb/internal/config"
)

// LoadTLSConfig builds a server-side TLS configuration from the config
// section, or nil when TLS is disabled. The TLS transport is a transparent
// byte-stream wrapper; the protocol above it is unchanged.
func LoadTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		if cfg.ClientCAPath != "" {
			caData, err := os.ReadFile(cfg.ClientCAPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read client CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, fmt.Errorf("no certificates found in client CA file")
			}
			tlsConfig.ClientCAs = pool
		}
	}

	return tlsConfig, nil
}
