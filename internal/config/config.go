// Package config loads server configuration from a YAML file with
// environment variable overrides prefixed RSTMDB_.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rstmdb/rstmdb/internal/storage"
	"github.com/rstmdb/rstmdb/internal/wal"
)

// DefaultPort is the default TCP port for the wire protocol.
const DefaultPort = 7401

// Config is the complete server configuration.
type Config struct {
	Network    NetworkConfig    `yaml:"network"`
	Storage    StorageConfig    `yaml:"storage"`
	Compaction CompactionConfig `yaml:"compaction"`
	Auth       AuthConfig       `yaml:"auth"`
	TLS        TLSConfig        `yaml:"tls"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// NetworkConfig covers the TCP listener.
type NetworkConfig struct {
	BindAddr        string `yaml:"bind-addr"`
	IdleTimeoutSecs int    `yaml:"idle-timeout"`
	MaxConnections  int    `yaml:"max-connections"`
}

// IdleTimeout returns the idle timeout as a duration.
func (n NetworkConfig) IdleTimeout() time.Duration {
	return time.Duration(n.IdleTimeoutSecs) * time.Second
}

// StorageConfig covers the WAL and snapshot store.
type StorageConfig struct {
	DataDir            string                `yaml:"data-dir"`
	WalSegmentSizeMB   int64                 `yaml:"wal-segment-size"`
	FsyncPolicy        string                `yaml:"fsync-policy"`
	MaxMachineVersions uint32                `yaml:"max-machine-versions"`
	Archive            storage.ArchiveConfig `yaml:"archive"`
}

// WalSegmentSize returns the segment rotation threshold in bytes.
func (s StorageConfig) WalSegmentSize() int64 {
	return s.WalSegmentSizeMB * 1024 * 1024
}

// CompactionConfig covers the automatic compaction loop.
type CompactionConfig struct {
	Enabled         bool   `yaml:"enabled"`
	EventsThreshold uint64 `yaml:"events-threshold"`
	SizeThresholdMB int64  `yaml:"size-threshold"`
	MinIntervalSecs int    `yaml:"min-interval"`
}

// SizeThreshold returns the WAL size threshold in bytes.
func (c CompactionConfig) SizeThreshold() int64 {
	return c.SizeThresholdMB * 1024 * 1024
}

// MinInterval returns the minimum time between compactions.
func (c CompactionConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSecs) * time.Second
}

// AuthConfig covers bearer-token authentication.
type AuthConfig struct {
	Required    bool     `yaml:"required"`
	TokenHashes []string `yaml:"token-hashes"`
	SecretsFile string   `yaml:"secrets-file"`
}

// TLSConfig covers the optional TLS transport wrapper.
type TLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertPath          string `yaml:"cert-path"`
	KeyPath           string `yaml:"key-path"`
	RequireClientCert bool   `yaml:"require-client-cert"`
	ClientCAPath      string `yaml:"client-ca-path"`
}

// MetricsConfig covers the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind-addr"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			BindAddr:        fmt.Sprintf("0.0.0.0:%d", DefaultPort),
			IdleTimeoutSecs: 300,
			MaxConnections:  1000,
		},
		Storage: StorageConfig{
			DataDir:          "./data",
			WalSegmentSizeMB: 64,
			FsyncPolicy:      "every_write",
		},
		Compaction: CompactionConfig{
			Enabled:         true,
			EventsThreshold: 10000,
			SizeThresholdMB: 256,
			MinIntervalSecs: 60,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			BindAddr: "127.0.0.1:9090",
		},
	}
}

// Load reads the optional YAML file at path (empty = defaults only) and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Network.BindAddr = getEnvString("RSTMDB_BIND_ADDR", c.Network.BindAddr)
	c.Network.IdleTimeoutSecs = getEnvInt("RSTMDB_IDLE_TIMEOUT", c.Network.IdleTimeoutSecs)
	c.Network.MaxConnections = getEnvInt("RSTMDB_MAX_CONNECTIONS", c.Network.MaxConnections)

	c.Storage.DataDir = getEnvString("RSTMDB_DATA_DIR", c.Storage.DataDir)
	c.Storage.WalSegmentSizeMB = getEnvInt64("RSTMDB_WAL_SEGMENT_SIZE", c.Storage.WalSegmentSizeMB)
	c.Storage.FsyncPolicy = getEnvString("RSTMDB_FSYNC_POLICY", c.Storage.FsyncPolicy)
	c.Storage.MaxMachineVersions = uint32(getEnvInt("RSTMDB_MAX_MACHINE_VERSIONS", int(c.Storage.MaxMachineVersions)))

	c.Compaction.Enabled = getEnvBool("RSTMDB_COMPACTION_ENABLED", c.Compaction.Enabled)
	c.Compaction.EventsThreshold = uint64(getEnvInt64("RSTMDB_COMPACTION_EVENTS_THRESHOLD", int64(c.Compaction.EventsThreshold)))
	c.Compaction.SizeThresholdMB = getEnvInt64("RSTMDB_COMPACTION_SIZE_THRESHOLD", c.Compaction.SizeThresholdMB)
	c.Compaction.MinIntervalSecs = getEnvInt("RSTMDB_COMPACTION_MIN_INTERVAL", c.Compaction.MinIntervalSecs)

	c.Auth.Required = getEnvBool("RSTMDB_AUTH_REQUIRED", c.Auth.Required)
	if hashes := os.Getenv("RSTMDB_AUTH_TOKEN_HASHES"); hashes != "" {
		c.Auth.TokenHashes = splitNonEmpty(hashes, ",")
	}
	c.Auth.SecretsFile = getEnvString("RSTMDB_AUTH_SECRETS_FILE", c.Auth.SecretsFile)

	c.TLS.Enabled = getEnvBool("RSTMDB_TLS_ENABLED", c.TLS.Enabled)
	c.TLS.CertPath = getEnvString("RSTMDB_TLS_CERT_PATH", c.TLS.CertPath)
	c.TLS.KeyPath = getEnvString("RSTMDB_TLS_KEY_PATH", c.TLS.KeyPath)
	c.TLS.RequireClientCert = getEnvBool("RSTMDB_TLS_REQUIRE_CLIENT_CERT", c.TLS.RequireClientCert)
	c.TLS.ClientCAPath = getEnvString("RSTMDB_TLS_CLIENT_CA_PATH", c.TLS.ClientCAPath)

	c.Metrics.Enabled = getEnvBool("RSTMDB_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.BindAddr = getEnvString("RSTMDB_METRICS_BIND_ADDR", c.Metrics.BindAddr)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Network.BindAddr == "" {
		return fmt.Errorf("network.bind-addr must not be empty")
	}
	if c.Network.MaxConnections <= 0 {
		return fmt.Errorf("network.max-connections must be positive")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data-dir must not be empty")
	}
	if c.Storage.WalSegmentSizeMB <= 0 {
		return fmt.Errorf("storage.wal-segment-size must be positive")
	}
	if _, err := wal.ParseFsyncPolicy(c.Storage.FsyncPolicy); err != nil {
		return err
	}
	if c.TLS.Enabled {
		if c.TLS.CertPath == "" || c.TLS.KeyPath == "" {
			return fmt.Errorf("tls.cert-path and tls.key-path are required when TLS is enabled")
		}
	}
	return nil
}

// WalDir returns the WAL directory under the data dir.
func (c *Config) WalDir() string {
	return c.Storage.DataDir + "/wal"
}

// SnapshotDir returns the snapshot directory under the data dir.
func (c *Config) SnapshotDir() string {
	return c.Storage.DataDir + "/snapshots"
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func splitNonEmpty(s, sep string) []string {
	var result []string
	for _, v := range strings.Split(s, sep) {
		if v = strings.TrimSpace(v); v != "" {
			result = append(result, v)
		}
	}
	return result
}
