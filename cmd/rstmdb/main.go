package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rstmdb/rstmdb/internal/client"
	"github.com/rstmdb/rstmdb/internal/protocol"
)

var (
	flagServer      string
	flagToken       string
	flagTLS         bool
	flagTLSCA       string
	flagTLSInsecure bool
	flagJSONL       bool
)

var rootCmd = &cobra.Command{
	Use:   "rstmdb",
	Short: "rstmdb client",
	Long:  `A command-line client for the rstmdb state-machine database.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "127.0.0.1:7401", "server address (host:port)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "bearer token for authentication")
	rootCmd.PersistentFlags().BoolVar(&flagTLS, "tls", false, "connect over TLS")
	rootCmd.PersistentFlags().StringVar(&flagTLSCA, "tls-ca", "", "path to a CA bundle for server verification")
	rootCmd.PersistentFlags().BoolVar(&flagTLSInsecure, "tls-insecure", false, "skip TLS certificate verification")
	rootCmd.PersistentFlags().BoolVar(&flagJSONL, "jsonl", false, "use line-delimited JSON wire mode")
}

// connect dials the configured server with the global flags applied.
func connect() (*client.Client, error) {
	opts := client.Options{
		Addr:       flagServer,
		Token:      flagToken,
		ClientName: "rstmdb-cli",
	}
	if flagJSONL {
		opts.WireMode = protocol.WireModeJSONL
	}

	if flagTLS {
		tlsConfig := &tls.Config{InsecureSkipVerify: flagTLSInsecure}
		if flagTLSCA != "" {
			caData, err := os.ReadFile(flagTLSCA)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA bundle: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, fmt.Errorf("no certificates found in CA bundle")
			}
			tlsConfig.RootCAs = pool
		}
		opts.TLS = tlsConfig
	}

	return client.Connect(opts)
}

// call runs one operation and prints the result (or returns the error).
func call(op protocol.Op, params any) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()
	return callOn(c, op, params)
}

func callOn(c *client.Client, op protocol.Op, params any) error {
	response, err := c.Call(op, params)
	if err != nil {
		return err
	}
	if !response.IsOk() {
		return fmt.Errorf("%s (%s, retryable=%t)",
			response.Error.Message, response.Error.Code, response.Error.Retryable)
	}
	printJSON(response.Result)
	return nil
}

func printJSON(raw json.RawMessage) {
	var pretty any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		fmt.Println(string(raw))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
