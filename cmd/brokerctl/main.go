// Package main implements the brokerctl CLI for manual operations against
// the brokerd socket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/brokerd/internal/client"
	"github.com/fyrsmithlabs/brokerd/internal/config"
	"github.com/fyrsmithlabs/brokerd/internal/protocol"
)

var (
	// socketPath is the broker socket; empty resolves the configured default.
	socketPath string
	// version information (set via ldflags during build)
	version = "0.3.0"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "brokerctl",
	Short: "CLI for the brokerd capability broker",
	Long: `brokerctl is a command-line interface for the brokerd daemon.
It can check daemon status, invoke any broker method directly, and run the
MCP stdio bridge for external tool hosts.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "broker socket path (default: configured socket)")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(mcpCmd)
}

// statusCmd checks daemon health over the socket
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check brokerd status",
	Long: `Check the status of the running brokerd daemon.

Examples:
  # Check status
  brokerctl status

  # Check a daemon on a non-default socket
  brokerctl status --socket /tmp/brokerd.sock`,
	RunE: runStatus,
}

// callCmd invokes one broker method
var callCmd = &cobra.Command{
	Use:   "call <method> [params-json]",
	Short: "Invoke a broker method",
	Long: `Invoke any broker method with optional JSON params and print the result.

Examples:
  # List stored accounts
  brokerctl call auth.accounts

  # Check a permission
  brokerctl call permissions.check '{"permission":"contacts"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

func resolveSocket() (string, error) {
	if socketPath != "" {
		return socketPath, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return cfg.Server.SocketPath, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	path, err := resolveSocket()
	if err != nil {
		return err
	}

	result, err := client.New(path).Call(context.Background(), "server.status", map[string]any{})
	if err != nil {
		return fmt.Errorf("broker unreachable at %s: %w", path, err)
	}

	var status struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(result, &status); err != nil {
		return err
	}
	fmt.Printf("Status:  %s\n", status.Status)
	fmt.Printf("Version: %s\n", status.Version)
	fmt.Printf("Socket:  %s\n", path)
	return nil
}

func runCall(cmd *cobra.Command, args []string) error {
	path, err := resolveSocket()
	if err != nil {
		return err
	}

	params := json.RawMessage(`{}`)
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("params must be valid JSON")
		}
		params = json.RawMessage(args[1])
	}

	result, err := client.New(path).Call(context.Background(), args[0], params)
	if err != nil {
		if perr, ok := err.(*protocol.Error); ok {
			payload, _ := json.MarshalIndent(perr, "", "  ")
			fmt.Fprintln(os.Stderr, string(payload))
			os.Exit(1)
		}
		return err
	}

	var pretty any
	if err := json.Unmarshal(result, &pretty); err != nil {
		fmt.Println(string(result))
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}
