// Package main: the mcp subcommand runs the stdio bridge for tool hosts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/brokerd/internal/bridge"
	"github.com/fyrsmithlabs/brokerd/internal/client"
	"github.com/fyrsmithlabs/brokerd/internal/config"
	"github.com/fyrsmithlabs/brokerd/internal/logging"
	"github.com/fyrsmithlabs/brokerd/internal/manifest"
)

// mcpCmd runs the MCP stdio bridge
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP stdio bridge",
	Long: `Serve broker tools to an MCP host over stdin/stdout.

The bridge reads the same manifest directory as the daemon and forwards
every tool call over the broker socket. Add it to a host configuration as:

  {"command": "brokerctl", "args": ["mcp"]}

The optional --transport flag is accepted for host compatibility; stdio is
the only transport.`,
	RunE: runMCP,
}

func init() {
	// Some hosts pass --transport stdio unconditionally; accept and ignore.
	mcpCmd.Flags().String("transport", "stdio", "transport to serve (only stdio)")
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Stdout belongs to the MCP transport; logs go to stderr and file only.
	logger, err := logging.New(cfg.Logging, cfg.Paths.Logs)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	manifests := manifest.NewRegistry(cfg.Paths.Manifests, nil, logger.Named("manifest"))
	if err := manifests.Load(ctx); err != nil {
		return fmt.Errorf("load manifests: %w", err)
	}

	path := socketPath
	if path == "" {
		path = cfg.Server.SocketPath
	}

	b := bridge.New(manifests, client.New(path), version, logger.Named("bridge"))
	return b.Run(ctx)
}
