// Brokerd is the local capability broker daemon.
//
// It serves line-delimited JSON-RPC 2.0 over an owner-only Unix domain
// socket, dispatching requests through OS permission gates and manifest-
// driven routing to in-process handlers, outbound HTTP proxies, or spawned
// scripts. Credentials are stored encrypted at rest and refreshed by a
// background daemon.
//
// Configuration is loaded from ~/.config/brokerd/config.yaml and the
// environment (BROKERD_SOCKET, BROKERD_LOG). See internal/config.
//
// Usage:
//
//	# Start the daemon with defaults
//	brokerd
//
//	# Override the socket path
//	BROKERD_SOCKET=/tmp/brokerd.sock brokerd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/brokerd/internal/auth"
	"github.com/fyrsmithlabs/brokerd/internal/config"
	"github.com/fyrsmithlabs/brokerd/internal/dispatch"
	"github.com/fyrsmithlabs/brokerd/internal/handlers"
	"github.com/fyrsmithlabs/brokerd/internal/logging"
	"github.com/fyrsmithlabs/brokerd/internal/manifest"
	"github.com/fyrsmithlabs/brokerd/internal/metrics"
	"github.com/fyrsmithlabs/brokerd/internal/permissions"
	"github.com/fyrsmithlabs/brokerd/internal/router"
	"github.com/fyrsmithlabs/brokerd/internal/server"
)

// Version information (set via ldflags during build)
var (
	version   = "0.3.0"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	flag.Parse()
	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  brokerd           Start the broker daemon\n")
			fmt.Fprintf(os.Stderr, "  brokerd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		log.Fatalf("brokerd: %v", err)
	}
}

func printVersion() {
	fmt.Printf("brokerd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run initializes all services and blocks until context cancellation.
//
//  1. Loads and validates configuration, creates the data directory layout
//  2. Initializes the logger (stderr + rolling file)
//  3. Derives the master key and opens the credential store
//  4. Loads manifests and starts the filesystem watcher
//  5. Starts the token refresh daemon
//  6. Binds the socket and serves until shutdown
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging, cfg.Paths.Logs)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting brokerd",
		zap.String("version", version),
		zap.String("socket", cfg.Server.SocketPath),
		zap.String("root", cfg.Paths.Root))

	// Give the desktop session a beat to settle when launched at login.
	if delay := cfg.Server.StartupDelay.Duration(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}

	// Master key derivation failure is fatal: without it the credential
	// store is unreadable and every authenticated capability is dead.
	masterKey, err := auth.DeriveMasterKey()
	if err != nil {
		return fmt.Errorf("derive master key: %w", err)
	}
	defer masterKey.Clear()

	store, err := auth.OpenStore(ctx, cfg.Paths.Auth, masterKey, logger.Named("auth"))
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}

	m := metrics.New()

	providers := auth.NewProviderRegistry()
	broker := auth.NewBroker(store, providers, cfg.Auth, logger.Named("auth"))
	broker.OnRefresh = m.ObserveRefresh

	manifests := manifest.NewRegistry(cfg.Paths.Manifests, broker.ProviderKnown, logger.Named("manifest"))
	manifests.OnReload = m.ManifestReloads.Inc
	if err := manifests.Load(ctx); err != nil {
		return fmt.Errorf("load manifests: %w", err)
	}

	permsSvc := permissions.NewService(nativeProbe, nativeRequest, nativeOpenSettings, logger.Named("permissions"))

	rt := router.New(manifests, broker, permsSvc, cfg.HTTP, cfg.Script, cfg.Paths.Scripts, logger.Named("router"))

	activity := dispatch.NewActivity(256)
	registry := dispatch.NewRegistry(permsSvc, cfg.Permissions, rt, m, activity, logger.Named("dispatch"))
	rt.Internal = registry

	registry.Register("server", handlers.NewServerHandler(version, m, activity))
	registry.Register("auth", handlers.NewAuthHandler(broker))
	registry.Register("permissions", handlers.NewPermissionsHandler(permsSvc))
	registry.Register("config", handlers.NewConfigHandler(cfg))
	registry.Register("log", handlers.NewLogHandler(logger))

	go broker.RunRefreshDaemon(ctx)
	go func() {
		if err := manifests.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Error(ctx, "manifest watcher stopped", zap.Error(err))
		}
	}()

	srv := server.New(cfg.Server, registry, m, logger.Named("server"))
	return srv.ListenAndServe(ctx)
}
