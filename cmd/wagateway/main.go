// Package main is the entry point for the WhatsApp edge gateway. The gateway
// fronts a WhatsApp provider API and a function backend, and provides:
//   - Credential validation against the REST instance store, with caching
//   - Fixed-window rate limiting per source address and per credential (Redis)
//   - An endpoint allow-list with per-endpoint payload validation
//   - Callback URL rewriting so tenants only ever see the public hostname
//   - Audit logging of every proxied exchange
//   - Full observability: Prometheus metrics, health checks, structured
//     logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/evasend/wagateway/internal/config"
	"github.com/evasend/wagateway/internal/observability"
	"github.com/evasend/wagateway/internal/redis"
	"github.com/evasend/wagateway/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("wagateway %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting wagateway", "version", version)
	redis.InitLogger(logger)

	// Root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Config file watcher for hot-reload.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("wagateway shut down gracefully")
}
