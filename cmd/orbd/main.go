package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomyedwab/orbd/config"
	"github.com/tomyedwab/orbd/daemon"
)

func main() {
	// 1. Parse configuration; a malformed command line is reported but not fatal
	cfg, err := config.ParseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	logger.Info("Starting orbd", "port", cfg.Port, "dir", cfg.Dir, "serverID", cfg.ServerID, "config", cfg.ConfigFile)

	// 3. Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Bootstrap the daemon
	seq := daemon.NewSequencer(cfg, daemon.WithLogger(logger))
	if err := seq.Bootstrap(ctx); err != nil {
		logger.Error("Bootstrap failed", "error", err)
		seq.Close()
		os.Exit(1)
	}

	// 5. Serve until a signal arrives (this is blocking)
	logger.Info("orbd ready", "port", seq.Port())
	runErr := seq.Run(ctx)
	if err := seq.Close(); err != nil {
		logger.Warn("Errors while closing", "error", err)
	}
	if runErr != nil {
		logger.Error("orbd stopped with errors", "error", runErr)
		os.Exit(1)
	}
	logger.Info("orbd has completed its shutdown sequence")
}
