/*
Package main is the cluster coordinator daemon: the authoritative server
directory and failure-handling controller.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"rampart/config"
	"rampart/coordinator"
	"rampart/protocol"
)

func main() {
	var homeDir string
	flag.StringVar(&homeDir, "home", "", "Home directory for configuration and data (Required)")
	flag.Parse()

	if homeDir == "" {
		fmt.Fprintln(os.Stderr, "Error: -home argument is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Locator == "" {
		cfg.Locator = "127.0.0.1" + protocol.DefaultCoordinatorPort
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dataDir := config.ResolvePath(homeDir, cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating data directory: %v\n", err)
		os.Exit(1)
	}
	coord, err := coordinator.New(dataDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening coordinator state: %v\n", err)
		os.Exit(1)
	}
	defer coord.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := coordinator.NewServer(cfg.Locator, coord, logger)
	if err := server.Run(ctx); err != nil {
		logger.Error("coordinator exited", "err", err)
		os.Exit(1)
	}
}
