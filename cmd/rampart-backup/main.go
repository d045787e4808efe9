/*
Package main is the backup daemon: it stores segment replicas for masters
and serves the replication verbs over TCP.
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
	"time"

	"golang.org/x/sync/errgroup"

	"rampart/backup"
	"rampart/config"
	"rampart/coordinator"
	"rampart/detector"
	"rampart/directory"
	"rampart/metrics"
	"rampart/protocol"
	"rampart/transport"
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
		cfg.Locator = "127.0.0.1" + protocol.DefaultBackupPort
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Debug)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataDir := config.ResolvePath(homeDir, cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating data directory: %v\n", err)
		os.Exit(1)
	}
	store, err := backup.NewStore(dataDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening replica store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	serverList := directory.NewServerList(logger)
	coordClient := coordinator.NewTCPClient(cfg.CoordinatorLocator, serverList)

	id := enlistWithRetry(ctx, coordClient, protocol.EnlistReq{
		Services:     protocol.BackupService | protocol.MembershipService | protocol.PingService,
		Locator:      cfg.Locator,
		ReadSpeedMB:  cfg.ReadSpeedMB,
		WriteSpeedMB: cfg.WriteSpeedMB,
	}, logger)
	if !id.IsValid() {
		os.Exit(1)
	}
	logger.Info("enlisted with coordinator", "server", id, "locator", cfg.Locator)
	if err := coordClient.RequestServerList(id); err != nil {
		logger.Warn("initial server list fetch failed", "err", err)
	}

	tcp := transport.NewTCP()
	det := detector.New(id, serverList, tcp, coordClient, detector.Options{
		ProbeInterval: cfg.ProbeInterval(),
		ProbeTimeout:  cfg.ProbeTimeout(),
		StaleTimeout:  cfg.StaleServerListTimeout(),
	}, logger)
	det.Start()
	defer det.Halt()

	metrics.StartMetricsServer(cfg.MetricsAddr, nil, store, logger)

	g, ctx := errgroup.WithContext(ctx)
	server := backup.NewServer(cfg.Locator, store, serverList.Version, logger)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error {
		refresh := time.NewTicker(cfg.StaleServerListTimeout())
		defer refresh.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-refresh.C:
				if err := coordClient.RequestServerList(id); err != nil {
					logger.Warn("server list refresh failed", "err", err)
				}
			}
		}
	})
	if err := g.Wait(); err != nil {
		logger.Error("backup daemon exited", "err", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func enlistWithRetry(ctx context.Context, client coordinator.Client, req protocol.EnlistReq, logger *slog.Logger) protocol.ServerID {
	for {
		id, err := client.Enlist(req)
		if err == nil {
			return id
		}
		logger.Warn("enlistment failed, retrying", "err", err)
		select {
		case <-ctx.Done():
			return protocol.InvalidServerID
		case <-time.After(time.Second):
		}
	}
}
