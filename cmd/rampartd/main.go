/*
Package main is the storage-master daemon. It enlists with the coordinator,
keeps a local server directory, runs the replica manager that the master's
in-memory log drives, and probes the cluster through the failure detector.
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

	"rampart/config"
	"rampart/coordinator"
	"rampart/detector"
	"rampart/directory"
	"rampart/metrics"
	"rampart/protocol"
	"rampart/replica"
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
		cfg.Locator = "127.0.0.1" + protocol.DefaultMasterPort
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Debug)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverList := directory.NewServerList(logger)
	coordClient := coordinator.NewTCPClient(cfg.CoordinatorLocator, serverList)

	id := enlistWithRetry(ctx, coordClient, protocol.EnlistReq{
		Services:     protocol.MasterService | protocol.MembershipService | protocol.PingService,
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
	mgr := replica.NewManager(id, serverList, tcp, replica.Options{
		NumReplicas:          cfg.NumReplicas,
		MaxWriteRPCsInFlight: cfg.MaxWriteRPCsInFlight,
		PowerOfKChoices:      cfg.PowerOfKChoices,
		MaxRPCPayload:        cfg.MaxRPCPayload,
	}, logger)

	det := detector.New(id, serverList, tcp, coordClient, detector.Options{
		ProbeInterval: cfg.ProbeInterval(),
		ProbeTimeout:  cfg.ProbeTimeout(),
		StaleTimeout:  cfg.StaleServerListTimeout(),
	}, logger)
	det.Start()
	defer det.Halt()

	metrics.StartMetricsServer(cfg.MetricsAddr, mgr, nil, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return transport.ServePing(ctx, cfg.Locator, serverList.Version, logger)
	})
	g.Go(func() error {
		// Drive replication forward even when no Sync is pending, and
		// refresh the directory periodically so removals converge.
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		refresh := time.NewTicker(cfg.StaleServerListTimeout())
		defer refresh.Stop()
		for {
			select {
			case <-ctx.Done():
				mgr.Halt()
				return nil
			case <-ticker.C:
				mgr.Proceed()
			case <-refresh.C:
				if err := coordClient.RequestServerList(id); err != nil {
					logger.Warn("server list refresh failed", "err", err)
				}
			}
		}
	})
	if err := g.Wait(); err != nil {
		logger.Error("master daemon exited", "err", err)
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

// enlistWithRetry keeps trying until the coordinator answers or the
// process is told to exit.
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
