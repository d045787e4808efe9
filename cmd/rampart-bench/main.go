/*
Package main benchmarks the replication pipeline against an in-process
cluster: an in-memory coordinator, N backup stores on a loopback transport,
and one replica manager pushing segments through them.
*/
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"rampart/backup"
	"rampart/coordinator"
	"rampart/protocol"
	"rampart/replica"
	"rampart/transport"
)

func main() {
	numBackups := flag.Int("backups", 3, "Backup services to run")
	numReplicas := flag.Int("replicas", 3, "Replicas per segment")
	numSegments := flag.Int("segments", 16, "Segments to replicate")
	segmentBytes := flag.Int("size", 1<<20, "Bytes per segment")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	coord, err := coordinator.New("", logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
	defer coord.Close()

	network := transport.NewNetwork()
	for i := 0; i < *numBackups; i++ {
		locator := fmt.Sprintf("mem:backup%d", i)
		store, err := backup.NewStore("", logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "backup store: %v\n", err)
			os.Exit(1)
		}
		network.RegisterBackup(locator, store)
		if _, err := coord.Enlist(protocol.EnlistReq{
			Services:    protocol.BackupService | protocol.PingService,
			Locator:     locator,
			ReadSpeedMB: 100,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "enlist backup: %v\n", err)
			os.Exit(1)
		}
	}

	masterID, err := coord.Enlist(protocol.EnlistReq{
		Services: protocol.MasterService | protocol.PingService,
		Locator:  "mem:master",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "enlist master: %v\n", err)
		os.Exit(1)
	}

	mgr := replica.NewManager(masterID, coord.Directory(), network, replica.Options{
		NumReplicas: *numReplicas,
	}, logger)

	data := make([]byte, *segmentBytes)
	for i := range data {
		data[i] = byte(i)
	}

	start := time.Now()
	for i := 0; i < *numSegments; i++ {
		seg, err := mgr.OpenSegment(uint64(i+1), data, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open segment: %v\n", err)
			os.Exit(1)
		}
		if err := seg.Sync(len(data)); err != nil {
			fmt.Fprintf(os.Stderr, "sync: %v\n", err)
			os.Exit(1)
		}
		seg.Close()
		if err := seg.Sync(len(data)); err != nil {
			fmt.Fprintf(os.Stderr, "close sync: %v\n", err)
			os.Exit(1)
		}
	}
	elapsed := time.Since(start)

	replicated := float64(*numSegments) * float64(*segmentBytes) * float64(*numReplicas)
	fmt.Printf("segments=%d size=%d replicas=%d backups=%d\n",
		*numSegments, *segmentBytes, *numReplicas, *numBackups)
	fmt.Printf("elapsed=%v throughput=%.1f MB/s (replicated bytes)\n",
		elapsed.Round(time.Millisecond), replicated/(1024*1024)/elapsed.Seconds())
}
