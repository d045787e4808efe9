// Package coordinator implements the authoritative cluster directory: it
// mints ServerIds at enlistment, evicts servers hinted down, and hands out
// the full server list to anyone whose local copy has gone stale.
package coordinator

import (
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"rampart/directory"
	"rampart/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS servers (
	idx        INTEGER NOT NULL,
	generation INTEGER NOT NULL,
	services   INTEGER NOT NULL,
	locator    TEXT    NOT NULL,
	read_mb    INTEGER NOT NULL,
	write_mb   INTEGER NOT NULL,
	in_cluster INTEGER NOT NULL,
	PRIMARY KEY (idx, generation)
);
CREATE TABLE IF NOT EXISTS meta (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);
`

// Coordinator holds the authoritative roster. Enlistments and departures
// go through sqlite first so generation numbers survive restarts; the
// in-memory ServerList mirrors the live subset and carries the version.
type Coordinator struct {
	mu     sync.Mutex
	db     *sql.DB
	list   *directory.ServerList
	logger *slog.Logger

	clusterID string
}

// New opens (or creates) the roster database under dir and loads the live
// roster. An empty dir keeps the roster in memory only.
func New(dir string, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := ":memory:"
	if dir != "" {
		dsn = filepath.Join(dir, "roster.db")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening roster database: %w", err)
	}
	// sqlite is a single-writer store, and a pooled :memory: DSN would
	// hand every connection its own empty database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing roster schema: %w", err)
	}

	c := &Coordinator{
		db:     db,
		list:   directory.NewServerList(logger),
		logger: logger,
	}
	if err := c.loadClusterID(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := c.loadRoster(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("coordinator ready", "cluster", c.clusterID, "servers", c.list.Size())
	return c, nil
}

// Close releases the roster database.
func (c *Coordinator) Close() error {
	return c.db.Close()
}

func (c *Coordinator) loadClusterID() error {
	row := c.db.QueryRow(`SELECT v FROM meta WHERE k = 'cluster_id'`)
	switch err := row.Scan(&c.clusterID); err {
	case nil:
		return nil
	case sql.ErrNoRows:
		c.clusterID = uuid.NewString()
		_, err := c.db.Exec(`INSERT INTO meta (k, v) VALUES ('cluster_id', ?)`, c.clusterID)
		if err != nil {
			return fmt.Errorf("stamping cluster id: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("reading cluster id: %w", err)
	}
}

func (c *Coordinator) loadRoster() error {
	rows, err := c.db.Query(
		`SELECT idx, generation, services, locator, read_mb FROM servers WHERE in_cluster = 1`)
	if err != nil {
		return fmt.Errorf("loading roster: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idx, generation, services, readMB int64
		var locator string
		if err := rows.Scan(&idx, &generation, &services, &locator, &readMB); err != nil {
			return fmt.Errorf("scanning roster row: %w", err)
		}
		_ = c.list.Add(directory.ServerDetails{
			ID:                       protocol.MakeServerID(uint32(idx), uint32(generation)),
			Services:                 protocol.ServiceMask(services),
			Locator:                  locator,
			ExpectedReadMBytesPerSec: uint32(readMB),
		})
	}
	return rows.Err()
}

// Enlist mints a ServerId for a new server process: the lowest free index
// (never 0), with a generation one past anything that index has seen.
func (c *Coordinator) Enlist(req protocol.EnlistReq) (protocol.ServerID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	index, err := c.lowestFreeIndex()
	if err != nil {
		return protocol.InvalidServerID, err
	}
	var generation uint32
	row := c.db.QueryRow(`SELECT COALESCE(MAX(generation), -1) FROM servers WHERE idx = ?`, index)
	var maxGen int64
	if err := row.Scan(&maxGen); err != nil {
		return protocol.InvalidServerID, fmt.Errorf("reading generation for index %d: %w", index, err)
	}
	generation = uint32(maxGen + 1)
	if generation == protocol.InvalidGeneration {
		return protocol.InvalidServerID, fmt.Errorf("index %d exhausted its generations", index)
	}

	_, err = c.db.Exec(
		`INSERT INTO servers (idx, generation, services, locator, read_mb, write_mb, in_cluster)
		 VALUES (?, ?, ?, ?, ?, ?, 1)`,
		index, generation, uint32(req.Services), req.Locator, req.ReadSpeedMB, req.WriteSpeedMB)
	if err != nil {
		return protocol.InvalidServerID, fmt.Errorf("recording enlistment: %w", err)
	}

	id := protocol.MakeServerID(index, generation)
	_ = c.list.Add(directory.ServerDetails{
		ID:                       id,
		Services:                 req.Services,
		Locator:                  req.Locator,
		ExpectedReadMBytesPerSec: req.ReadSpeedMB,
	})
	c.logger.Info("server enlisted",
		"server", id, "services", uint32(req.Services), "locator", req.Locator)
	return id, nil
}

// lowestFreeIndex scans live roster rows for the smallest unoccupied index
// above the reserved index 0.
func (c *Coordinator) lowestFreeIndex() (uint32, error) {
	rows, err := c.db.Query(`SELECT idx FROM servers WHERE in_cluster = 1 ORDER BY idx`)
	if err != nil {
		return 0, fmt.Errorf("scanning indexes: %w", err)
	}
	defer rows.Close()

	next := uint32(1)
	for rows.Next() {
		var idx int64
		if err := rows.Scan(&idx); err != nil {
			return 0, err
		}
		if uint32(idx) == next {
			next++
		}
	}
	return next, rows.Err()
}

// HintServerDown evicts a suspected-dead server from the cluster. Unknown
// or already-departed ids are a non-error: hints race with each other and
// with the server's own departure.
func (c *Coordinator) HintServerDown(id protocol.ServerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.list.Remove(id); err != nil {
		c.logger.Debug("hint for unknown server ignored", "server", id)
		return nil
	}
	_, err := c.db.Exec(
		`UPDATE servers SET in_cluster = 0 WHERE idx = ? AND generation = ?`,
		id.Index(), id.Generation())
	if err != nil {
		return fmt.Errorf("recording departure: %w", err)
	}
	c.logger.Warn("server evicted on failure hint", "server", id)
	return nil
}

// ServerList snapshots the live roster in wire form.
func (c *Coordinator) ServerList() (uint64, []protocol.ServerEntry) {
	return c.list.Entries()
}

// Version returns the roster version.
func (c *Coordinator) Version() uint64 {
	return c.list.Version()
}

// ClusterID returns the uuid stamped at first boot.
func (c *Coordinator) ClusterID() string {
	return c.clusterID
}

// Directory exposes the live roster for in-process clusters (tests and the
// benchmark's local mode), which subscribe trackers to it directly.
func (c *Coordinator) Directory() *directory.ServerList {
	return c.list
}
