// Package config loads the JSON server configuration shared by the rampart
// daemons. Every knob has a production default; a missing config file is
// not an error.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rampart/protocol"
)

// Config represents a server configuration loaded from a JSON file.
type Config struct {
	// Locator is the address this server listens on and advertises to the
	// coordinator (e.g. "127.0.0.1:7071").
	Locator string `json:"locator"`

	// CoordinatorLocator is the address of the cluster coordinator.
	CoordinatorLocator string `json:"coordinator_locator"`

	// MetricsAddr is the address to bind the Prometheus metrics server.
	// Empty disables metrics.
	MetricsAddr string `json:"metrics_addr"`

	// DataDir holds durable state: the backup's replica store or the
	// coordinator's roster database.
	DataDir string `json:"data_dir"`

	// Debug enables verbose logging if true.
	Debug bool `json:"debug"`

	// NumReplicas is the number of backup copies kept of each segment.
	NumReplicas int `json:"num_replicas"`

	// MaxWriteRPCsInFlight caps outstanding open/write RPCs across all
	// segments of this master; admission control, not a correctness knob.
	MaxWriteRPCsInFlight int `json:"max_write_rpcs_in_flight"`

	// PowerOfKChoices is how many candidate backups the selector samples
	// per primary placement.
	PowerOfKChoices int `json:"power_of_k_choices"`

	// ProbeIntervalUS is the failure detector's ping period.
	ProbeIntervalUS int `json:"probe_interval_us"`

	// ProbeTimeoutUS is the deadline on each ping.
	ProbeTimeoutUS int `json:"probe_timeout_us"`

	// StaleServerListUS is how long a version mismatch may persist before
	// the detector asks the coordinator for a fresh directory.
	StaleServerListUS int `json:"stale_server_list_us"`

	// MaxRPCPayload bounds bytes per replication write RPC.
	MaxRPCPayload int `json:"max_rpc_payload"`

	// ReadSpeedMB and WriteSpeedMB are the disk bandwidth this server
	// advertises at enlistment. Meaningful for backups.
	ReadSpeedMB  uint32 `json:"read_speed_mb"`
	WriteSpeedMB uint32 `json:"write_speed_mb"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		CoordinatorLocator:   "127.0.0.1" + protocol.DefaultCoordinatorPort,
		MetricsAddr:          ":9090",
		NumReplicas:          3,
		MaxWriteRPCsInFlight: 4,
		PowerOfKChoices:      5,
		ProbeIntervalUS:      100_000,
		ProbeTimeoutUS:       50_000,
		StaleServerListUS:    2_000_000,
		MaxRPCPayload:        protocol.MaxRPCPayload,
		ReadSpeedMB:          100,
		WriteSpeedMB:         100,
	}
}

// Load reads homeDir/config.json over the defaults. A missing file yields
// the defaults; a malformed one is an error.
func Load(homeDir string) (Config, error) {
	cfg := Default()
	path := filepath.Join(homeDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the replication core cannot run with.
func (c *Config) Validate() error {
	if c.NumReplicas < 0 {
		return fmt.Errorf("num_replicas must be >= 0, got %d", c.NumReplicas)
	}
	if c.MaxWriteRPCsInFlight <= 0 {
		return fmt.Errorf("max_write_rpcs_in_flight must be positive, got %d", c.MaxWriteRPCsInFlight)
	}
	if c.PowerOfKChoices <= 0 {
		return fmt.Errorf("power_of_k_choices must be positive, got %d", c.PowerOfKChoices)
	}
	if c.ProbeIntervalUS <= 0 || c.ProbeTimeoutUS <= 0 || c.StaleServerListUS <= 0 {
		return fmt.Errorf("probe_interval_us, probe_timeout_us, and stale_server_list_us must be positive")
	}
	if c.MaxRPCPayload <= 0 || c.MaxRPCPayload > protocol.MaxRPCPayload {
		return fmt.Errorf("max_rpc_payload must be in (0, %d], got %d",
			protocol.MaxRPCPayload, c.MaxRPCPayload)
	}
	return nil
}

// ProbeInterval returns the ping period as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalUS) * time.Microsecond
}

// ProbeTimeout returns the per-ping deadline as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutUS) * time.Microsecond
}

// StaleServerListTimeout returns the staleness hysteresis as a duration.
func (c *Config) StaleServerListTimeout() time.Duration {
	return time.Duration(c.StaleServerListUS) * time.Microsecond
}

// ResolvePath returns an absolute path relative to the home directory if
// path is relative; an empty path resolves to the home directory itself.
func ResolvePath(homeDir, path string) string {
	if path == "" {
		return homeDir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(homeDir, path)
}
