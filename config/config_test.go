package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.NumReplicas != 3 || cfg.PowerOfKChoices != 5 || cfg.MaxWriteRPCsInFlight != 4 {
		t.Errorf("Defaults not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config failed validation: %v", err)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	body := `{"num_replicas": 2, "probe_interval_us": 500, "locator": "127.0.0.1:9999"}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.NumReplicas != 2 {
		t.Errorf("NumReplicas = %d, want 2", cfg.NumReplicas)
	}
	if cfg.ProbeIntervalUS != 500 {
		t.Errorf("ProbeIntervalUS = %d, want 500", cfg.ProbeIntervalUS)
	}
	// Untouched knobs keep their defaults.
	if cfg.PowerOfKChoices != 5 {
		t.Errorf("PowerOfKChoices = %d, want 5", cfg.PowerOfKChoices)
	}
}

func TestLoad_MalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Errorf("Load accepted a malformed config file")
	}
}

func TestValidate_RejectsBadKnobs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative replicas", func(c *Config) { c.NumReplicas = -1 }},
		{"zero write cap", func(c *Config) { c.MaxWriteRPCsInFlight = 0 }},
		{"zero power of k", func(c *Config) { c.PowerOfKChoices = 0 }},
		{"zero probe interval", func(c *Config) { c.ProbeIntervalUS = 0 }},
		{"negative stale timeout", func(c *Config) { c.StaleServerListUS = -5 }},
		{"oversized payload", func(c *Config) { c.MaxRPCPayload = 1 << 30 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("Validate accepted %s", tc.name)
		}
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/home/x", "data"); got != filepath.Join("/home/x", "data") {
		t.Errorf("ResolvePath relative = %q", got)
	}
	if got := ResolvePath("/home/x", "/abs/data"); got != "/abs/data" {
		t.Errorf("ResolvePath absolute = %q", got)
	}
	if got := ResolvePath("/home/x", ""); got != "/home/x" {
		t.Errorf("ResolvePath empty = %q", got)
	}
}
