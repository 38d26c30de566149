package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration invalid: %v", err)
	}
	if cfg.Aggregator.WindowWidth.Std() != 60*time.Second {
		t.Errorf("default window width = %v, want 60s", cfg.Aggregator.WindowWidth.Std())
	}
	if cfg.Correlator.ChunkSize != 500 {
		t.Errorf("default chunk size = %d, want 500", cfg.Correlator.ChunkSize)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
database_url: postgres://localhost/bgp_test
collectors: [rrc00, rrc21]
aggregator:
  window_width: 5m
  grace_period: 90s
correlator:
  chunk_size: 100
producers:
  routinator_url: http://validator:8323/api/v1/validity
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DatabaseURL != "postgres://localhost/bgp_test" {
		t.Errorf("database URL = %q", cfg.DatabaseURL)
	}
	if cfg.Aggregator.WindowWidth.Std() != 5*time.Minute {
		t.Errorf("window width = %v, want 5m", cfg.Aggregator.WindowWidth.Std())
	}
	if cfg.Aggregator.GracePeriod.Std() != 90*time.Second {
		t.Errorf("grace period = %v, want 90s", cfg.Aggregator.GracePeriod.Std())
	}
	if cfg.Correlator.ChunkSize != 100 {
		t.Errorf("chunk size = %d, want 100", cfg.Correlator.ChunkSize)
	}
	if len(cfg.Collectors) != 2 || cfg.Collectors[1] != "rrc21" {
		t.Errorf("collectors = %v", cfg.Collectors)
	}
	// Untouched values keep their defaults.
	if cfg.Correlator.PollInterval.Std() != 20*time.Second {
		t.Errorf("poll interval = %v, want default 20s", cfg.Correlator.PollInterval.Std())
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("database_url: postgres://file/db\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BGP_ENSEMBLE_DATABASE", "postgres://env/db")
	t.Setenv("BGP_ENSEMBLE_COLLECTORS", "rrc04, rrc12")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DatabaseURL != "postgres://env/db" {
		t.Errorf("database URL = %q, want env value", cfg.DatabaseURL)
	}
	if len(cfg.Collectors) != 2 || cfg.Collectors[0] != "rrc04" || cfg.Collectors[1] != "rrc12" {
		t.Errorf("collectors = %v, want trimmed env values", cfg.Collectors)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("aggregator:\n  window_width: soon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero window width", func(c *Config) { c.Aggregator.WindowWidth = 0 }},
		{"negative grace period", func(c *Config) { c.Aggregator.GracePeriod = Duration(-time.Second) }},
		{"min above max interval", func(c *Config) {
			c.Aggregator.MinInterval = Duration(time.Minute)
			c.Aggregator.MaxInterval = Duration(time.Second)
		}},
		{"zero backlog threshold", func(c *Config) { c.Aggregator.BacklogThreshold = 0 }},
		{"zero poll interval", func(c *Config) { c.Correlator.PollInterval = 0 }},
		{"zero chunk size", func(c *Config) { c.Correlator.ChunkSize = 0 }},
		{"zero lease ttl", func(c *Config) { c.Correlator.LeaseTTL = 0 }},
		{"zero z threshold", func(c *Config) { c.Producers.ModelZThreshold = 0 }},
		{"zero retention horizon", func(c *Config) { c.Retention.EventHorizon = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
