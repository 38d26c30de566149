// Package config holds the daemon configuration: built-in defaults, an
// optional YAML file, then environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "60s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AggregatorConfig controls the window aggregator.
type AggregatorConfig struct {
	WindowWidth      Duration `yaml:"window_width"`
	GracePeriod      Duration `yaml:"grace_period"`
	MinInterval      Duration `yaml:"min_interval"`
	MaxInterval      Duration `yaml:"max_interval"`
	BacklogThreshold int      `yaml:"backlog_threshold"`
}

// CorrelatorConfig controls the correlation engine.
type CorrelatorConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	ChunkSize    int      `yaml:"chunk_size"`
	LeaseTTL     Duration `yaml:"lease_ttl"`
}

// ProducersConfig controls the three detection producers.
type ProducersConfig struct {
	RuleInterval      Duration `yaml:"rule_interval"`
	ModelInterval     Duration `yaml:"model_interval"`
	AuthorityInterval Duration `yaml:"authority_interval"`
	RoutinatorURL     string   `yaml:"routinator_url"`
	AuthorityCacheTTL Duration `yaml:"authority_cache_ttl"`
	ModelZThreshold   float64  `yaml:"model_z_threshold"`
}

// RetentionConfig controls the retention sweeper.
type RetentionConfig struct {
	SweepInterval    Duration `yaml:"sweep_interval"`
	EventHorizon     Duration `yaml:"event_horizon"`
	WindowHorizon    Duration `yaml:"window_horizon"`
	DetectionHorizon Duration `yaml:"detection_horizon"`
}

// Config is the full daemon configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	MetricsAddr string `yaml:"metrics_addr"`

	Collectors   []string `yaml:"collectors"`
	IngestBuffer int      `yaml:"ingest_buffer"`

	Aggregator AggregatorConfig `yaml:"aggregator"`
	Correlator CorrelatorConfig `yaml:"correlator"`
	Producers  ProducersConfig  `yaml:"producers"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Collectors:   []string{"rrc00"},
		IngestBuffer: 100000,
		Aggregator: AggregatorConfig{
			WindowWidth:      Duration(60 * time.Second),
			GracePeriod:      Duration(60 * time.Second),
			MinInterval:      Duration(5 * time.Second),
			MaxInterval:      Duration(60 * time.Second),
			BacklogThreshold: 10000,
		},
		Correlator: CorrelatorConfig{
			PollInterval: Duration(20 * time.Second),
			ChunkSize:    500,
			LeaseTTL:     Duration(2 * time.Minute),
		},
		Producers: ProducersConfig{
			RuleInterval:      Duration(20 * time.Second),
			ModelInterval:     Duration(20 * time.Second),
			AuthorityInterval: Duration(30 * time.Second),
			RoutinatorURL:     "http://localhost:8323/api/v1/validity",
			AuthorityCacheTTL: Duration(15 * time.Minute),
			ModelZThreshold:   3.0,
		},
		Retention: RetentionConfig{
			SweepInterval:    Duration(time.Hour),
			EventHorizon:     Duration(24 * time.Hour),
			WindowHorizon:    Duration(7 * 24 * time.Hour),
			DetectionHorizon: Duration(30 * 24 * time.Hour),
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BGP_ENSEMBLE_DATABASE"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("BGP_ENSEMBLE_REDIS"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("BGP_ENSEMBLE_METRICS"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("BGP_ENSEMBLE_COLLECTORS"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		c.Collectors = parts
	}
	if v := os.Getenv("BGP_ENSEMBLE_ROUTINATOR"); v != "" {
		c.Producers.RoutinatorURL = v
	}
}

// Validate checks the configuration. A failure here is fatal at startup:
// no stage may run with an invalid configuration.
func (c *Config) Validate() error {
	if c.Aggregator.WindowWidth <= 0 {
		return fmt.Errorf("config: aggregator window_width must be positive")
	}
	if c.Aggregator.GracePeriod < 0 {
		return fmt.Errorf("config: aggregator grace_period must not be negative")
	}
	if c.Aggregator.MinInterval <= 0 || c.Aggregator.MaxInterval < c.Aggregator.MinInterval {
		return fmt.Errorf("config: aggregator intervals must satisfy 0 < min_interval <= max_interval")
	}
	if c.Aggregator.BacklogThreshold <= 0 {
		return fmt.Errorf("config: aggregator backlog_threshold must be positive")
	}
	if c.Correlator.PollInterval <= 0 {
		return fmt.Errorf("config: correlator poll_interval must be positive")
	}
	if c.Correlator.ChunkSize <= 0 {
		return fmt.Errorf("config: correlator chunk_size must be positive")
	}
	if c.Correlator.LeaseTTL <= 0 {
		return fmt.Errorf("config: correlator lease_ttl must be positive")
	}
	if c.Producers.ModelZThreshold <= 0 {
		return fmt.Errorf("config: producers model_z_threshold must be positive")
	}
	if c.Retention.EventHorizon <= 0 || c.Retention.WindowHorizon <= 0 || c.Retention.DetectionHorizon <= 0 {
		return fmt.Errorf("config: retention horizons must be positive")
	}
	return nil
}
