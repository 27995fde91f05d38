// Package config loads Waypoint settings from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage and revision drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// Config is the full runtime configuration.
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Storage     StorageConfig     `yaml:"storage"`
	Revisions   RevisionsConfig   `yaml:"revisions"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

type EngineConfig struct {
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	LockLeaseTTL time.Duration `yaml:"lock_lease_ttl"`
}

type IdempotencyConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	Capacity        int           `yaml:"capacity"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type StorageConfig struct {
	Driver  string      `yaml:"driver"`
	DataDir string      `yaml:"data_dir"`
	Cache   CacheConfig `yaml:"cache"`
}

type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	MaxCost int64         `yaml:"max_cost"`
	TTL     time.Duration `yaml:"ttl"`
}

type RevisionsConfig struct {
	Driver    string `yaml:"driver"`
	BadgerDir string `yaml:"badger_dir"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type TelemetryConfig struct {
	Tracing bool `yaml:"tracing"`
	Metrics bool `yaml:"metrics"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			LockTimeout:  5 * time.Second,
			LockLeaseTTL: 30 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			TTL:             24 * time.Hour,
			Capacity:        10000,
			CleanupInterval: 10 * time.Minute,
		},
		Storage: StorageConfig{
			Driver:  DriverMemory,
			DataDir: "./data",
			Cache: CacheConfig{
				Enabled: false,
				MaxCost: 64 << 20,
				TTL:     5 * time.Minute,
			},
		},
		Revisions: RevisionsConfig{
			Driver: DriverMemory,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Tracing: false,
			Metrics: true,
		},
	}
}

// Load reads path over the defaults, applies WAYPOINT_* overrides and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadYAMLFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	if err := applyEnvironment(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.LockTimeout <= 0 {
		return fmt.Errorf("engine.lock_timeout must be positive")
	}
	if c.Engine.LockLeaseTTL < c.Engine.LockTimeout {
		return fmt.Errorf("engine.lock_lease_ttl must not be shorter than engine.lock_timeout")
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive")
	}
	if c.Idempotency.Capacity <= 0 {
		return fmt.Errorf("idempotency.capacity must be positive")
	}
	if c.Idempotency.CleanupInterval <= 0 {
		return fmt.Errorf("idempotency.cleanup_interval must be positive")
	}
	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite:
	default:
		return fmt.Errorf("storage.driver %q is not one of memory, sqlite", c.Storage.Driver)
	}
	if c.Storage.Driver == DriverSQLite && c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required for the sqlite driver")
	}
	if c.Storage.Cache.Enabled && (c.Storage.Cache.MaxCost <= 0 || c.Storage.Cache.TTL <= 0) {
		return fmt.Errorf("storage.cache needs a positive max_cost and ttl")
	}
	switch c.Revisions.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.Driver != DriverSQLite {
			return fmt.Errorf("revisions.driver sqlite requires storage.driver sqlite")
		}
	case DriverBadger:
		if c.Revisions.BadgerDir == "" {
			return fmt.Errorf("revisions.badger_dir is required for the badger driver")
		}
	default:
		return fmt.Errorf("revisions.driver %q is not one of memory, sqlite, badger", c.Revisions.Driver)
	}
	return nil
}

func applyEnvironment(cfg *Config) error {
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"WAYPOINT_ENGINE_LOCK_TIMEOUT", &cfg.Engine.LockTimeout},
		{"WAYPOINT_ENGINE_LOCK_LEASE_TTL", &cfg.Engine.LockLeaseTTL},
		{"WAYPOINT_IDEMPOTENCY_TTL", &cfg.Idempotency.TTL},
		{"WAYPOINT_IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.Idempotency.CleanupInterval},
		{"WAYPOINT_STORAGE_CACHE_TTL", &cfg.Storage.Cache.TTL},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", d.env, err)
			}
			*d.dst = parsed
		}
	}

	if v := os.Getenv("WAYPOINT_IDEMPOTENCY_CAPACITY"); v != "" {
		n, err := parseInt(v)
		if err != nil {
			return fmt.Errorf("WAYPOINT_IDEMPOTENCY_CAPACITY: %w", err)
		}
		cfg.Idempotency.Capacity = n
	}
	if v := os.Getenv("WAYPOINT_STORAGE_CACHE_MAX_COST"); v != "" {
		n, err := parseInt(v)
		if err != nil {
			return fmt.Errorf("WAYPOINT_STORAGE_CACHE_MAX_COST: %w", err)
		}
		cfg.Storage.Cache.MaxCost = int64(n)
	}
	if v := os.Getenv("WAYPOINT_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("WAYPOINT_STORAGE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("WAYPOINT_STORAGE_CACHE_ENABLED"); v != "" {
		cfg.Storage.Cache.Enabled = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("WAYPOINT_REVISIONS_DRIVER"); v != "" {
		cfg.Revisions.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("WAYPOINT_REVISIONS_BADGER_DIR"); v != "" {
		cfg.Revisions.BadgerDir = v
	}
	if v := os.Getenv("WAYPOINT_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WAYPOINT_TELEMETRY_TRACING"); v != "" {
		cfg.Telemetry.Tracing = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("WAYPOINT_TELEMETRY_METRICS"); v != "" {
		cfg.Telemetry.Metrics = strings.ToLower(v) == "true"
	}
	return nil
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
