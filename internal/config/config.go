// Package config loads and validates the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentsh/crashguard/internal/scope"
	"github.com/agentsh/crashguard/pkg/types"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Guard   GuardConfig   `yaml:"guard"`
	Audit   AuditConfig   `yaml:"audit"`
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
}

type ServerConfig struct {
	HTTP ServerHTTPConfig `yaml:"http"`
}

type ServerHTTPConfig struct {
	Addr string `yaml:"addr"`

	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// GuardConfig is the boot-time seed for the root scope's tunables, plus the
// table geometry and exemption patterns that are fixed at startup.
type GuardConfig struct {
	// Mode is one of disabled, opt_in, opt_out, forced. Anything else is
	// coerced to forced at load with a warning.
	Mode string `yaml:"mode"`

	Expiry     string `yaml:"expiry"`      // duration, default "2m"
	Suspension string `yaml:"suspension"`  // duration, default "10m"
	MaxCrashes uint64 `yaml:"max_crashes"` // default 5

	// HashBuckets sizes the record table at init; it is never resized.
	HashBuckets int `yaml:"hash_buckets"`

	// ExemptPaths are glob patterns for binaries the guard never applies
	// to, regardless of mode.
	ExemptPaths []string `yaml:"exempt_paths"`
}

type AuditConfig struct {
	// Output is an optional JSONL file the audit trail is appended to.
	Output   string         `yaml:"output"`
	Rotation RotationConfig `yaml:"rotation"`

	Storage AuditStorageConfig `yaml:"storage"`
}

type RotationConfig struct {
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
}

type AuditStorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Path          string `yaml:"path"`
	ReadinessPath string `yaml:"readiness_path"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(b)
}

func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = "127.0.0.1:8787"
	}
	if cfg.Server.HTTP.ReadTimeout == "" {
		cfg.Server.HTTP.ReadTimeout = "30s"
	}
	if cfg.Server.HTTP.WriteTimeout == "" {
		cfg.Server.HTTP.WriteTimeout = "1m"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Guard.Mode == "" {
		cfg.Guard.Mode = string(types.ModeOptIn)
	}
	if cfg.Guard.Expiry == "" {
		cfg.Guard.Expiry = "2m"
	}
	if cfg.Guard.Suspension == "" {
		cfg.Guard.Suspension = "10m"
	}
	if cfg.Guard.MaxCrashes == 0 {
		cfg.Guard.MaxCrashes = 5
	}
	if cfg.Guard.HashBuckets == 0 {
		cfg.Guard.HashBuckets = 512
	}
	if cfg.Audit.Rotation.MaxSizeMB == 0 {
		cfg.Audit.Rotation.MaxSizeMB = 100
	}
	if cfg.Audit.Rotation.MaxBackups == 0 {
		cfg.Audit.Rotation.MaxBackups = 3
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/healthz"
	}
	if cfg.Health.ReadinessPath == "" {
		cfg.Health.ReadinessPath = "/readyz"
	}
}

func validateConfig(cfg *Config) error {
	if _, err := time.ParseDuration(cfg.Server.HTTP.ReadTimeout); err != nil {
		return fmt.Errorf("parse server.http.read_timeout: %w", err)
	}
	if _, err := time.ParseDuration(cfg.Server.HTTP.WriteTimeout); err != nil {
		return fmt.Errorf("parse server.http.write_timeout: %w", err)
	}
	if _, err := time.ParseDuration(cfg.Guard.Expiry); err != nil {
		return fmt.Errorf("parse guard.expiry: %w", err)
	}
	if _, err := time.ParseDuration(cfg.Guard.Suspension); err != nil {
		return fmt.Errorf("parse guard.suspension: %w", err)
	}
	if cfg.Guard.HashBuckets < 0 {
		return fmt.Errorf("guard.hash_buckets must be positive")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q not one of debug, info, warn, error", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q not one of text, json", cfg.Logging.Format)
	}
	return nil
}

// ScopeGuardConfig converts the YAML guard section into the scope tunable
// set. The mode is carried through unvalidated; scope.Apply coerces unknown
// values to forced with a warning, matching the boot-time behavior.
func (c *Config) ScopeGuardConfig() scope.GuardConfig {
	expiry, err := time.ParseDuration(c.Guard.Expiry)
	if err != nil {
		expiry = 2 * time.Minute
	}
	suspension, err := time.ParseDuration(c.Guard.Suspension)
	if err != nil {
		suspension = 10 * time.Minute
	}
	return scope.GuardConfig{
		Mode:       types.Mode(c.Guard.Mode),
		Expiry:     expiry,
		Suspension: suspension,
		MaxCrashes: c.Guard.MaxCrashes,
	}
}
