// Package config provides YAML configuration loading and validation for the
// security-event detection and tamper-evident audit daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for securityd.
type Config struct {
	// DSN is the PostgreSQL connection string for the security log store.
	// Required.
	DSN string `yaml:"dsn"`

	// QueuePath is the filesystem path to the SQLite-backed job queue
	// database. Defaults to "./queue.db" when omitted.
	QueuePath string `yaml:"queue_path"`

	// ArchiveDir is the directory compressed archives are written to.
	// Defaults to "./archives" when omitted.
	ArchiveDir string `yaml:"archive_dir"`

	// HTTPAddr is the listen address for the REST API and /metrics.
	// Defaults to "127.0.0.1:8080" when omitted.
	HTTPAddr string `yaml:"http_addr"`

	// JWTPublicKeyPath is the path to the PEM-encoded RSA public key used to
	// verify RS256 bearer tokens on /api/v1 routes. Required.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// RetentionDays is how long a log entry lives before it becomes
	// eligible for archival and cleanup. Defaults to 90 when omitted.
	RetentionDays int `yaml:"retention_days"`

	// CleanupHourUTC is the hour of day (0-23, UTC) the daily archive+
	// cleanup job runs at. Defaults to 2 (02:00 UTC) when omitted.
	CleanupHourUTC int `yaml:"cleanup_hour_utc"`

	// MaxRetries is the number of failed attempts, the first one included,
	// after which a job is marked failed and preserved for diagnosis.
	// Defaults to 3 when omitted.
	MaxRetries int `yaml:"max_retries"`

	// BackoffDelayMs is parsed and defaults to 2000, but neither the queue
	// nor the writer reads it: the queue's retry backoff is fixed at 2s
	// initial, doubling, capped at 30s.
	BackoffDelayMs int `yaml:"backoff_delay_ms"`

	// BatchSize is parsed and defaults to 100, but no worker reads it: the
	// Log Writer claims one job per dequeue.
	BatchSize int `yaml:"batch_size"`

	// HotReloadIntervalMs is how often the Rule Repository polls the store
	// for rule version changes. Defaults to 60000 (60s) when omitted or zero;
	// a negative value disables hot reload entirely.
	HotReloadIntervalMs int `yaml:"hot_reload_interval_ms"`

	// RuleEvalDeadlineMs bounds how long the Rule Engine waits for a single
	// rule's Evaluate call before recording a timeout. Defaults to 500.
	RuleEvalDeadlineMs int `yaml:"rule_eval_deadline_ms"`

	// Rules seeds the rules table on first startup; an empty list is valid
	// (rules can be created entirely through the admin API thereafter).
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig is one seed rule definition loaded from YAML at startup.
type RuleConfig struct {
	// ID is the rule's unique identifier, and — for PATTERN rules — also
	// the default dispatch key (see internal/rules.New). Required.
	ID string `yaml:"id"`

	// Name is a human-readable label. Required.
	Name string `yaml:"name"`

	// Description is shown in the admin API; optional.
	Description string `yaml:"description,omitempty"`

	// Status is one of ACTIVE, TESTING, INACTIVE, DEPRECATED. Defaults to
	// TESTING when omitted.
	Status string `yaml:"status"`

	// Severity is one of INFO, LOW, MEDIUM, HIGH, CRITICAL. Required.
	Severity string `yaml:"severity"`

	// ConditionType is one of THRESHOLD, PATTERN, TIME_BASED, GEO_BASED.
	// Required.
	ConditionType string `yaml:"condition_type"`

	// Config is the variant-specific configuration block, passed through
	// verbatim as JSON-compatible YAML to the rule constructor.
	Config map[string]any `yaml:"config,omitempty"`

	// Tags are free-form labels; for PATTERN rules, also consulted by the
	// dispatch lookup when ID alone doesn't match a known variant name.
	Tags []string `yaml:"tags,omitempty"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStatuses = map[string]bool{
	"ACTIVE":     true,
	"TESTING":    true,
	"INACTIVE":   true,
	"DEPRECATED": true,
}

var validSeverities = map[string]bool{
	"INFO":     true,
	"LOW":      true,
	"MEDIUM":   true,
	"HIGH":     true,
	"CRITICAL": true,
}

var validConditionTypes = map[string]bool{
	"THRESHOLD":  true,
	"PATTERN":    true,
	"TIME_BASED": true,
	"GEO_BASED":  true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered, not just the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.QueuePath == "" {
		cfg.QueuePath = "./queue.db"
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = "./archives"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	if cfg.CleanupHourUTC == 0 {
		cfg.CleanupHourUTC = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffDelayMs <= 0 {
		cfg.BackoffDelayMs = 2000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.HotReloadIntervalMs == 0 {
		cfg.HotReloadIntervalMs = 60000
	}
	if cfg.RuleEvalDeadlineMs <= 0 {
		cfg.RuleEvalDeadlineMs = 500
	}
	for i := range cfg.Rules {
		if cfg.Rules[i].Status == "" {
			cfg.Rules[i].Status = "TESTING"
		}
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.DSN == "" {
		errs = append(errs, errors.New("dsn is required"))
	}
	if cfg.JWTPublicKeyPath == "" {
		errs = append(errs, errors.New("jwt_public_key_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.CleanupHourUTC < 0 || cfg.CleanupHourUTC > 23 {
		errs = append(errs, fmt.Errorf("cleanup_hour_utc %d must be in [0, 23]", cfg.CleanupHourUTC))
	}

	for i, r := range cfg.Rules {
		prefix := fmt.Sprintf("rules[%d]", i)
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", prefix))
		}
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if !validStatuses[r.Status] {
			errs = append(errs, fmt.Errorf("%s: status %q must be one of: ACTIVE, TESTING, INACTIVE, DEPRECATED", prefix, r.Status))
		}
		if !validSeverities[r.Severity] {
			errs = append(errs, fmt.Errorf("%s: severity %q must be one of: INFO, LOW, MEDIUM, HIGH, CRITICAL", prefix, r.Severity))
		}
		if !validConditionTypes[r.ConditionType] {
			errs = append(errs, fmt.Errorf("%s: condition_type %q must be one of: THRESHOLD, PATTERN, TIME_BASED, GEO_BASED", prefix, r.ConditionType))
		}
	}

	return errors.Join(errs...)
}

// RetentionCutoff returns the instant before which entries are eligible for
// archival, relative to now.
func (c Config) RetentionCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -c.RetentionDays)
}

// NextCleanupRun computes the next occurrence of CleanupHourUTC:00 UTC at or
// after now, returned as a delay rather than an absolute time so callers can
// feed it straight into queue.Queue.ScheduleCleanup.
func (c Config) NextCleanupRun(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), c.CleanupHourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
