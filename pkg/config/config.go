// Package config loads and validates Beacon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultAPIBind          = "127.0.0.1:7600"
	DefaultDatabasePath     = "beacon.db"
	DefaultLogDir           = "logs"
	DefaultBatchCadence     = 4 * time.Hour
	DefaultEmergencyCadence = 5 * time.Minute
	DefaultSessionTimeout   = 30 * time.Second
	DefaultConfidenceTarget = 0.95
	DefaultDispatchRetries  = 5
	DefaultDispatchBackoff  = 2 * time.Second
)

// Source mode values.
const (
	SourceModePush = "push"
	SourceModeNATS = "nats"
)

// Config represents the complete Beacon configuration
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	API        APIConfig        `yaml:"api"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Source     SourceConfig     `yaml:"source"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Triggers   TriggerConfig    `yaml:"triggers"`
	Automation AutomationConfig `yaml:"automation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StorageConfig configures the SQLite store
type StorageConfig struct {
	Path string `yaml:"path"`
}

// APIConfig configures the HTTP control API
type APIConfig struct {
	Bind string `yaml:"bind"`
}

// SchedulerConfig controls the batch and emergency cadences
type SchedulerConfig struct {
	BatchCadence     time.Duration `yaml:"batch_cadence"`
	EmergencyCadence time.Duration `yaml:"emergency_cadence"`
	SessionTimeout   time.Duration `yaml:"session_timeout"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
}

// SourceConfig selects where the scheduler pulls campaign metrics from.
// In push mode windows arrive over the HTTP API; in nats mode the ads
// platform publishes windows and readings onto a subject tree.
type SourceConfig struct {
	Mode    string `yaml:"mode"`
	NATSUrl string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// EvaluationConfig controls significance testing
type EvaluationConfig struct {
	ConfidenceTarget float64 `yaml:"confidence_target"`
	BaselineCVR      float64 `yaml:"baseline_cvr"`
}

// TriggerThreshold defines one emergency-trigger rule. Thresholds are
// injectable configuration; sample values never ship hard-coded.
type TriggerThreshold struct {
	Metric    string  `yaml:"metric"`
	Threshold float64 `yaml:"threshold"`
	// Direction is "below" (fire when value drops under threshold) or
	// "above" (fire when value exceeds it).
	Direction string `yaml:"direction"`
	// Tolerance is the margin a reading must return inside before the
	// trigger auto-resolves.
	Tolerance float64 `yaml:"tolerance"`
	Action    string  `yaml:"action"`
}

// TriggerConfig configures the emergency trigger monitor
type TriggerConfig struct {
	Thresholds []TriggerThreshold `yaml:"thresholds"`
}

// AutomationConfig configures the automation command sink
type AutomationConfig struct {
	Enabled         bool          `yaml:"enabled"`
	NATSUrl         string        `yaml:"nats_url"`
	Subject         string        `yaml:"subject"`
	SlackWebhookURL string        `yaml:"slack_webhook_url"`
	DispatchRetries int           `yaml:"dispatch_retries"`
	DispatchBackoff time.Duration `yaml:"dispatch_backoff"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Dir      string `yaml:"dir"`
	MinLevel string `yaml:"min_level"`
}

// DefaultConfig returns the configuration defaults
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path: DefaultDatabasePath,
		},
		API: APIConfig{
			Bind: DefaultAPIBind,
		},
		Scheduler: SchedulerConfig{
			BatchCadence:     DefaultBatchCadence,
			EmergencyCadence: DefaultEmergencyCadence,
			SessionTimeout:   DefaultSessionTimeout,
			MaxConcurrent:    8,
		},
		Source: SourceConfig{
			Mode:    SourceModePush,
			Subject: "beacon.metrics",
		},
		Evaluation: EvaluationConfig{
			ConfidenceTarget: DefaultConfidenceTarget,
		},
		Automation: AutomationConfig{
			Enabled:         true,
			Subject:         "beacon.automation",
			DispatchRetries: DefaultDispatchRetries,
			DispatchBackoff: DefaultDispatchBackoff,
		},
		Logging: LoggingConfig{
			Dir:      DefaultLogDir,
			MinLevel: "info",
		},
	}
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".beacon", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectConfigPath := filepath.Join(".", ".beacon", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BEACON_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("BEACON_API_BIND"); v != "" {
		cfg.API.Bind = v
	}
	if v := os.Getenv("BEACON_NATS_URL"); v != "" {
		cfg.Automation.NATSUrl = v
	}
	if v := os.Getenv("BEACON_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Automation.SlackWebhookURL = v
	}
	if v := os.Getenv("BEACON_SOURCE_MODE"); v != "" {
		cfg.Source.Mode = v
	}
	if v := os.Getenv("BEACON_SOURCE_NATS_URL"); v != "" {
		cfg.Source.NATSUrl = v
	}
	if v := os.Getenv("BEACON_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("BEACON_LOG_LEVEL"); v != "" {
		cfg.Logging.MinLevel = v
	}
	if v := os.Getenv("BEACON_BATCH_CADENCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.BatchCadence = d
		}
	}
	if v := os.Getenv("BEACON_EMERGENCY_CADENCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.EmergencyCadence = d
		}
	}
	if v := os.Getenv("BEACON_AUTOMATION_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Automation.Enabled = b
		}
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path cannot be empty")
	}
	if c.Scheduler.BatchCadence <= 0 {
		return fmt.Errorf("scheduler.batch_cadence must be positive")
	}
	if c.Scheduler.EmergencyCadence <= 0 {
		return fmt.Errorf("scheduler.emergency_cadence must be positive")
	}
	if c.Scheduler.EmergencyCadence >= c.Scheduler.BatchCadence {
		return fmt.Errorf("scheduler.emergency_cadence must be tighter than batch_cadence")
	}
	if c.Scheduler.SessionTimeout <= 0 {
		return fmt.Errorf("scheduler.session_timeout must be positive")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive")
	}
	if c.Source.Mode != SourceModePush && c.Source.Mode != SourceModeNATS {
		return fmt.Errorf("source.mode must be %s or %s", SourceModePush, SourceModeNATS)
	}
	if c.Evaluation.ConfidenceTarget <= 0 || c.Evaluation.ConfidenceTarget >= 1 {
		return fmt.Errorf("evaluation.confidence_target must be in (0, 1)")
	}
	if c.Automation.DispatchRetries < 0 {
		return fmt.Errorf("automation.dispatch_retries cannot be negative")
	}
	for i, th := range c.Triggers.Thresholds {
		if th.Metric == "" {
			return fmt.Errorf("triggers.thresholds[%d].metric cannot be empty", i)
		}
		if th.Direction != "below" && th.Direction != "above" {
			return fmt.Errorf("triggers.thresholds[%d].direction must be below or above", i)
		}
	}
	return nil
}
