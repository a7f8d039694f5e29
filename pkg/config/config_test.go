package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Bind != DefaultAPIBind {
		t.Errorf("API.Bind = %v, want %v", cfg.API.Bind, DefaultAPIBind)
	}
	if cfg.Scheduler.BatchCadence != DefaultBatchCadence {
		t.Errorf("BatchCadence = %v, want %v", cfg.Scheduler.BatchCadence, DefaultBatchCadence)
	}
	if cfg.Evaluation.ConfidenceTarget != DefaultConfidenceTarget {
		t.Errorf("ConfidenceTarget = %v, want %v", cfg.Evaluation.ConfidenceTarget, DefaultConfidenceTarget)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  path: /tmp/beacon-test.db
scheduler:
  batch_cadence: 2h
  emergency_cadence: 1m
triggers:
  thresholds:
    - metric: mrr
      threshold: 10000
      direction: below
      tolerance: 500
      action: pause_campaign
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Storage.Path != "/tmp/beacon-test.db" {
		t.Errorf("Storage.Path = %v", cfg.Storage.Path)
	}
	if cfg.Scheduler.BatchCadence != 2*time.Hour {
		t.Errorf("BatchCadence = %v, want 2h", cfg.Scheduler.BatchCadence)
	}
	if len(cfg.Triggers.Thresholds) != 1 {
		t.Fatalf("expected 1 threshold, got %d", len(cfg.Triggers.Thresholds))
	}
	th := cfg.Triggers.Thresholds[0]
	if th.Metric != "mrr" || th.Direction != "below" || th.Action != "pause_campaign" {
		t.Errorf("unexpected threshold: %+v", th)
	}
	// Defaults should survive the merge
	if cfg.API.Bind != DefaultAPIBind {
		t.Errorf("API.Bind = %v, want default", cfg.API.Bind)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty storage path", func(c *Config) { c.Storage.Path = "" }},
		{"zero batch cadence", func(c *Config) { c.Scheduler.BatchCadence = 0 }},
		{"emergency slower than batch", func(c *Config) {
			c.Scheduler.EmergencyCadence = c.Scheduler.BatchCadence + time.Hour
		}},
		{"zero session timeout", func(c *Config) { c.Scheduler.SessionTimeout = 0 }},
		{"confidence out of range", func(c *Config) { c.Evaluation.ConfidenceTarget = 1.5 }},
		{"threshold missing metric", func(c *Config) {
			c.Triggers.Thresholds = []TriggerThreshold{{Direction: "below"}}
		}},
		{"threshold bad direction", func(c *Config) {
			c.Triggers.Thresholds = []TriggerThreshold{{Metric: "cvr", Direction: "sideways"}}
		}},
		{"unknown source mode", func(c *Config) { c.Source.Mode = "webhook" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate should fail")
			}
		})
	}
}

func TestSourceConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Source.Mode != SourceModePush {
		t.Errorf("Source.Mode = %v, want push default", cfg.Source.Mode)
	}
	if cfg.Source.Subject != "beacon.metrics" {
		t.Errorf("Source.Subject = %v", cfg.Source.Subject)
	}

	cfg.Source.Mode = SourceModeNATS
	cfg.Source.NATSUrl = "nats://localhost:4222"
	if err := cfg.Validate(); err != nil {
		t.Errorf("nats source mode should validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BEACON_DB_PATH", "/tmp/env.db")
	t.Setenv("BEACON_BATCH_CADENCE", "6h")
	t.Setenv("BEACON_AUTOMATION_ENABLED", "false")
	t.Setenv("BEACON_SOURCE_MODE", "nats")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Storage.Path != "/tmp/env.db" {
		t.Errorf("Storage.Path = %v, want /tmp/env.db", cfg.Storage.Path)
	}
	if cfg.Scheduler.BatchCadence != 6*time.Hour {
		t.Errorf("BatchCadence = %v, want 6h", cfg.Scheduler.BatchCadence)
	}
	if cfg.Automation.Enabled {
		t.Error("Automation.Enabled should be false")
	}
	if cfg.Source.Mode != SourceModeNATS {
		t.Errorf("Source.Mode = %v, want nats", cfg.Source.Mode)
	}
}
