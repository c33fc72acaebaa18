package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("explicit missing config file should error")
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load with defaults: %v", err)
	}
	if cfg.Scoring.SlotGranularity != time.Hour {
		t.Errorf("slot granularity = %s, want 1h", cfg.Scoring.SlotGranularity)
	}
	if cfg.Learning.LearningRate != 0.15 {
		t.Errorf("learning rate = %g, want 0.15", cfg.Learning.LearningRate)
	}
	if cfg.Scheduling.FrequencyWindow != 168*time.Hour {
		t.Errorf("frequency window = %s, want 168h", cfg.Scheduling.FrequencyWindow)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	yaml := `
database:
  dsn: /tmp/custom.db
learning:
  learning_rate: 0.3
  min_sample_size: 8
scheduling:
  persistence_timeout: 5s
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	t.Setenv("TIMING_DATABASE_DSN", "/tmp/env-wins.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "/tmp/env-wins.db" {
		t.Errorf("dsn = %q, env should override file", cfg.Database.DSN)
	}
	if cfg.Learning.LearningRate != 0.3 || cfg.Learning.MinSampleSize != 8 {
		t.Errorf("learning config not picked up: %+v", cfg.Learning)
	}
	if cfg.Scheduling.PersistenceTimeout != 5*time.Second {
		t.Errorf("persistence timeout = %s, want 5s", cfg.Scheduling.PersistenceTimeout)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.Addr != ":8080" {
		t.Errorf("server addr = %q, want default", cfg.Server.Addr)
	}
}

func TestValidateRejectsBadKnobs(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("load defaults: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"zero granularity", func(c *Config) { c.Scoring.SlotGranularity = 0 }},
		{"learning rate above one", func(c *Config) { c.Learning.LearningRate = 1.5 }},
		{"zero min samples", func(c *Config) { c.Learning.MinSampleSize = 0 }},
		{"ceiling below baseline", func(c *Config) { c.Learning.MetricBaseline = 1; c.Learning.MetricCeiling = 0.5 }},
		{"bucket not dividing 24", func(c *Config) { c.Learning.HourBucketHours = 5 }},
		{"negative min gap", func(c *Config) { c.Scheduling.DefaultMinGap = -time.Hour }},
		{"tracker without spreadsheet", func(c *Config) { c.Tracker.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
