package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Server      ServerConfig      `mapstructure:"server"`
	Scoring     ScoringConfig     `mapstructure:"scoring"`
	Learning    LearningConfig    `mapstructure:"learning"`
	Scheduling  SchedulingConfig  `mapstructure:"scheduling"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracker     TrackerConfig     `mapstructure:"tracker"`
	Priors      PriorsConfig      `mapstructure:"priors"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite
	DSN    string `mapstructure:"dsn"`    // Connection string
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ScoringConfig holds slot scoring settings
type ScoringConfig struct {
	// SlotGranularity is the spacing between generated candidate slots.
	SlotGranularity time.Duration `mapstructure:"slot_granularity"`
	// Workers bounds how many goroutines score a candidate window.
	Workers int `mapstructure:"workers"`
	// DefaultWindowDays sizes the recommendation window when the caller
	// does not give one.
	DefaultWindowDays int `mapstructure:"default_window_days"`
	// DefaultLimit caps how many ranked slots a recommendation returns.
	DefaultLimit int `mapstructure:"default_limit"`
}

// LearningConfig holds online learning settings
type LearningConfig struct {
	// LearningRate is the EMA factor folding a new outcome into the
	// per-slot estimate. Must stay in (0, 1].
	LearningRate float64 `mapstructure:"learning_rate"`
	// MinSampleSize is how many outcomes a slot needs before its learned
	// adjustment counts; below it the adjustment is exactly zero.
	MinSampleSize int `mapstructure:"min_sample_size"`
	// MetricBaseline and MetricCeiling span the expected engagement range.
	// An observation at the baseline normalizes to 0, at the ceiling to 1.
	MetricBaseline float64 `mapstructure:"metric_baseline"`
	MetricCeiling  float64 `mapstructure:"metric_ceiling"`
	// NeutralPoint is the normalized level that means "as expected"; the
	// learned adjustment is the EMA of (normalized - neutral).
	NeutralPoint float64 `mapstructure:"neutral_point"`
	// HourBucketHours groups slot hours for aggregation. Must divide 24.
	HourBucketHours int `mapstructure:"hour_bucket_hours"`
	// MaxAdjustment clips the learned adjustment magnitude.
	MaxAdjustment float64 `mapstructure:"max_adjustment"`
}

// SchedulingConfig holds orchestrator settings
type SchedulingConfig struct {
	// DefaultMinGap spaces same-platform posts when neither the prior nor
	// the user preference says otherwise.
	DefaultMinGap time.Duration `mapstructure:"default_min_gap"`
	// FrequencyWindow is the rolling window posting caps count over.
	FrequencyWindow time.Duration `mapstructure:"frequency_window"`
	// PersistenceTimeout bounds repository reads during scheduling; runs
	// that hit it degrade to prior-only scoring instead of failing.
	PersistenceTimeout time.Duration `mapstructure:"persistence_timeout"`
	// ProposalTTL is how long an unconfirmed proposal outlives its slot
	// before maintenance cancels it.
	ProposalTTL time.Duration `mapstructure:"proposal_ttl"`
	// RetryWindow is how far ahead a retried assignment may be rescheduled.
	RetryWindow time.Duration `mapstructure:"retry_window"`
}

// MaintenanceConfig holds background job schedules (cron expressions)
type MaintenanceConfig struct {
	RebuildCron string `mapstructure:"rebuild_cron"` // learner rebuild from event log
	ExpiryCron  string `mapstructure:"expiry_cron"`  // stale proposal cleanup
	MirrorCron  string `mapstructure:"mirror_cron"`  // sheets calendar mirror
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	APIRequestsPerSecond  float64 `mapstructure:"api_requests_per_second"`
	APIBurst              int     `mapstructure:"api_burst"`
	SheetsWritesPerMinute int     `mapstructure:"sheets_writes_per_minute"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout or file path
}

// TrackerConfig holds Google Sheets calendar mirror settings
type TrackerConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	SpreadsheetID      string `mapstructure:"spreadsheet_id"`
	SheetName          string `mapstructure:"sheet_name"`
	CredentialsFile    string `mapstructure:"credentials_file"`
	ServiceAccountJSON string `mapstructure:"service_account_json"`
}

// PriorsConfig holds timing prior catalog settings
type PriorsConfig struct {
	// CatalogFile points at a YAML catalog imported on first run when the
	// prior table is empty. Empty means use the builtin catalog.
	CatalogFile string `mapstructure:"catalog_file"`
	// AutoSeed imports the catalog automatically when storage is empty.
	AutoSeed bool `mapstructure:"auto_seed"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if present (ignore errors if not found)
	_ = godotenv.Load()
	_ = godotenv.Load(".env.local")

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in current directory and configs folder
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		// Also check user's home directory
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".timing-engine"))
		}
	}

	// Environment variables
	v.SetEnvPrefix("TIMING")
	v.AutomaticEnv()

	// Explicit bindings for nested keys (Viper doesn't auto-bind underscored nested keys)
	v.BindEnv("database.driver", "TIMING_DATABASE_DRIVER")
	v.BindEnv("database.dsn", "TIMING_DATABASE_DSN")
	v.BindEnv("server.addr", "TIMING_SERVER_ADDR")
	v.BindEnv("learning.learning_rate", "TIMING_LEARNING_LEARNING_RATE")
	v.BindEnv("learning.min_sample_size", "TIMING_LEARNING_MIN_SAMPLE_SIZE")
	v.BindEnv("scheduling.persistence_timeout", "TIMING_SCHEDULING_PERSISTENCE_TIMEOUT")
	v.BindEnv("tracker.enabled", "TIMING_TRACKER_ENABLED")
	v.BindEnv("tracker.spreadsheet_id", "TIMING_TRACKER_SPREADSHEET_ID")
	v.BindEnv("tracker.credentials_file", "TIMING_TRACKER_CREDENTIALS_FILE")
	v.BindEnv("tracker.service_account_json", "TIMING_TRACKER_SERVICE_ACCOUNT_JSON")
	v.BindEnv("priors.catalog_file", "TIMING_PRIORS_CATALOG_FILE")
	v.BindEnv("logging.level", "TIMING_LOGGING_LEVEL")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/timing.db")

	// Server defaults
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.request_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Scoring defaults
	v.SetDefault("scoring.slot_granularity", "1h")
	v.SetDefault("scoring.workers", 4)
	v.SetDefault("scoring.default_window_days", 7)
	v.SetDefault("scoring.default_limit", 10)

	// Learning defaults
	v.SetDefault("learning.learning_rate", 0.15)
	v.SetDefault("learning.min_sample_size", 5)
	v.SetDefault("learning.metric_baseline", 0.0)
	v.SetDefault("learning.metric_ceiling", 0.1) // 10% engagement rate saturates
	v.SetDefault("learning.neutral_point", 0.5)
	v.SetDefault("learning.hour_bucket_hours", 2)
	v.SetDefault("learning.max_adjustment", 0.25)

	// Scheduling defaults
	v.SetDefault("scheduling.default_min_gap", "4h")
	v.SetDefault("scheduling.frequency_window", "168h") // rolling week
	v.SetDefault("scheduling.persistence_timeout", "2s")
	v.SetDefault("scheduling.proposal_ttl", "72h")
	v.SetDefault("scheduling.retry_window", "168h")

	// Maintenance defaults
	v.SetDefault("maintenance.rebuild_cron", "0 3 * * *")    // 3am daily - refold event log
	v.SetDefault("maintenance.expiry_cron", "*/30 * * * *")  // every 30 min - expire stale proposals
	v.SetDefault("maintenance.mirror_cron", "*/15 * * * *")  // every 15 min - sheets mirror

	// Rate limit defaults
	v.SetDefault("rate_limit.api_requests_per_second", 50.0)
	v.SetDefault("rate_limit.api_burst", 100)
	v.SetDefault("rate_limit.sheets_writes_per_minute", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")

	// Tracker defaults
	v.SetDefault("tracker.enabled", false)
	v.SetDefault("tracker.sheet_name", "Calendar")

	// Priors defaults
	v.SetDefault("priors.auto_seed", true)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Scoring.SlotGranularity <= 0 {
		return fmt.Errorf("scoring.slot_granularity must be positive")
	}
	if c.Scoring.Workers <= 0 {
		return fmt.Errorf("scoring.workers must be positive")
	}
	if c.Learning.LearningRate <= 0 || c.Learning.LearningRate > 1 {
		return fmt.Errorf("learning.learning_rate must be in (0, 1], got %g", c.Learning.LearningRate)
	}
	if c.Learning.MinSampleSize < 1 {
		return fmt.Errorf("learning.min_sample_size must be >= 1, got %d", c.Learning.MinSampleSize)
	}
	if c.Learning.MetricCeiling <= c.Learning.MetricBaseline {
		return fmt.Errorf("learning.metric_ceiling must exceed metric_baseline")
	}
	if c.Learning.NeutralPoint < 0 || c.Learning.NeutralPoint > 1 {
		return fmt.Errorf("learning.neutral_point must be in [0, 1], got %g", c.Learning.NeutralPoint)
	}
	if b := c.Learning.HourBucketHours; b <= 0 || 24%b != 0 {
		return fmt.Errorf("learning.hour_bucket_hours must divide 24, got %d", b)
	}
	if c.Scheduling.DefaultMinGap < 0 {
		return fmt.Errorf("scheduling.default_min_gap must be >= 0")
	}
	if c.Scheduling.FrequencyWindow <= 0 {
		return fmt.Errorf("scheduling.frequency_window must be positive")
	}
	if c.Scheduling.PersistenceTimeout <= 0 {
		return fmt.Errorf("scheduling.persistence_timeout must be positive")
	}
	if c.Scheduling.RetryWindow <= 0 {
		return fmt.Errorf("scheduling.retry_window must be positive")
	}
	if c.Tracker.Enabled {
		if c.Tracker.SpreadsheetID == "" {
			return fmt.Errorf("tracker.spreadsheet_id is required when tracker is enabled")
		}
		if c.Tracker.CredentialsFile == "" && c.Tracker.ServiceAccountJSON == "" {
			return fmt.Errorf("tracker needs credentials_file or service_account_json")
		}
	}
	return nil
}
