// Package config provides configuration management for Taskmill.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Taskmill.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Triggers  TriggersConfig  `mapstructure:"triggers"`
	Health    HealthConfig    `mapstructure:"health"`
	Retention RetentionConfig `mapstructure:"retention"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database configuration. The default driver is SQLite
// with the database file created under Path; set Driver to "postgres" and URL
// to a DSN to use PostgreSQL instead.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // data directory for the sqlite file
	URL      string `mapstructure:"url"`    // postgres DSN
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// QueueConfig holds task queue and worker pool configuration.
type QueueConfig struct {
	Workers           int `mapstructure:"workers"`           // worker pool slots
	MaxConcurrent     int `mapstructure:"maxConcurrent"`     // dispatch concurrency ceiling
	DefaultTimeoutMs  int `mapstructure:"defaultTimeoutMs"`  // per-task execution timeout
	DefaultMaxRetries int `mapstructure:"defaultMaxRetries"` // max attempts per task
	RetryBaseMs       int `mapstructure:"retryBaseMs"`       // exponential backoff base
	TickMs            int `mapstructure:"tickMs"`            // dispatcher fallback tick
	DrainTimeoutMs    int `mapstructure:"drainTimeoutMs"`    // wait for running tasks on stop
}

// TriggersConfig holds trigger engine configuration.
type TriggersConfig struct {
	SeedFile string `mapstructure:"seedFile"` // optional YAML file with trigger definitions
}

// HealthConfig holds health monitor configuration.
type HealthConfig struct {
	IntervalMs     int `mapstructure:"intervalMs"`     // sampling interval
	StallTimeoutMs int `mapstructure:"stallTimeoutMs"` // running slot older than this counts stalled
}

// RetentionConfig holds the retention sweeper configuration.
type RetentionConfig struct {
	Days            int `mapstructure:"days"`            // keep terminal tasks this long
	SweepIntervalMs int `mapstructure:"sweepIntervalMs"` // how often the sweeper runs
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DefaultTimeout returns the per-task timeout as a time.Duration.
func (q *QueueConfig) DefaultTimeout() time.Duration {
	return time.Duration(q.DefaultTimeoutMs) * time.Millisecond
}

// RetryBase returns the backoff base as a time.Duration.
func (q *QueueConfig) RetryBase() time.Duration {
	return time.Duration(q.RetryBaseMs) * time.Millisecond
}

// Tick returns the dispatcher fallback tick as a time.Duration.
func (q *QueueConfig) Tick() time.Duration {
	return time.Duration(q.TickMs) * time.Millisecond
}

// DrainTimeout returns the stop drain deadline as a time.Duration.
func (q *QueueConfig) DrainTimeout() time.Duration {
	return time.Duration(q.DrainTimeoutMs) * time.Millisecond
}

// Interval returns the health sampling interval as a time.Duration.
func (h *HealthConfig) Interval() time.Duration {
	return time.Duration(h.IntervalMs) * time.Millisecond
}

// StallTimeout returns the stall threshold as a time.Duration.
func (h *HealthConfig) StallTimeout() time.Duration {
	return time.Duration(h.StallTimeoutMs) * time.Millisecond
}

// SweepInterval returns the sweep interval as a time.Duration.
func (r *RetentionConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("TASKMILL_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file under the data directory
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data")
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "taskmill")
	v.SetDefault("nats.maxReconnects", 10)

	// Queue defaults
	v.SetDefault("queue.workers", 50)
	v.SetDefault("queue.maxConcurrent", 50)
	v.SetDefault("queue.defaultTimeoutMs", 30000)
	v.SetDefault("queue.defaultMaxRetries", 3)
	v.SetDefault("queue.retryBaseMs", 1000)
	v.SetDefault("queue.tickMs", 1000)
	v.SetDefault("queue.drainTimeoutMs", 3000)

	// Trigger defaults
	v.SetDefault("triggers.seedFile", "")

	// Health defaults
	v.SetDefault("health.intervalMs", 60000)
	v.SetDefault("health.stallTimeoutMs", 60000)

	// Retention defaults
	v.SetDefault("retention.days", 7)
	v.SetDefault("retention.sweepIntervalMs", 3600000)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKMILL_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/taskmill/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TASKMILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.maxConns", "TASKMILL_DATABASE_MAX_CONNS")
	_ = v.BindEnv("database.minConns", "TASKMILL_DATABASE_MIN_CONNS")
	_ = v.BindEnv("queue.maxConcurrent", "TASKMILL_QUEUE_MAX_CONCURRENT")
	_ = v.BindEnv("queue.defaultTimeoutMs", "TASKMILL_QUEUE_DEFAULT_TIMEOUT_MS")
	_ = v.BindEnv("queue.defaultMaxRetries", "TASKMILL_QUEUE_DEFAULT_MAX_RETRIES")
	_ = v.BindEnv("queue.retryBaseMs", "TASKMILL_QUEUE_RETRY_BASE_MS")
	_ = v.BindEnv("triggers.seedFile", "TASKMILL_TRIGGERS_SEED_FILE")
	_ = v.BindEnv("health.intervalMs", "TASKMILL_HEALTH_INTERVAL_MS")
	_ = v.BindEnv("health.stallTimeoutMs", "TASKMILL_HEALTH_STALL_TIMEOUT_MS")
	_ = v.BindEnv("retention.sweepIntervalMs", "TASKMILL_RETENTION_SWEEP_INTERVAL_MS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/taskmill/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.URL == "" {
			errs = append(errs, "database.url is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Queue.Workers <= 0 {
		errs = append(errs, "queue.workers must be positive")
	}
	if cfg.Queue.MaxConcurrent <= 0 {
		errs = append(errs, "queue.maxConcurrent must be positive")
	}
	if cfg.Queue.DefaultTimeoutMs <= 0 {
		errs = append(errs, "queue.defaultTimeoutMs must be positive")
	}
	if cfg.Queue.DefaultMaxRetries <= 0 {
		errs = append(errs, "queue.defaultMaxRetries must be positive")
	}
	if cfg.Queue.RetryBaseMs <= 0 {
		errs = append(errs, "queue.retryBaseMs must be positive")
	}
	if cfg.Queue.TickMs <= 0 {
		errs = append(errs, "queue.tickMs must be positive")
	}

	if cfg.Health.IntervalMs <= 0 {
		errs = append(errs, "health.intervalMs must be positive")
	}
	if cfg.Health.StallTimeoutMs <= 0 {
		errs = append(errs, "health.stallTimeoutMs must be positive")
	}

	if cfg.Retention.Days <= 0 {
		errs = append(errs, "retention.days must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
