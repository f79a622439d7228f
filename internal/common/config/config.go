// Package config provides configuration management for tallyd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for tallyd.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Stats    StatsConfig    `mapstructure:"stats"`
	Rates    RatesConfig    `mapstructure:"rates"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// When PostgresDSN is empty the service runs on SQLite at Path.
type DatabaseConfig struct {
	Path        string `mapstructure:"path"`        // SQLite database file
	PostgresDSN string `mapstructure:"postgresDsn"` // non-empty switches to PostgreSQL
	MaxConns    int    `mapstructure:"maxConns"`
	MinConns    int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// StatsConfig holds ingestion and aggregation tuning.
type StatsConfig struct {
	// UploadChunkSize bounds the number of rows written per statement.
	UploadChunkSize int `mapstructure:"uploadChunkSize"`
	// MaxBatchSize rejects upload batches larger than this many messages.
	MaxBatchSize int `mapstructure:"maxBatchSize"`
	// DefaultTimezone is used when a user has no stored timezone and the
	// request carries no override.
	DefaultTimezone string `mapstructure:"defaultTimezone"`
}

// RatesConfig holds exchange-rate cache configuration.
type RatesConfig struct {
	ECBUrl     string `mapstructure:"ecbUrl"`
	TTLMinutes int    `mapstructure:"ttlMinutes"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TTL returns the rates cache expiry as a time.Duration.
func (r *RatesConfig) TTL() time.Duration {
	return time.Duration(r.TTLMinutes) * time.Minute
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TALLYD_ENV"); env == "production" || env == "prod" {
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

	// Database defaults
	v.SetDefault("database.path", "./tallyd.db")
	v.SetDefault("database.postgresDsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "tallyd")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Stats defaults
	v.SetDefault("stats.uploadChunkSize", 500)
	v.SetDefault("stats.maxBatchSize", 10000)
	v.SetDefault("stats.defaultTimezone", "UTC")

	// Rates defaults
	v.SetDefault("rates.ecbUrl", "https://www.ecb.europa.eu/stats/eurofxref/eurofxref-daily.xml")
	v.SetDefault("rates.ttlMinutes", 360)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TALLYD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/tallyd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TALLYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("database.postgresDsn", "TALLYD_DATABASE_POSTGRES_DSN")
	_ = v.BindEnv("stats.uploadChunkSize", "TALLYD_STATS_UPLOAD_CHUNK_SIZE")
	_ = v.BindEnv("stats.maxBatchSize", "TALLYD_STATS_MAX_BATCH_SIZE")
	_ = v.BindEnv("stats.defaultTimezone", "TALLYD_STATS_DEFAULT_TIMEZONE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tallyd/")

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

	if cfg.Database.PostgresDSN == "" && cfg.Database.Path == "" {
		errs = append(errs, "database.path is required when database.postgresDsn is not set")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Stats.UploadChunkSize <= 0 {
		errs = append(errs, "stats.uploadChunkSize must be positive")
	}
	if cfg.Stats.MaxBatchSize <= 0 {
		errs = append(errs, "stats.maxBatchSize must be positive")
	}
	if cfg.Rates.TTLMinutes <= 0 {
		errs = append(errs, "rates.ttlMinutes must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
