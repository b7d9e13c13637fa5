// Package config provides configuration management for the Reeve pulse services.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the pulse services.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP ingress configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Token        string `mapstructure:"token"`        // bearer token, required to serve
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds pulse store configuration. URL takes precedence over
// Path; a postgres:// URL selects the PostgreSQL backend, anything else is
// treated as a SQLite file path.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Path     string `mapstructure:"path"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DaemonConfig holds scheduling loop configuration.
type DaemonConfig struct {
	MaxConcurrent int `mapstructure:"maxConcurrent"` // in-flight execution cap
	BatchSize     int `mapstructure:"batchSize"`     // pulses claimed per tick
	TickSeconds   int `mapstructure:"tickSeconds"`
	GraceSeconds  int `mapstructure:"graceSeconds"` // shutdown drain window
}

// RunnerConfig holds the external session runner configuration.
type RunnerConfig struct {
	Command        string `mapstructure:"command"`  // runner executable
	DeskPath       string `mapstructure:"deskPath"` // working directory for the runner
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// ChatConfig holds the chat-poll ingress configuration.
type ChatConfig struct {
	Token          string `mapstructure:"token"`          // chat provider bot token
	AuthorizedPeer int64  `mapstructure:"authorizedPeer"` // only this peer's messages become pulses
	APIURL         string `mapstructure:"apiUrl"`         // pulse HTTP ingress base URL
	APIToken       string `mapstructure:"apiToken"`       // bearer token for the ingress
	OffsetPath     string `mapstructure:"offsetPath"`     // last-consumed update offset file
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

// Timeout returns the runner timeout as a time.Duration.
func (r *RunnerConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// TickInterval returns the scheduling loop period as a time.Duration.
func (d *DaemonConfig) TickInterval() time.Duration {
	return time.Duration(d.TickSeconds) * time.Second
}

// GracePeriod returns the shutdown drain window as a time.Duration.
func (d *DaemonConfig) GracePeriod() time.Duration {
	return time.Duration(d.GraceSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("REEVE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults: loopback only unless configured otherwise
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.token", "")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.url", "")
	v.SetDefault("database.path", defaultStatePath("pulse_queue.db"))
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Daemon defaults: single in-flight execution for the single-user profile
	v.SetDefault("daemon.maxConcurrent", 1)
	v.SetDefault("daemon.batchSize", 10)
	v.SetDefault("daemon.tickSeconds", 1)
	v.SetDefault("daemon.graceSeconds", 30)

	// Runner defaults
	v.SetDefault("runner.command", "hapi")
	v.SetDefault("runner.deskPath", "")
	v.SetDefault("runner.timeoutSeconds", 3600)

	// Chat-poll defaults
	v.SetDefault("chat.token", "")
	v.SetDefault("chat.authorizedPeer", 0)
	v.SetDefault("chat.apiUrl", "http://127.0.0.1:8765")
	v.SetDefault("chat.apiToken", "")
	v.SetDefault("chat.offsetPath", defaultStatePath("chat_offset"))

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// defaultStatePath places state files under ~/.reeve.
func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".reeve", name)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix REEVE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/reeve/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("REEVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the flat env names the deployment scripts use.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so keys
	// whose env var naming differs from the config key naming are bound here.
	_ = v.BindEnv("database.url", "PULSE_DB_URL")
	_ = v.BindEnv("database.path", "PULSE_DB_PATH")
	_ = v.BindEnv("server.host", "PULSE_API_HOST")
	_ = v.BindEnv("server.port", "PULSE_API_PORT")
	_ = v.BindEnv("server.token", "PULSE_API_TOKEN")
	_ = v.BindEnv("daemon.maxConcurrent", "PULSE_MAX_CONCURRENT")
	_ = v.BindEnv("runner.command", "HAPI_COMMAND")
	_ = v.BindEnv("runner.deskPath", "REEVE_DESK_PATH")
	_ = v.BindEnv("runner.timeoutSeconds", "PULSE_RUNNER_TIMEOUT")
	_ = v.BindEnv("chat.token", "CHAT_API_TOKEN")
	_ = v.BindEnv("chat.authorizedPeer", "CHAT_AUTHORIZED_PEER")
	_ = v.BindEnv("chat.apiUrl", "PULSE_API_URL")
	_ = v.BindEnv("chat.apiToken", "PULSE_API_TOKEN")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.outputPath", "LOG_FILE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/reeve/")

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
// Component-specific requirements (API token, chat credentials) are checked
// by the component that needs them so unrelated binaries can still start.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.URL == "" && cfg.Database.Path == "" {
		errs = append(errs, "database.url or database.path is required")
	}

	if cfg.Daemon.MaxConcurrent < 1 {
		errs = append(errs, "daemon.maxConcurrent must be at least 1")
	}
	if cfg.Daemon.BatchSize < 1 {
		errs = append(errs, "daemon.batchSize must be at least 1")
	}
	if cfg.Daemon.TickSeconds < 1 {
		errs = append(errs, "daemon.tickSeconds must be at least 1")
	}

	if cfg.Runner.TimeoutSeconds <= 0 {
		errs = append(errs, "runner.timeoutSeconds must be positive")
	}

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

// IsPostgres reports whether the database configuration selects PostgreSQL.
func (d *DatabaseConfig) IsPostgres() bool {
	return strings.HasPrefix(d.URL, "postgres://") || strings.HasPrefix(d.URL, "postgresql://")
}

// SQLitePath returns the SQLite file path, preferring URL when it is not a
// postgres DSN (sync and async deployment forms point at the same file).
func (d *DatabaseConfig) SQLitePath() string {
	if d.URL != "" && !d.IsPostgres() {
		return strings.TrimPrefix(d.URL, "sqlite://")
	}
	return d.Path
}
