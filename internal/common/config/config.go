// Package config provides configuration management for cmux.
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

// Config holds all configuration sections for cmux.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	NATS    NATSConfig    `mapstructure:"nats"`
	State   StateConfig   `mapstructure:"state"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds

	// AuthToken protects the IPC and WebSocket endpoints. Empty disables auth
	// (local development).
	AuthToken string `mapstructure:"authToken"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StateConfig holds the on-disk state locations.
type StateConfig struct {
	// ConfigHome is the directory holding projects.json and secrets.json.
	ConfigHome string `mapstructure:"configHome"`

	// SessionDir is the per-workspace session state root
	// (<sessionDir>/<workspaceId>/chat.jsonl, partial.json).
	SessionDir string `mapstructure:"sessionDir"`
}

// RuntimeConfig holds command execution defaults.
type RuntimeConfig struct {
	ExecTimeout     int `mapstructure:"execTimeout"`     // default exec timeout in seconds
	InitHookTimeout int `mapstructure:"initHookTimeout"` // init hook timeout in seconds
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

// ExecTimeoutDuration returns the default exec timeout as a time.Duration.
func (r *RuntimeConfig) ExecTimeoutDuration() time.Duration {
	return time.Duration(r.ExecTimeout) * time.Second
}

// InitHookTimeoutDuration returns the init hook timeout as a time.Duration.
func (r *RuntimeConfig) InitHookTimeoutDuration() time.Duration {
	return time.Duration(r.InitHookTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("CMUX_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

func defaultStateHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cmux"
	}
	return filepath.Join(home, ".cmux")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	stateHome := defaultStateHome()

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9776)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.authToken", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "cmux-server")
	v.SetDefault("nats.maxReconnects", 10)

	// State defaults
	v.SetDefault("state.configHome", stateHome)
	v.SetDefault("state.sessionDir", filepath.Join(stateHome, "sessions"))

	// Runtime defaults
	v.SetDefault("runtime.execTimeout", 120)
	v.SetDefault("runtime.initHookTimeout", 3600)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CMUX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or ~/.cmux/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.authToken", "CMUX_SERVER_AUTH_TOKEN")
	_ = v.BindEnv("state.configHome", "CMUX_STATE_CONFIG_HOME")
	_ = v.BindEnv("state.sessionDir", "CMUX_STATE_SESSION_DIR")
	_ = v.BindEnv("runtime.execTimeout", "CMUX_RUNTIME_EXEC_TIMEOUT")
	_ = v.BindEnv("runtime.initHookTimeout", "CMUX_RUNTIME_INIT_HOOK_TIMEOUT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultStateHome())

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// State validation
	if cfg.State.ConfigHome == "" {
		errs = append(errs, "state.configHome is required")
	}
	if cfg.State.SessionDir == "" {
		errs = append(errs, "state.sessionDir is required")
	}

	// Runtime validation
	if cfg.Runtime.ExecTimeout <= 0 {
		errs = append(errs, "runtime.execTimeout must be positive")
	}
	if cfg.Runtime.InitHookTimeout <= 0 {
		errs = append(errs, "runtime.initHookTimeout must be positive")
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
