// Package config provides configuration management for swarmd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for swarmd.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	SpawnQueue SpawnQueueConfig `mapstructure:"spawnQueue"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Trigger    TriggerConfig    `mapstructure:"trigger"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	ReadTimeout   int    `mapstructure:"readTimeout"`   // in seconds
	WriteTimeout  int    `mapstructure:"writeTimeout"`  // in seconds
	ShutdownGrace int    `mapstructure:"shutdownGrace"` // in seconds
}

// DatabaseConfig holds the embedded SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SupervisorConfig holds worker supervisor configuration.
type SupervisorConfig struct {
	MaxWorkers         int    `mapstructure:"maxWorkers"`
	MaxSpawnDepth      int    `mapstructure:"maxSpawnDepth"`
	OutputBufferLines  int    `mapstructure:"outputBufferLines"`
	SpawnTimeout       int    `mapstructure:"spawnTimeout"`       // seconds
	SendTimeout        int    `mapstructure:"sendTimeout"`        // seconds
	GracefulDeadline   int    `mapstructure:"gracefulDeadline"`   // seconds before SIGKILL
	HeartbeatInterval  int    `mapstructure:"heartbeatInterval"`  // seconds between health checks
	HeartbeatDeadline  int    `mapstructure:"heartbeatDeadline"`  // seconds without output before unhealthy
	MaxRestartsPerHour int    `mapstructure:"maxRestartsPerHour"` // crash restart budget
	RoutingURL         string `mapstructure:"routingUrl"`         // optional task-routing classifier endpoint
	DefaultCommand     string `mapstructure:"defaultCommand"`     // child program to spawn
}

// SpawnQueueConfig holds spawn queue configuration.
type SpawnQueueConfig struct {
	TickInterval int `mapstructure:"tickInterval"` // seconds
	CleanupAge   int `mapstructure:"cleanupAge"`   // seconds before terminal items are purged
}

// WorkflowConfig holds workflow engine configuration.
type WorkflowConfig struct {
	TickInterval  int    `mapstructure:"tickInterval"`  // seconds
	StuckTimeout  int    `mapstructure:"stuckTimeout"`  // seconds without terminal transitions before deadlock
	DefinitionDir string `mapstructure:"definitionDir"` // optional directory of YAML workflow definitions
}

// TriggerConfig holds trigger dispatcher configuration.
type TriggerConfig struct {
	TickInterval   int `mapstructure:"tickInterval"`   // seconds
	MaxConsecFails int `mapstructure:"maxConsecFails"` // consecutive failures before a trigger is disabled
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	TokenSecret   string `mapstructure:"tokenSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
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

// ShutdownGraceDuration returns the shutdown grace window as a time.Duration.
func (s *ServerConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(s.ShutdownGrace) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SWARMD_ENV"); env == "production" || env == "prod" {
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
	v.SetDefault("server.shutdownGrace", 15)

	// Database defaults
	v.SetDefault("database.path", "swarmd.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "swarmd")
	v.SetDefault("nats.maxReconnects", 10)

	// Supervisor defaults
	v.SetDefault("supervisor.maxWorkers", 32)
	v.SetDefault("supervisor.maxSpawnDepth", 5)
	v.SetDefault("supervisor.outputBufferLines", 4096)
	v.SetDefault("supervisor.spawnTimeout", 30)
	v.SetDefault("supervisor.sendTimeout", 5)
	v.SetDefault("supervisor.gracefulDeadline", 10)
	v.SetDefault("supervisor.heartbeatInterval", 15)
	v.SetDefault("supervisor.heartbeatDeadline", 120)
	v.SetDefault("supervisor.maxRestartsPerHour", 3)
	v.SetDefault("supervisor.routingUrl", "")
	v.SetDefault("supervisor.defaultCommand", "")

	// Spawn queue defaults
	v.SetDefault("spawnQueue.tickInterval", 5)
	v.SetDefault("spawnQueue.cleanupAge", 86400)

	// Workflow defaults
	v.SetDefault("workflow.tickInterval", 2)
	v.SetDefault("workflow.stuckTimeout", 1800)
	v.SetDefault("workflow.definitionDir", "")

	// Trigger defaults
	v.SetDefault("trigger.tickInterval", 5)
	v.SetDefault("trigger.maxConsecFails", 5)

	// Auth defaults
	v.SetDefault("auth.tokenSecret", "")
	v.SetDefault("auth.tokenDuration", 3600)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SWARMD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/swarmd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SWARMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("database.path", "SWARMD_DB_PATH", "SWARMD_DATABASE_PATH")
	_ = v.BindEnv("supervisor.defaultCommand", "SWARMD_SUPERVISOR_DEFAULT_COMMAND")
	_ = v.BindEnv("supervisor.routingUrl", "SWARMD_SUPERVISOR_ROUTING_URL")
	_ = v.BindEnv("workflow.definitionDir", "SWARMD_WORKFLOW_DEFINITION_DIR")
	_ = v.BindEnv("auth.tokenSecret", "SWARMD_AUTH_TOKEN_SECRET")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/swarmd/")

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
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if cfg.Supervisor.MaxWorkers <= 0 {
		errs = append(errs, "supervisor.maxWorkers must be positive")
	}
	if cfg.Supervisor.OutputBufferLines <= 0 {
		errs = append(errs, "supervisor.outputBufferLines must be positive")
	}
	if cfg.Workflow.TickInterval <= 0 {
		errs = append(errs, "workflow.tickInterval must be positive")
	}
	if cfg.Trigger.TickInterval <= 0 {
		errs = append(errs, "trigger.tickInterval must be positive")
	}

	// Auth - generate random secret if not set (dev mode)
	if cfg.Auth.TokenSecret == "" {
		cfg.Auth.TokenSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
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

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// In production, users should set SWARMD_AUTH_TOKEN_SECRET
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
