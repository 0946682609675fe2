// Package config provides configuration management for the Coordinator.
// It supports loading configuration from environment variables, config
// files, and defaults, following the same layered-Viper pattern used
// throughout the rest of this codebase.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Coordinator.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Reaper  ReaperConfig  `mapstructure:"reaper"`
	DB      DBConfig      `mapstructure:"database"`
	CORS    CORSConfig    `mapstructure:"cors"`
	Auth    AuthConfig    `mapstructure:"auth"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// QueueConfig holds Run Queue matching/timeout parameters (spec §6.5).
type QueueConfig struct {
	LongPollSeconds  int `mapstructure:"longPollSeconds"`
	NoMatchTimeout   int `mapstructure:"noMatchTimeout"`
}

func (q *QueueConfig) LongPollDuration() time.Duration {
	return time.Duration(q.LongPollSeconds) * time.Second
}

func (q *QueueConfig) NoMatchTimeoutDuration() time.Duration {
	return time.Duration(q.NoMatchTimeout) * time.Second
}

// WorkerConfig holds Worker Registry lifecycle parameters.
type WorkerConfig struct {
	HeartbeatTimeout int `mapstructure:"heartbeatTimeout"`
	StaleAfter       int `mapstructure:"staleAfter"`
	RemoveAfter      int `mapstructure:"removeAfter"`
}

func (w *WorkerConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(w.HeartbeatTimeout) * time.Second
}

func (w *WorkerConfig) StaleAfterDuration() time.Duration {
	return time.Duration(w.StaleAfter) * time.Second
}

func (w *WorkerConfig) RemoveAfterDuration() time.Duration {
	return time.Duration(w.RemoveAfter) * time.Second
}

// ReaperConfig holds Lifecycle Reaper tick parameters.
type ReaperConfig struct {
	IntervalSeconds int `mapstructure:"intervalSeconds"`
}

func (r *ReaperConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// DBConfig holds Session Store connection configuration.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// CORSConfig holds allowed-origins configuration for the HTTP surface.
type CORSConfig struct {
	Origins []string `mapstructure:"origins"`
}

// AuthConfig holds optional bearer-token authentication configuration.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

// NATSConfig holds NATS event-bus configuration. An empty URL means the
// Coordinator runs with the in-process Realtime Hub only, skipping the
// NATS fan-out.
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 60)
	v.SetDefault("server.writeTimeout", 60)

	v.SetDefault("queue.longPollSeconds", 30)
	v.SetDefault("queue.noMatchTimeout", 300)

	v.SetDefault("worker.heartbeatTimeout", 120)
	v.SetDefault("worker.staleAfter", 120)
	v.SetDefault("worker.removeAfter", 600)

	v.SetDefault("reaper.intervalSeconds", 10)

	v.SetDefault("database.path", "./coordinator.db")

	v.SetDefault("cors.origins", []string{"*"})

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "coordinator")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, an optional config
// file, and defaults. Environment variables use the prefix COORD_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified directory (or
// default locations) in addition to environment variables and defaults.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the spec's flat uppercase env var names,
	// which don't follow the nested mapstructure naming above.
	_ = v.BindEnv("queue.longPollSeconds", "LONG_POLL_SECONDS")
	_ = v.BindEnv("queue.noMatchTimeout", "NO_MATCH_TIMEOUT")
	_ = v.BindEnv("worker.heartbeatTimeout", "HEARTBEAT_TIMEOUT")
	_ = v.BindEnv("worker.staleAfter", "WORKER_STALE_AFTER")
	_ = v.BindEnv("worker.removeAfter", "WORKER_REMOVE_AFTER")
	_ = v.BindEnv("reaper.intervalSeconds", "REAPER_INTERVAL")
	_ = v.BindEnv("database.path", "DB_PATH")
	_ = v.BindEnv("cors.origins", "CORS_ORIGINS")
	_ = v.BindEnv("auth.enabled", "AUTH_ENABLED")
	_ = v.BindEnv("auth.token", "AUTH_TOKEN")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("nats.clientId", "NATS_CLIENT_ID")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/coordinator/")

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Queue.LongPollSeconds <= 0 {
		errs = append(errs, "queue.longPollSeconds must be positive")
	}
	if cfg.Queue.NoMatchTimeout <= 0 {
		errs = append(errs, "queue.noMatchTimeout must be positive")
	}
	if cfg.Worker.StaleAfter <= 0 || cfg.Worker.RemoveAfter <= cfg.Worker.StaleAfter {
		errs = append(errs, "worker.removeAfter must be greater than worker.staleAfter")
	}
	if cfg.Reaper.IntervalSeconds <= 0 {
		errs = append(errs, "reaper.intervalSeconds must be positive")
	}
	if cfg.DB.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if cfg.Auth.Enabled && cfg.Auth.Token == "" {
		errs = append(errs, "auth.token is required when auth.enabled is true")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
