package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Database   DatabaseConfig   `yaml:"database" envconfig:"DATABASE"`
	Redis      RedisConfig      `yaml:"redis" envconfig:"REDIS"`
	Transport  TransportConfig  `yaml:"transport" envconfig:"TRANSPORT"`
	Stream     StreamConfig     `yaml:"stream" envconfig:"STREAM"`
	Durability DurabilityConfig `yaml:"durability" envconfig:"DURABILITY"`
	Terminals  TerminalsConfig  `yaml:"terminals" envconfig:"TERMINALS"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	GlobalRPS       float64       `yaml:"global_rps" envconfig:"GLOBAL_RPS" default:"200"`
	GlobalBurst     int           `yaml:"global_burst" envconfig:"GLOBAL_BURST" default:"100"`
}

// DatabaseConfig contains PostgreSQL connection configuration.
type DatabaseConfig struct {
	URL      string `yaml:"url" envconfig:"URL" default:"postgres://localhost:5432/licenserelay?sslmode=disable"`
	Schema   string `yaml:"schema" envconfig:"SCHEMA" default:"public"`
	MaxConns int32  `yaml:"max_conns" envconfig:"MAX_CONNS" default:"10"`
	MinConns int32  `yaml:"min_conns" envconfig:"MIN_CONNS" default:"2"`
}

// RedisConfig contains Redis connection configuration. Redis backs the
// distributed transport backend and the distributed rate-limit store.
type RedisConfig struct {
	Addr string `yaml:"addr" envconfig:"ADDR" default:"localhost:6379"`
}

// TransportConfig selects the pub/sub backend at startup.
type TransportConfig struct {
	// Backend is "memory" for a single-instance deployment or "redis"
	// for multi-instance fan-out. The memory backend is not durable
	// across process restarts.
	Backend string `yaml:"backend" envconfig:"BACKEND" default:"memory"`
}

// StreamConfig contains push-stream connection configuration.
type StreamConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE" default:"1024"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE" default:"1024"`
	PingInterval    time.Duration `yaml:"ping_interval" envconfig:"PING_INTERVAL" default:"30s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"5m"`
	SendBuffer      int           `yaml:"send_buffer" envconfig:"SEND_BUFFER" default:"256"`
	ReplayPageSize  int           `yaml:"replay_page_size" envconfig:"REPLAY_PAGE_SIZE" default:"100"`
}

// DurabilityConfig contains retry and dead-letter policy values.
type DurabilityConfig struct {
	MaxAttempts         int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS" default:"5"`
	BackoffBase         time.Duration `yaml:"backoff_base" envconfig:"BACKOFF_BASE" default:"30s"`
	RetryWindow         time.Duration `yaml:"retry_window" envconfig:"RETRY_WINDOW" default:"24h"`
	DeadLetterRetention time.Duration `yaml:"dead_letter_retention" envconfig:"DEAD_LETTER_RETENTION" default:"720h"`
}

// TerminalsConfig contains terminal session lifecycle configuration.
type TerminalsConfig struct {
	StaleThreshold time.Duration `yaml:"stale_threshold" envconfig:"STALE_THRESHOLD" default:"5m"`
}

// RateLimitConfig contains per-operation sliding-window limits. Each
// license operation is limited independently with its own window.
type RateLimitConfig struct {
	Store      string      `yaml:"store" envconfig:"STORE" default:"memory"`
	Activation WindowLimit `yaml:"activation" envconfig:"ACTIVATION"`
	Validation WindowLimit `yaml:"validation" envconfig:"VALIDATION"`
	Heartbeat  WindowLimit `yaml:"heartbeat" envconfig:"HEARTBEAT"`
}

// WindowLimit is one sliding-window policy: at most Limit requests per Window.
type WindowLimit struct {
	Limit  int           `yaml:"limit" envconfig:"LIMIT" default:"30"`
	Window time.Duration `yaml:"window" envconfig:"WINDOW" default:"1m"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
}

// Load loads configuration from environment variables and an optional
// YAML file. Environment variables take precedence.
func Load() (*Config, error) {
	var cfg Config

	if path := configFilePath(); path != "" {
		fileCfg, err := loadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = *fileCfg
	}

	if err := envconfig.Process("LR", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate validates the configuration.
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url must be set")
	}
	if c.Transport.Backend != "memory" && c.Transport.Backend != "redis" {
		return fmt.Errorf("invalid transport backend: %q", c.Transport.Backend)
	}
	if c.RateLimit.Store != "memory" && c.RateLimit.Store != "redis" {
		return fmt.Errorf("invalid rate limit store: %q", c.RateLimit.Store)
	}
	if c.Durability.MaxAttempts < 1 {
		return fmt.Errorf("durability max attempts must be at least 1")
	}
	if c.Stream.PingInterval <= 0 || c.Stream.IdleTimeout <= c.Stream.PingInterval {
		return fmt.Errorf("stream idle timeout must exceed the ping interval")
	}
	if c.Stream.ReplayPageSize < 1 {
		return fmt.Errorf("replay page size must be at least 1")
	}
	if c.Terminals.StaleThreshold <= 0 {
		return fmt.Errorf("terminal stale threshold must be positive")
	}
	return nil
}

// configFilePath returns the path to the config file, if one exists.
func configFilePath() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns the default configuration used by tests and by
// single-binary deployments with no environment set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"http://localhost:8080"},
			GlobalRPS:       200,
			GlobalBurst:     100,
		},
		Database: DatabaseConfig{
			URL:      "postgres://localhost:5432/licenserelay?sslmode=disable",
			Schema:   "public",
			MaxConns: 10,
			MinConns: 2,
		},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Transport: TransportConfig{Backend: "memory"},
		Stream: StreamConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    30 * time.Second,
			IdleTimeout:     5 * time.Minute,
			SendBuffer:      256,
			ReplayPageSize:  100,
		},
		Durability: DurabilityConfig{
			MaxAttempts:         5,
			BackoffBase:         30 * time.Second,
			RetryWindow:         24 * time.Hour,
			DeadLetterRetention: 30 * 24 * time.Hour,
		},
		Terminals: TerminalsConfig{StaleThreshold: 5 * time.Minute},
		RateLimit: RateLimitConfig{
			Store:      "memory",
			Activation: WindowLimit{Limit: 10, Window: time.Minute},
			Validation: WindowLimit{Limit: 60, Window: time.Minute},
			Heartbeat:  WindowLimit{Limit: 12, Window: time.Minute},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "logs/app.log",
		},
	}
}
