// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is everything cmd/worldsim reads from the environment.
type Config struct {
	DBPath   string `env:"WORLDSIM_DB_PATH" envDefault:"data/karma-world.db"`
	APIPort  int    `env:"WORLDSIM_API_PORT" envDefault:"8080"`
	AdminKey string `env:"WORLDSIM_ADMIN_KEY"`

	AnthropicKey     string        `env:"ANTHROPIC_API_KEY"`
	OracleTimeout    time.Duration `env:"WORLDSIM_ORACLE_TIMEOUT" envDefault:"30s"`
	OracleMaxPerMin  int           `env:"WORLDSIM_ORACLE_MAX_PER_MIN" envDefault:"20"`
	ContentCacheTTL  time.Duration `env:"WORLDSIM_CONTENT_CACHE_TTL" envDefault:"1h"`
	WorldCacheTTL    time.Duration `env:"WORLDSIM_CACHE_TTL" envDefault:"60s"`
	CheckInterval    time.Duration `env:"WORLDSIM_CHECK_INTERVAL" envDefault:"5m"`
	SyncInterval     time.Duration `env:"WORLDSIM_SYNC_INTERVAL" envDefault:"10m"`
	RegionCount      int           `env:"WORLDSIM_REGION_COUNT" envDefault:"20"`
	Seed             int64         `env:"WORLDSIM_SEED" envDefault:"42"`
	OTelEndpoint     string        `env:"WORLDSIM_OTEL_ENDPOINT"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownDeadline time.Duration `env:"WORLDSIM_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the process cannot run with.
func (c Config) Validate() error {
	switch {
	case c.APIPort <= 0 || c.APIPort > 65535:
		return fmt.Errorf("WORLDSIM_API_PORT %d out of range", c.APIPort)
	case c.CheckInterval < time.Second:
		return fmt.Errorf("WORLDSIM_CHECK_INTERVAL %s too short", c.CheckInterval)
	case c.SyncInterval < time.Second:
		return fmt.Errorf("WORLDSIM_SYNC_INTERVAL %s too short", c.SyncInterval)
	case c.RegionCount <= 0:
		return fmt.Errorf("WORLDSIM_REGION_COUNT must be positive")
	case c.OracleTimeout <= 0:
		return fmt.Errorf("WORLDSIM_ORACLE_TIMEOUT must be positive")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
