// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/brainbolt/internal/adaptive"
	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	Port        string   `env:"PORT"        envDefault:"8080"`
	CORSOrigins []string `env:"CORS_ORIGIN" envDefault:"*" envSeparator:","`
	DBPath      string   `env:"DB_PATH"     envDefault:"./data/brainbolt.db"`

	// RedisURL selects the Redis cache; empty uses the in-process cache.
	RedisURL       string `env:"REDIS_URL"`
	CacheKeyPrefix string `env:"CACHE_KEY_PREFIX" envDefault:"bb"`

	SessionTTLSeconds int `env:"SESSION_TTL_SECONDS" envDefault:"1800"`
	DifficultyMin     int `env:"DIFFICULTY_MIN"      envDefault:"1"`
	DifficultyMax     int `env:"DIFFICULTY_MAX"      envDefault:"10"`
	DefaultDifficulty int `env:"DEFAULT_DIFFICULTY"  envDefault:"3"`

	LeaderboardDefaultLimit int `env:"LEADERBOARD_DEFAULT_LIMIT" envDefault:"20"`
	LeaderboardMaxLimit     int `env:"LEADERBOARD_MAX_LIMIT"     envDefault:"100"`

	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"10m"`
	SessionRetention     time.Duration `env:"SESSION_RETENTION"      envDefault:"168h"`

	// GRPCHealthPort enables the gRPC health service when set.
	GRPCHealthPort string `env:"GRPC_HEALTH_PORT"`
	// OTELEndpoint enables OTLP trace export when set.
	OTELEndpoint string `env:"OTEL_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set and consistent.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionTTLSeconds <= 0 {
		return fmt.Errorf("SESSION_TTL_SECONDS must be > 0")
	}
	if c.DifficultyMin < 1 || c.DifficultyMax > 10 {
		return fmt.Errorf("difficulty bounds must lie within [1, 10], got [%d, %d]", c.DifficultyMin, c.DifficultyMax)
	}
	if err := c.Bounds().Validate(); err != nil {
		return err
	}
	if !c.Bounds().Contains(c.DefaultDifficulty) {
		return fmt.Errorf("DEFAULT_DIFFICULTY %d outside [%d, %d]", c.DefaultDifficulty, c.DifficultyMin, c.DifficultyMax)
	}
	if c.LeaderboardDefaultLimit <= 0 || c.LeaderboardMaxLimit <= 0 {
		return fmt.Errorf("leaderboard limits must be > 0")
	}
	if c.LeaderboardDefaultLimit > c.LeaderboardMaxLimit {
		return fmt.Errorf("LEADERBOARD_DEFAULT_LIMIT %d exceeds LEADERBOARD_MAX_LIMIT %d", c.LeaderboardDefaultLimit, c.LeaderboardMaxLimit)
	}
	if c.SessionSweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.SessionRetention < 0 {
		return fmt.Errorf("SESSION_RETENTION cannot be negative")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Bounds returns the configured difficulty range.
func (c *Config) Bounds() adaptive.Bounds {
	return adaptive.Bounds{Min: c.DifficultyMin, Max: c.DifficultyMax}
}

// SessionTTL returns the session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", s)
	}
}
