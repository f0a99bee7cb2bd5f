// Package config loads server settings from the environment and an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	DatabasePath     string        `mapstructure:"DATABASE_PATH"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	AlertsEnabled    bool          `mapstructure:"ALERTS_ENABLED"`
	AlertInterval    time.Duration `mapstructure:"ALERT_INTERVAL"`
	ExpiryWindowDays int           `mapstructure:"EXPIRY_WINDOW_DAYS"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DATABASE_PATH",
	"LOG_LEVEL",
	"CORS_ORIGINS",
	"ALERTS_ENABLED",
	"ALERT_INTERVAL",
	"EXPIRY_WINDOW_DAYS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DATABASE_PATH", "pharmacy.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("ALERTS_ENABLED", true)
	v.SetDefault("ALERT_INTERVAL", "1h")
	v.SetDefault("EXPIRY_WINDOW_DAYS", 90)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Level returns the configured zerolog level, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// ExpiryWindow is EXPIRY_WINDOW_DAYS as a duration.
func (c *Config) ExpiryWindow() time.Duration {
	return time.Duration(c.ExpiryWindowDays) * 24 * time.Hour
}

// Validate checks that the configuration is usable before the server starts.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("LOG_LEVEL %q is not a valid level: %w", c.LogLevel, err)
	}
	if c.AlertsEnabled && c.AlertInterval <= 0 {
		return fmt.Errorf("ALERT_INTERVAL must be positive when alerts are enabled, got %s", c.AlertInterval)
	}
	if c.ExpiryWindowDays < 0 {
		return fmt.Errorf("EXPIRY_WINDOW_DAYS must not be negative, got %d", c.ExpiryWindowDays)
	}
	return nil
}
