package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration loaded from YAML.
type Config struct {
	Listen   string         `yaml:"listen"`   // HTTP listen address, e.g. ":8080".
	Database DatabaseConfig `yaml:"database"` // Relational store settings.
	Redis    RedisConfig    `yaml:"redis"`    // Optional auth snapshot cache.
	Log      LogConfig      `yaml:"log"`      // Logging settings.
	Catalog  CatalogConfig  `yaml:"catalog"`  // Model catalog settings.
	Reload   ReloadConfig   `yaml:"reload"`   // Auto-reload policy.
	Stripe   StripeConfig   `yaml:"stripe"`   // Payment processor settings.
	Admin    AdminConfig    `yaml:"admin"`    // Management API settings.
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // PostgreSQL or SQLite DSN.
}

// RedisConfig holds optional redis settings for the auth snapshot cache.
// The cache is disabled when Addr is empty.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	AuthCacheTTL time.Duration `yaml:"auth-cache-ttl"`
}

// LogConfig holds logging settings. Output goes to stdout when File is empty.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// CatalogConfig holds model catalog settings.
type CatalogConfig struct {
	Path string `yaml:"path"` // Path to the model catalog YAML file.
}

// ReloadConfig holds the auto-reload policy. Amounts are in display cents.
type ReloadConfig struct {
	ThresholdCents int64 `yaml:"threshold-cents"` // Balance below this triggers a reload.
	AmountCents    int64 `yaml:"amount-cents"`    // Credit purchased per reload.
	FeeCents       int64 `yaml:"fee-cents"`       // Processing fee charged on top.
}

// StripeConfig holds payment processor settings.
type StripeConfig struct {
	SecretKey string `yaml:"secret-key"` // Falls back to STRIPE_SECRET_KEY.
}

// AdminConfig holds management API settings.
type AdminConfig struct {
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"` // Seeded as a bcrypt hash on first migration.
	JWTSecret string        `yaml:"jwt-secret"`
	TokenTTL  time.Duration `yaml:"token-ttl"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("ZEN_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}

	data, errRead := os.ReadFile(path)
	if errRead != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	cfg := defaults()
	if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
	}

	if cfg.Stripe.SecretKey == "" {
		cfg.Stripe.SecretKey = os.Getenv("STRIPE_SECRET_KEY")
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, fmt.Errorf("config: database.dsn is required")
	}
	if strings.TrimSpace(cfg.Catalog.Path) == "" {
		return nil, fmt.Errorf("config: catalog.path is required")
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Listen: ":8080",
		Redis: RedisConfig{
			AuthCacheTTL: 30 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Reload: ReloadConfig{
			ThresholdCents: 500,
			AmountCents:    2000,
			FeeCents:       88,
		},
		Admin: AdminConfig{
			Username: "admin",
			TokenTTL: 12 * time.Hour,
		},
	}
}
