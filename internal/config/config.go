// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// DatabaseURL is the Postgres DSN; required for all binaries that touch the store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production"). Controls logger config.
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the minimum zap log level ("debug", "info", "warn", "error").
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// OTLPEndpoint is the OTLP gRPC endpoint for trace export (e.g. http://localhost:4317).
	// Empty disables tracing (no-op provider).
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// LockWaitTimeout bounds how long a transaction waits for user row locks
	// (Postgres lock_timeout, e.g. "5s"). Empty means no bound.
	LockWaitTimeout string `mapstructure:"LOCK_WAIT_TIMEOUT"`
	// BcryptCost is the bcrypt cost factor (4–31) used by the emailpassword recipe; default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("LOCK_WAIT_TIMEOUT", "5s")
	v.SetDefault("BCRYPT_COST", 12)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.LockWaitTimeout != "" {
		if _, err := time.ParseDuration(cfg.LockWaitTimeout); err != nil {
			return nil, errors.New("config: LOCK_WAIT_TIMEOUT must be a valid duration (e.g. 5s)")
		}
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	return &cfg, nil
}

// LockTimeout parses LockWaitTimeout as a time.Duration. Returns 0 (no bound) if unset.
func (c *Config) LockTimeout() time.Duration {
	if c == nil || c.LockWaitTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.LockWaitTimeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
