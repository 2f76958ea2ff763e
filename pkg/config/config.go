// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the proxy's YAML configuration file,
// applying defaults for every key the file omits.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/viper"
)

// Server holds the acceptor's own listen configuration.
type Server struct {
	ListenAddress string `mapstructure:"listen_address"`
	ListenPort    int    `mapstructure:"listen_port"`
	NumThreads    int    `mapstructure:"num_threads"`
	RateLimit     RateLimit `mapstructure:"rate_limit"`
}

// RateLimit configures the per-IP connection throttle.
type RateLimit struct {
	Enabled         bool  `mapstructure:"enabled"`
	Capacity        int64 `mapstructure:"capacity"`
	RefillPerSecond int64 `mapstructure:"refill_per_second"`
}

// Database holds the upstream connection target and pre-warm pool sizing.
type Database struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Pool Pool   `mapstructure:"pool"`
}

// Pool configures the upstream pre-warming pool.
type Pool struct {
	MinSize           int `mapstructure:"min_size"`
	MaxSize           int `mapstructure:"max_size"`
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"`
}

// L1 configures the in-process LRU tier.
type L1 struct {
	Enabled bool `mapstructure:"enabled"`
	MaxSize int  `mapstructure:"max_size"`
}

// Redis configures the Tier-2 remote cache.
type Redis struct {
	Enabled   bool `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

// L2 wraps the Tier-2 cache's Redis settings.
type L2 struct {
	Redis Redis `mapstructure:"redis"`
}

// Cache holds both cache tiers.
type Cache struct {
	L1 L1 `mapstructure:"l1"`
	L2 L2 `mapstructure:"l2"`
}

// Logging configures the slog output.
type Logging struct {
	Level   string `mapstructure:"level"`
	Pattern string `mapstructure:"pattern"`
}

// SSL toggles TLS bridging.
type SSL struct {
	Enabled bool `mapstructure:"enabled"`
}

// Admin configures the metrics/health HTTP surface.
type Admin struct {
	ListenAddress string `mapstructure:"listen_address"`
	ListenPort    int    `mapstructure:"listen_port"`
}

// Config is the fully-resolved proxy configuration.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Cache    Cache    `mapstructure:"cache"`
	Logging  Logging  `mapstructure:"logging"`
	SSL      SSL      `mapstructure:"ssl"`
	Admin    Admin    `mapstructure:"admin"`
}

// ErrConfigMissing indicates the file did not exist; defaults were used.
var ErrConfigMissing = errors.New("config file not found, using defaults")

// Load reads path (defaulting keys not present in it) into a validated
// Config. If path does not exist, defaults are used and ErrConfigMissing is
// returned alongside a valid Config so callers can log a warning and
// continue, matching Config::loadFromFile's not-fatal-if-missing behavior.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnvVars(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	var missing error
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			missing = ErrConfigMissing
		} else {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, missing
}

// RedisTimeout returns the Tier-2 connect/operation timeout as a
// time.Duration.
func (c *Config) RedisTimeout() time.Duration {
	return time.Duration(c.Cache.L2.Redis.TimeoutMs) * time.Millisecond
}

// PoolIdleTimeout returns the upstream pool's idle timeout as a
// time.Duration.
func (c *Config) PoolIdleTimeout() time.Duration {
	return time.Duration(c.Database.Pool.IdleTimeoutSeconds) * time.Second
}
