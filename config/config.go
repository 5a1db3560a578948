// Package config loads server configuration from an optional YAML file with
// environment variable overrides. Env always wins, so container deployments
// can tune single knobs without shipping a file.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the full server configuration.
type Config struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	CalendarMIC string `yaml:"calendar_mic"`

	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Playback PlaybackConfig `yaml:"playback"`
}

// StorageConfig selects and configures the bar store backend.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // "sqlite" or "postgres"
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RedisConfig configures the optional read-through bar cache. An empty Addr
// disables caching.
type RedisConfig struct {
	Addr            string `yaml:"addr"`
	Password        string `yaml:"password"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// PlaybackConfig holds the stream pacing tunables.
type PlaybackConfig struct {
	BaseDelayMs       int     `yaml:"base_delay_ms"`
	MinTickIntervalMs int     `yaml:"min_tick_interval_ms"`
	MaxTickIntervalMs int     `yaml:"max_tick_interval_ms"`
	MaxBatch          int     `yaml:"max_batch"`
	MinSpeed          float64 `yaml:"min_speed"`
	DefaultSpeed      float64 `yaml:"default_speed"`
	MaxBars           int     `yaml:"max_bars"`
}

func defaults() *Config {
	return &Config{
		Addr:        ":8085",
		MetricsAddr: ":9090",
		LogLevel:    "info",
		CalendarMIC: "xnys",
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "data/bars.db",
		},
		Redis: RedisConfig{
			CacheTTLSeconds: 300,
		},
		Playback: PlaybackConfig{
			BaseDelayMs:       400,
			MinTickIntervalMs: 20,
			MaxTickIntervalMs: 5000,
			MaxBatch:          200,
			MinSpeed:          0.25,
			DefaultSpeed:      1,
			MaxBars:           5000,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty the file must exist), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Addr, "LISTEN_ADDR")
	setStr(&c.MetricsAddr, "METRICS_ADDR")
	setStr(&c.LogLevel, "LOG_LEVEL")
	setStr(&c.CalendarMIC, "CALENDAR_MIC")

	setStr(&c.Storage.Driver, "STORAGE_DRIVER")
	setStr(&c.Storage.SQLitePath, "SQLITE_PATH")
	setStr(&c.Storage.PostgresDSN, "DATABASE_URL")

	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.CacheTTLSeconds, "REDIS_CACHE_TTL_SECONDS")

	setInt(&c.Playback.BaseDelayMs, "STREAM_BASE_DELAY_MS")
	setInt(&c.Playback.MinTickIntervalMs, "STREAM_MIN_TICK_INTERVAL_MS")
	setInt(&c.Playback.MaxTickIntervalMs, "STREAM_MAX_TICK_INTERVAL_MS")
	setInt(&c.Playback.MaxBatch, "STREAM_MAX_BATCH_SIZE")
	setFloat(&c.Playback.MinSpeed, "STREAM_MIN_SPEED")
	setFloat(&c.Playback.DefaultSpeed, "STREAM_DEFAULT_SPEED")
	setInt(&c.Playback.MaxBars, "STREAM_MAX_BARS")
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("config: sqlite driver requires sqlite_path")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: postgres driver requires postgres_dsn or DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}

	p := c.Playback
	if p.BaseDelayMs <= 0 || p.MinTickIntervalMs <= 0 || p.MaxTickIntervalMs <= 0 {
		return fmt.Errorf("config: playback intervals must be positive")
	}
	if p.MinTickIntervalMs > p.MaxTickIntervalMs {
		return fmt.Errorf("config: min_tick_interval_ms exceeds max_tick_interval_ms")
	}
	if p.MaxBatch <= 0 || p.MaxBars <= 0 {
		return fmt.Errorf("config: max_batch and max_bars must be positive")
	}
	if p.MinSpeed <= 0 {
		return fmt.Errorf("config: min_speed must be positive")
	}
	if p.DefaultSpeed < p.MinSpeed {
		return fmt.Errorf("config: default_speed below min_speed")
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("[config] ignoring invalid %s=%q", key, v)
			return
		}
		*dst = n
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Printf("[config] ignoring invalid %s=%q", key, v)
			return
		}
		*dst = f
	}
}
