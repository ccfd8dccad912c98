// Package config loads service configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshals YAML scalars like "30s" or "10m" via
// time.ParseDuration; bare integers are taken as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value")
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full service configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	Anthropic AnthropicConfig `yaml:"anthropic"`
	Window    WindowConfig    `yaml:"window"`

	// StoreTimeout bounds each durable store call.
	StoreTimeout Duration `yaml:"store_timeout"`
}

// AnthropicConfig configures the reply generator.
type AnthropicConfig struct {
	APIKey  string   `yaml:"api_key"`
	Model   string   `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
}

// WindowConfig configures the sliding window and cache TTLs.
type WindowConfig struct {
	Size       int      `yaml:"size"`
	HistoryTTL Duration `yaml:"history_ttl"`
	MetaTTL    Duration `yaml:"meta_ttl"`
	ReplyTTL   Duration `yaml:"reply_ttl"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		ListenAddr:  ":8080",
		Environment: "development",
		LogLevel:    "info",
		Anthropic: AnthropicConfig{
			Timeout: Duration(20 * time.Second),
		},
		Window: WindowConfig{
			Size:       5,
			HistoryTTL: Duration(7 * 24 * time.Hour),
			MetaTTL:    Duration(7 * 24 * time.Hour),
			ReplyTTL:   Duration(time.Minute),
		},
		StoreTimeout: Duration(5 * time.Second),
	}
}

// Load reads the YAML file at path (skipped when path is empty or missing)
// and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.ListenAddr, "LISTEN_ADDR")
	setString(&c.Environment, "ENVIRONMENT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setString(&c.Anthropic.Model, "ANTHROPIC_MODEL")

	if v := os.Getenv("WINDOW_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Window.Size = n
		}
	}
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (config file or DATABASE_URL)")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url is required (config file or REDIS_URL)")
	}
	if c.Window.Size < 1 {
		return fmt.Errorf("window.size must be at least 1, got %d", c.Window.Size)
	}
	return nil
}

// SlogLevel maps the configured level name onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Development reports whether the service should bootstrap its own schema.
func (c *Config) Development() bool {
	return c.Environment == "development"
}
