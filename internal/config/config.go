package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// EnvPrefix marks environment overrides. A double underscore separates the
// section from the key: RELAYDESK_SERVER__JWT_SECRET sets server.jwt_secret.
const EnvPrefix = "RELAYDESK_"

// DefaultPaths are tried in order when no config file is named.
var DefaultPaths = []string{"./relaydesk.toml", "$HOME/.relaydesk.toml"}

type Config struct {
	Server ServerConfig `koanf:"server"`
	Store  StoreConfig  `koanf:"store"`
	Watch  WatchConfig  `koanf:"watch"`
	Log    LogConfig    `koanf:"log"`
}

type ServerConfig struct {
	Addr               string        `koanf:"addr"`
	JWTSecret          string        `koanf:"jwt_secret"`
	Audience           string        `koanf:"audience"`
	RateLimitPerSecond float64       `koanf:"rate_limit_per_second"`
	RateLimitBurst     int           `koanf:"rate_limit_burst"`
	MaxBodyBytes       int64         `koanf:"max_body_bytes"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"`
}

type StoreConfig struct {
	StateDSN       string `koanf:"state_dsn"`
	EventQueueDSN  string `koanf:"event_queue_dsn"`
	EventQueueSize int    `koanf:"event_queue_size"`
	NotifyWorkers  int    `koanf:"notify_workers"`
}

// WatchConfig drives relaydesk-watch.
type WatchConfig struct {
	BaseURL        string        `koanf:"base_url"`
	Token          string        `koanf:"token"`
	ConversationID string        `koanf:"conversation_id"`
	WatermarkDSN   string        `koanf:"watermark_dsn"`
	JitterRatio    float64       `koanf:"jitter_ratio"`
	Timeout        time.Duration `koanf:"timeout"`
	Push           bool          `koanf:"push"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaults() map[string]any {
	return map[string]any{
		"server.addr":                  ":8080",
		"server.jwt_secret":            "dev-secret",
		"server.audience":              "relaydesk",
		"server.rate_limit_per_second": 20.0,
		"server.rate_limit_burst":      40,
		"server.max_body_bytes":        int64(1 << 20),
		"server.shutdown_timeout":      "10s",
		"store.state_dsn":              "memory://",
		"store.event_queue_dsn":        "memory://",
		"store.event_queue_size":       1024,
		"store.notify_workers":         2,
		"watch.base_url":               "http://127.0.0.1:8080",
		"watch.watermark_dsn":          "memory://",
		"watch.jitter_ratio":           0.2,
		"watch.timeout":                "15s",
		"watch.push":                   true,
		"log.level":                    "info",
		"log.format":                   "console",
	}
}

// Load layers defaults, the TOML file, RELAYDESK_ environment variables and
// finally overrides, which callers fill from explicitly set flags.
func Load(configPath string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
	} else {
		for _, path := range DefaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("load config %s: %w", path, err)
			}
			break
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func (c *Config) normalize() {
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Store.StateDSN = strings.TrimSpace(c.Store.StateDSN)
	c.Store.EventQueueDSN = strings.TrimSpace(c.Store.EventQueueDSN)
	c.Watch.BaseURL = strings.TrimRight(strings.TrimSpace(c.Watch.BaseURL), "/")
	c.Watch.Token = strings.TrimSpace(c.Watch.Token)
	c.Watch.ConversationID = strings.TrimSpace(c.Watch.ConversationID)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.RateLimitPerSecond < 0 {
		errs = append(errs, errors.New("server.rate_limit_per_second must not be negative"))
	}
	if c.Server.RateLimitPerSecond > 0 && c.Server.RateLimitBurst < 1 {
		errs = append(errs, errors.New("server.rate_limit_burst must be at least 1 when rate limiting"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if c.Store.EventQueueSize <= 0 {
		errs = append(errs, errors.New("store.event_queue_size must be positive"))
	}
	if c.Store.NotifyWorkers <= 0 {
		errs = append(errs, errors.New("store.notify_workers must be positive"))
	}
	if c.Watch.JitterRatio < 0 || c.Watch.JitterRatio > 1 {
		errs = append(errs, fmt.Errorf("watch.jitter_ratio %.2f is outside 0..1", c.Watch.JitterRatio))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not console or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if c.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
