// Package config loads creditsd settings from a YAML file, an optional
// .env file and the process environment, in that order of precedence
// (later sources win).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xraph/credits"
	"github.com/xraph/credits/gateway"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `json:"server" mapstructure:"server" yaml:"server"`
	Store     StoreConfig     `json:"store" mapstructure:"store" yaml:"store"`
	Gateway   gateway.Config  `json:"gateway" mapstructure:"gateway" yaml:"gateway"`
	Session   SessionConfig   `json:"session" mapstructure:"session" yaml:"session"`
	Cache     CacheConfig     `json:"cache" mapstructure:"cache" yaml:"cache"`
	Reconcile ReconcileConfig `json:"reconcile" mapstructure:"reconcile" yaml:"reconcile"`
	Log       LogConfig       `json:"log" mapstructure:"log" yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr         string        `json:"addr" mapstructure:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" mapstructure:"write_timeout" yaml:"write_timeout"`
	// RecentEvents is how many ledger events the dashboard returns.
	RecentEvents int `json:"recent_events" mapstructure:"recent_events" yaml:"recent_events"`
}

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver" yaml:"driver"`
	DSN    string `json:"-" mapstructure:"dsn" yaml:"dsn"`
	// PoolSize caps open connections for the SQL drivers; zero keeps the
	// driver default.
	PoolSize int `json:"pool_size" mapstructure:"pool_size" yaml:"pool_size"`
}

// SessionConfig configures session token verification.
type SessionConfig struct {
	Secret     string        `json:"-" mapstructure:"secret" yaml:"secret"`
	CookieName string        `json:"cookie_name" mapstructure:"cookie_name" yaml:"cookie_name"`
	Issuer     string        `json:"issuer" mapstructure:"issuer" yaml:"issuer"`
	Leeway     time.Duration `json:"leeway" mapstructure:"leeway" yaml:"leeway"`
}

// CacheConfig configures the gateway usage cache. An empty RedisURL keeps
// the cache in process.
type CacheConfig struct {
	RedisURL string        `json:"-" mapstructure:"redis_url" yaml:"redis_url"`
	Prefix   string        `json:"prefix" mapstructure:"prefix" yaml:"prefix"`
	TTL      time.Duration `json:"ttl" mapstructure:"ttl" yaml:"ttl"`
}

// ReconcileConfig configures the background sweep of failed syncs.
// A zero Interval disables it.
type ReconcileConfig struct {
	Interval time.Duration `json:"interval" mapstructure:"interval" yaml:"interval"`
	Batch    int           `json:"batch" mapstructure:"batch" yaml:"batch"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level" yaml:"level"`
	Format string `json:"format" mapstructure:"format" yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			RecentEvents: 20,
		},
		Store: StoreConfig{Driver: DriverMemory},
		Gateway: gateway.Config{
			Timeout:      gateway.DefaultTimeout,
			DefaultModel: "gpt-4o-mini",
			Executor:     gateway.DefaultExecutorConfig(),
		},
		Session: SessionConfig{CookieName: "DS"},
		Cache: CacheConfig{
			Prefix: "credits:usage:",
			TTL:    15 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval: 5 * time.Minute,
			Batch:    50,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), a .env file in the working directory and the
// environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("config: load .env: %w", err)
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overlays environment variables read through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs credits.MultiError
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs.Add(&credits.ConfigurationError{Setting: key, Message: err.Error()})
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs.Add(&credits.ConfigurationError{Setting: key, Message: err.Error()})
				return
			}
			*dst = n
		}
	}

	str("CREDITS_ADDR", &cfg.Server.Addr)
	num("CREDITS_RECENT_EVENTS", &cfg.Server.RecentEvents)

	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		cfg.Store.DSN = v
		if cfg.Store.Driver == DriverMemory {
			cfg.Store.Driver = DriverPostgres
		}
	}
	str("CREDITS_STORE_DRIVER", &cfg.Store.Driver)
	str("CREDITS_STORE_DSN", &cfg.Store.DSN)
	num("CREDITS_STORE_POOL_SIZE", &cfg.Store.PoolSize)

	str("LITELLM_ADMIN_URL", &cfg.Gateway.BaseURL)
	str("LITELLM_MASTER_KEY", &cfg.Gateway.APIKey)
	str("CREDITS_DEFAULT_MODEL", &cfg.Gateway.DefaultModel)
	dur("CREDITS_GATEWAY_TIMEOUT", &cfg.Gateway.Timeout)
	num("CREDITS_GATEWAY_RETRIES", &cfg.Gateway.Executor.MaxRetries)

	str("SESSION_SECRET", &cfg.Session.Secret)
	str("CREDITS_SESSION_COOKIE", &cfg.Session.CookieName)
	str("CREDITS_SESSION_ISSUER", &cfg.Session.Issuer)

	str("REDIS_URL", &cfg.Cache.RedisURL)
	dur("CREDITS_USAGE_CACHE_TTL", &cfg.Cache.TTL)

	dur("CREDITS_RECONCILE_INTERVAL", &cfg.Reconcile.Interval)
	num("CREDITS_RECONCILE_BATCH", &cfg.Reconcile.Batch)

	str("CREDITS_LOG_LEVEL", &cfg.Log.Level)
	str("CREDITS_LOG_FORMAT", &cfg.Log.Format)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Validate checks settings that would make the daemon unusable. Gateway
// settings are not required here: without them purchases still record and
// syncs report a configuration error.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite, DriverMongo:
		if c.Store.DSN == "" {
			return &credits.ConfigurationError{Setting: "store dsn", Message: "required for driver " + c.Store.Driver}
		}
	default:
		return &credits.ConfigurationError{Setting: "store driver", Message: fmt.Sprintf("unknown driver %q", c.Store.Driver)}
	}
	if c.Store.PoolSize < 0 {
		return &credits.ConfigurationError{Setting: "store pool size", Message: "must not be negative"}
	}
	if c.Reconcile.Interval < 0 {
		return &credits.ConfigurationError{Setting: "reconcile interval", Message: "must not be negative"}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger() *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, &credits.ConfigurationError{Setting: "log level", Message: err.Error()}
	}
	return level, nil
}
