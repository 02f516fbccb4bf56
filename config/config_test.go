package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xraph/credits"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Store.Driver != DriverMemory || cfg.Gateway.Timeout != 30*time.Second {
		t.Errorf("defaults: %+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"DATABASE_URL":               "postgres://localhost/credits",
		"LITELLM_ADMIN_URL":          "http://gateway:4000",
		"LITELLM_MASTER_KEY":         "sk-master",
		"SESSION_SECRET":             "s3cret",
		"REDIS_URL":                  "redis://localhost:6379/0",
		"CREDITS_RECONCILE_INTERVAL": "30s",
		"CREDITS_RECONCILE_BATCH":    "10",
		"CREDITS_LOG_LEVEL":          "debug",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Store.Driver != DriverPostgres || cfg.Store.DSN != "postgres://localhost/credits" {
		t.Errorf("store: %+v", cfg.Store)
	}
	if cfg.Gateway.BaseURL != "http://gateway:4000" || cfg.Gateway.APIKey != "sk-master" {
		t.Errorf("gateway: %+v", cfg.Gateway)
	}
	if cfg.Session.Secret != "s3cret" || cfg.Cache.RedisURL == "" {
		t.Errorf("session/cache: %+v %+v", cfg.Session, cfg.Cache)
	}
	if cfg.Reconcile.Interval != 30*time.Second || cfg.Reconcile.Batch != 10 {
		t.Errorf("reconcile: %+v", cfg.Reconcile)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyEnvExplicitDriverWins(t *testing.T) {
	cfg := DefaultConfig()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"DATABASE_URL":         "postgres://ignored",
		"CREDITS_STORE_DRIVER": "sqlite",
		"CREDITS_STORE_DSN":    "file:credits.db",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Store.DSN != "file:credits.db" {
		t.Errorf("store: %+v", cfg.Store)
	}
}

func TestApplyEnvMongoStore(t *testing.T) {
	cfg := DefaultConfig()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"CREDITS_STORE_DRIVER":    "mongo",
		"CREDITS_STORE_DSN":       "mongodb://localhost:27017/credits",
		"CREDITS_STORE_POOL_SIZE": "8",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Store.Driver != DriverMongo || cfg.Store.DSN != "mongodb://localhost:27017/credits" || cfg.Store.PoolSize != 8 {
		t.Fatalf("store: %+v", cfg.Store)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	cfg := DefaultConfig()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"CREDITS_GATEWAY_TIMEOUT": "soon",
		"CREDITS_RECONCILE_BATCH": "many",
	}))
	if !credits.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	me, ok := err.(credits.MultiError)
	if !ok || len(me.Errors) != 2 {
		t.Errorf("expected both failures reported, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "oracle" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }},
		{"mongo without dsn", func(c *Config) { c.Store.Driver = DriverMongo }},
		{"negative pool size", func(c *Config) { c.Store.PoolSize = -1 }},
		{"negative interval", func(c *Config) { c.Reconcile.Interval = -time.Second }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !credits.IsConfiguration(err) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creditsd.yaml")
	yamlDoc := `
server:
  addr: ":9090"
store:
  driver: sqlite
  dsn: "/tmp/credits.db"
gateway:
  base_url: "http://from-file:4000"
  timeout: 10s
reconcile:
  interval: 1m
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Chdir(dir)
	t.Setenv("LITELLM_ADMIN_URL", "http://from-env:4000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Store.Driver != DriverSQLite {
		t.Errorf("file values lost: %+v", cfg)
	}
	if cfg.Gateway.BaseURL != "http://from-env:4000" {
		t.Errorf("env should override file, got %q", cfg.Gateway.BaseURL)
	}
	if cfg.Gateway.Timeout != 10*time.Second || cfg.Reconcile.Interval != time.Minute {
		t.Errorf("durations: %v %v", cfg.Gateway.Timeout, cfg.Reconcile.Interval)
	}
	if cfg.Cache.TTL != 15*time.Second {
		t.Errorf("unset values should keep defaults, got %v", cfg.Cache.TTL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
