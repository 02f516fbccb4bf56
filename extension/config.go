package extension

import (
	"time"

	"github.com/xraph/credits/gateway"
)

// Config holds the credits extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.credits" or "credits" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// RecentEvents is how many ledger events the dashboard returns (default: 20).
	RecentEvents int `json:"recent_events" mapstructure:"recent_events" yaml:"recent_events"`

	// UsageCacheTTL controls how long gateway usage is cached per user
	// (default: 15s).
	UsageCacheTTL time.Duration `json:"usage_cache_ttl" mapstructure:"usage_cache_ttl" yaml:"usage_cache_ttl"`

	// ReconcileInterval is how often pending budget syncs are retried.
	// Zero disables the background sweep.
	ReconcileInterval time.Duration `json:"reconcile_interval" mapstructure:"reconcile_interval" yaml:"reconcile_interval"`

	// ReconcileBatch caps how many pending syncs one sweep retries (default: 50).
	ReconcileBatch int `json:"reconcile_batch" mapstructure:"reconcile_batch" yaml:"reconcile_batch"`

	// Gateway configures the budget sync client. An empty BaseURL leaves
	// sync unconfigured.
	Gateway gateway.Config `json:"gateway" mapstructure:"gateway" yaml:"gateway"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecentEvents:   20,
		UsageCacheTTL:  15 * time.Second,
		ReconcileBatch: 50,
	}
}
