package extension

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/credits"
	"github.com/xraph/credits/gateway"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/store"
)

// Option configures the credits Forge extension.
type Option func(*Extension)

// WithStore sets the store for the credits engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithGroveDB backs the engine with the PostgreSQL, SQLite or MongoDB store
// matching db's driver. WithStore takes precedence when both are given.
func WithGroveDB(db *grove.DB) Option {
	return func(e *Extension) {
		e.groveDB = db
	}
}

// WithEngineOption passes a credits.Option through to the underlying engine.
func WithEngineOption(opt credits.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a credits plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, credits.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithGateway sets the budget sync gateway configuration.
func WithGateway(cfg gateway.Config) Option {
	return func(e *Extension) { e.config.Gateway = cfg }
}

// WithUsageCacheTTL sets how long gateway usage is cached.
func WithUsageCacheTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.UsageCacheTTL = d }
}

// WithReconcileInterval enables the background reconcile sweep.
func WithReconcileInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.ReconcileInterval = d }
}
