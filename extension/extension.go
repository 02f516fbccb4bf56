// Package extension provides the Forge extension adapter for credits.
//
// It implements the forge.Extension interface to integrate the credits
// engine into a Forge application with DI registration and lifecycle
// management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.credits" or "credits" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/credits"
	"github.com/xraph/credits/gateway"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	mongostore "github.com/xraph/credits/store/mongo"
	"github.com/xraph/credits/store/postgres"
	"github.com/xraph/credits/store/sqlite"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "credits"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Identity-gated credit ledger with gateway budget sync"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the credits engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *credits.Engine
	store      store.Store
	groveDB    *grove.DB
	engineOpts []credits.Option
}

// New creates a new credits Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying credits engine.
// This is nil until Register is called.
func (e *Extension) Engine() *credits.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the credits engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	st, err := e.resolveStore()
	if err != nil {
		return err
	}
	e.store = st
	e.engine = credits.New(e.store, e.buildEngineOpts()...)

	return vessel.Provide(fapp.Container(), func() (*credits.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("credits: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("credits: store not initialized")
	}
	return e.store.Ping(ctx)
}

// resolveStore picks the programmatic store, then a store matching the
// grove driver, then memory.
func (e *Extension) resolveStore() (store.Store, error) {
	switch {
	case e.store != nil:
		return e.store, nil
	case e.groveDB != nil:
		switch name := e.groveDB.Driver().Name(); name {
		case "pg":
			return postgres.New(e.groveDB), nil
		case "sqlite":
			return sqlite.New(e.groveDB), nil
		case "mongo":
			return mongostore.New(e.groveDB), nil
		default:
			return nil, fmt.Errorf("credits: unsupported grove driver %q", name)
		}
	default:
		return memory.New(), nil
	}
}

// buildEngineOpts constructs credits.Option values from the resolved config.
func (e *Extension) buildEngineOpts() []credits.Option {
	opts := make([]credits.Option, 0, len(e.engineOpts)+5)

	opts = append(opts,
		credits.WithRecentEventLimit(e.config.RecentEvents),
		credits.WithUsageCacheTTL(e.config.UsageCacheTTL),
		credits.WithReconcileBatch(e.config.ReconcileBatch),
	)
	if e.config.ReconcileInterval > 0 {
		opts = append(opts, credits.WithReconcileInterval(e.config.ReconcileInterval))
	}
	if e.config.Gateway.BaseURL != "" {
		opts = append(opts, credits.WithBudgetSyncer(gateway.New(e.config.Gateway)))
	}

	// Pass-through options win over config-derived ones.
	opts = append(opts, e.engineOpts...)

	return opts
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("credits: configuration is required but not found in config files; " +
				"ensure 'extensions.credits' or 'credits' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("credits: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("recent_events", e.config.RecentEvents),
		forge.F("usage_cache_ttl", e.config.UsageCacheTTL),
		forge.F("reconcile_interval", e.config.ReconcileInterval),
		forge.F("reconcile_batch", e.config.ReconcileBatch),
		forge.F("gateway_configured", e.config.Gateway.BaseURL != ""),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.credits", "credits"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("credits: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("credits: failed to bind config",
			forge.F("key", key),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.RecentEvents == 0 {
		cfg.RecentEvents = defaults.RecentEvents
	}
	if cfg.UsageCacheTTL == 0 {
		cfg.UsageCacheTTL = defaults.UsageCacheTTL
	}
	if cfg.ReconcileBatch == 0 {
		cfg.ReconcileBatch = defaults.ReconcileBatch
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	if yamlConfig.RecentEvents == 0 {
		yamlConfig.RecentEvents = programmaticConfig.RecentEvents
	}
	if yamlConfig.UsageCacheTTL == 0 {
		yamlConfig.UsageCacheTTL = programmaticConfig.UsageCacheTTL
	}
	if yamlConfig.ReconcileInterval == 0 {
		yamlConfig.ReconcileInterval = programmaticConfig.ReconcileInterval
	}
	if yamlConfig.ReconcileBatch == 0 {
		yamlConfig.ReconcileBatch = programmaticConfig.ReconcileBatch
	}
	if yamlConfig.Gateway.BaseURL == "" {
		yamlConfig.Gateway = programmaticConfig.Gateway
	}

	return mergeWithDefaults(yamlConfig)
}
