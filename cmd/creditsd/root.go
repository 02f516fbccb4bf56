package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/xraph/grove/driver"

	"github.com/xraph/credits"
	"github.com/xraph/credits/config"
	"github.com/xraph/credits/gateway"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	mongostore "github.com/xraph/credits/store/mongo"
	"github.com/xraph/credits/store/postgres"
	"github.com/xraph/credits/store/sqlite"
	"github.com/xraph/credits/usagecache"
)

var (
	cfgFile string
	output  string
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "creditsd",
		Short:         "Credit portal daemon",
		Long:          "creditsd serves the credit portal API and keeps gateway budgets in step with the ledger.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (environment variables override it)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "output format: json|text")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newPlansCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newReconcileCmd())
	rootCmd.AddCommand(newTokenCmd())

	return rootCmd
}

// runtime bundles what every subcommand needs.
type runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	store   store.Store
	gateway *gateway.Client
	cache   *usagecache.Redis
	engine  *credits.Engine
}

// loadConfig reads the --config file and the environment.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, cfg.Log.NewLogger(), nil
}

// setup opens the store and builds the engine with plugins registered.
func setup(ctx context.Context, cfg config.Config, logger *slog.Logger, plugins ...plugin.Plugin) (*runtime, error) {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		gateway: gateway.New(cfg.Gateway, gateway.WithLogger(logger)),
	}

	opts := []credits.Option{
		credits.WithLogger(logger),
		credits.WithBudgetSyncer(rt.gateway),
		credits.WithRecentEventLimit(cfg.Server.RecentEvents),
		credits.WithUsageCacheTTL(cfg.Cache.TTL),
		credits.WithReconcileInterval(cfg.Reconcile.Interval),
		credits.WithReconcileBatch(cfg.Reconcile.Batch),
	}

	if cfg.Cache.RedisURL != "" {
		cache, err := usagecache.Dial(ctx, cfg.Cache.RedisURL, cfg.Cache.Prefix)
		if err != nil {
			_ = st.Close() //nolint:errcheck // best-effort cleanup on setup failure
			return nil, err
		}
		rt.cache = cache
		opts = append(opts, credits.WithUsageCache(cache))
	}

	for _, p := range plugins {
		opts = append(opts, credits.WithPlugin(p))
	}

	rt.engine = credits.New(st, opts...)

	if !rt.gateway.Configured() {
		logger.Warn("gateway not configured; budget sync will report configuration errors")
	}

	return rt, nil
}

// close stops the engine (which closes the store) and the shared cache.
func (rt *runtime) close() {
	if err := rt.engine.Stop(); err != nil {
		rt.logger.Warn("engine stop", "error", err)
	}
	if rt.cache != nil {
		_ = rt.cache.Close() //nolint:errcheck // best-effort close on shutdown
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	var opts []driver.Option
	if cfg.PoolSize > 0 {
		opts = append(opts, driver.WithPoolSize(cfg.PoolSize))
	}

	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.DSN, opts...)
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.DSN, opts...)
	case config.DriverMongo:
		return mongostore.Open(ctx, cfg.DSN)
	case config.DriverMemory, "":
		return memory.New(), nil
	default:
		return nil, &credits.ConfigurationError{Setting: "store driver", Message: fmt.Sprintf("unknown driver %q", cfg.Driver)}
	}
}
