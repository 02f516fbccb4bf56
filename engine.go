package credits

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xraph/credits/budget"
	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/usagecache"
)

// BudgetSyncer pushes credit ceilings to the AI gateway and reads usage
// back. *gateway.Client implements it.
type BudgetSyncer interface {
	UpsertCreditLimit(ctx context.Context, email string, limitUSD float64) (*budget.SyncResult, error)
	FetchUsage(ctx context.Context, email string) (*budget.Usage, error)
}

// Engine is the credit ledger and budget sync orchestrator.
type Engine struct {
	store   store.Store
	catalog *catalog.Catalog
	syncer  BudgetSyncer
	usage   usagecache.Cache
	plugins *plugin.Registry
	logger  *slog.Logger

	// Collapses concurrent usage fetches per email
	usageGroup singleflight.Group

	// Serializes ceiling pushes per email
	pushLocks keyedMutex

	// Background workers
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Configuration
	recentEventLimit  int
	usageCacheTTL     time.Duration
	reconcileInterval time.Duration
	reconcileBatch    int
}

// New creates a new Engine. Without WithBudgetSyncer every sync reports a
// *ConfigurationError while ledger operations keep working.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:            s,
		catalog:          catalog.Default(),
		plugins:          plugin.NewRegistry(),
		logger:           slog.Default(),
		stopChan:         make(chan struct{}),
		recentEventLimit: 20,
		usageCacheTTL:    15 * time.Second,
		reconcileBatch:   50,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.usage == nil && e.usageCacheTTL > 0 {
		e.usage = usagecache.NewMemory()
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithCatalog replaces the default plan catalog.
func WithCatalog(c *catalog.Catalog) Option {
	return func(e *Engine) {
		if c != nil {
			e.catalog = c
		}
	}
}

// WithBudgetSyncer sets the gateway client.
func WithBudgetSyncer(s BudgetSyncer) Option {
	return func(e *Engine) {
		e.syncer = s
	}
}

// WithUsageCache sets the usage snapshot cache.
func WithUsageCache(c usagecache.Cache) Option {
	return func(e *Engine) {
		e.usage = c
	}
}

// WithUsageCacheTTL sets how long usage readbacks are reused. Zero disables
// caching.
func WithUsageCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.usageCacheTTL = ttl
	}
}

// WithRecentEventLimit sets how many events a dashboard snapshot carries.
func WithRecentEventLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.recentEventLimit = n
		}
	}
}

// WithReconcileInterval enables the background sweep that retries failed
// budget syncs. Zero disables it.
func WithReconcileInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.reconcileInterval = d
	}
}

// WithReconcileBatch caps how many pending syncs one sweep retries.
func WithReconcileBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.reconcileBatch = n
		}
	}
}

// Catalog returns the plan catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// SyncConfigured reports whether a budget syncer is wired.
func (e *Engine) SyncConfigured() bool { return e.syncer != nil }

// Ping checks the store.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// Start migrates the store and begins background workers.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	e.plugins.EmitInit(ctx, e)

	if e.reconcileInterval > 0 {
		e.wg.Add(1)
		go e.reconcileWorker(ctx)
	}

	e.logger.Info("credits engine started",
		"plans", e.catalog.Len(),
		"sync_configured", e.SyncConfigured(),
		"usage_cache_ttl", e.usageCacheTTL,
		"reconcile_interval", e.reconcileInterval,
	)

	return nil
}

// Stop shuts down background workers and closes the store.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()

	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// reconcileWorker retries pending budget syncs on every tick.
func (e *Engine) reconcileWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Reconcile(ctx); err != nil {
				e.logger.Error("budget reconcile sweep failed",
					"error", err,
				)
			}
		}
	}
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
