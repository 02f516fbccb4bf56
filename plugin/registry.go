package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/credits/budget"
	"github.com/xraph/credits/ledger"
)

// hookTimeout bounds a single plugin callback.
const hookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery so emission never type-asserts.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger

	// Type-cached plugin lists for efficient dispatch
	onInit             []OnInit
	onShutdown         []OnShutdown
	onUserUpserted     []OnUserUpserted
	onPurchaseRecorded []OnPurchaseRecorded
	onTopUpRecorded    []OnTopUpRecorded
	onBudgetSynced     []OnBudgetSynced
	onBudgetSyncFailed []OnBudgetSyncFailed
	onUsageRefreshed   []OnUsageRefreshed
	onReconcileSwept   []OnReconcileSwept
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnUserUpserted); ok {
		r.onUserUpserted = append(r.onUserUpserted, v)
	}
	if v, ok := p.(OnPurchaseRecorded); ok {
		r.onPurchaseRecorded = append(r.onPurchaseRecorded, v)
	}
	if v, ok := p.(OnTopUpRecorded); ok {
		r.onTopUpRecorded = append(r.onTopUpRecorded, v)
	}
	if v, ok := p.(OnBudgetSynced); ok {
		r.onBudgetSynced = append(r.onBudgetSynced, v)
	}
	if v, ok := p.(OnBudgetSyncFailed); ok {
		r.onBudgetSyncFailed = append(r.onBudgetSyncFailed, v)
	}
	if v, ok := p.(OnUsageRefreshed); ok {
		r.onUsageRefreshed = append(r.onUsageRefreshed, v)
	}
	if v, ok := p.(OnReconcileSwept); ok {
		r.onReconcileSwept = append(r.onReconcileSwept, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	typ  reflect.Type
	name string
}{
	{reflect.TypeOf((*OnInit)(nil)).Elem(), "OnInit"},
	{reflect.TypeOf((*OnShutdown)(nil)).Elem(), "OnShutdown"},
	{reflect.TypeOf((*OnUserUpserted)(nil)).Elem(), "OnUserUpserted"},
	{reflect.TypeOf((*OnPurchaseRecorded)(nil)).Elem(), "OnPurchaseRecorded"},
	{reflect.TypeOf((*OnTopUpRecorded)(nil)).Elem(), "OnTopUpRecorded"},
	{reflect.TypeOf((*OnBudgetSynced)(nil)).Elem(), "OnBudgetSynced"},
	{reflect.TypeOf((*OnBudgetSyncFailed)(nil)).Elem(), "OnBudgetSyncFailed"},
	{reflect.TypeOf((*OnUsageRefreshed)(nil)).Elem(), "OnUsageRefreshed"},
	{reflect.TypeOf((*OnReconcileSwept)(nil)).Elem(), "OnReconcileSwept"},
}

// implementedInterfaces returns the hook names p implements.
func implementedInterfaces(p Plugin) []string {
	var names []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// dispatch runs call for every plugin in hooks and logs failures.
func dispatch[T Plugin](ctx context.Context, r *Registry, hook string, hooks []T, call func(T) error) {
	for _, p := range hooks {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return call(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	dispatch(ctx, r, "OnInit", plugins, func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	dispatch(ctx, r, "OnShutdown", plugins, func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitUserUpserted emits a user upserted event.
func (r *Registry) EmitUserUpserted(ctx context.Context, bal *ledger.Balance) {
	r.mu.RLock()
	plugins := r.onUserUpserted
	r.mu.RUnlock()

	dispatch(ctx, r, "OnUserUpserted", plugins, func(p OnUserUpserted) error {
		return p.OnUserUpserted(ctx, bal)
	})
}

// EmitPurchaseRecorded emits a purchase recorded event.
func (r *Registry) EmitPurchaseRecorded(ctx context.Context, bal *ledger.Balance, ev *ledger.Event) {
	r.mu.RLock()
	plugins := r.onPurchaseRecorded
	r.mu.RUnlock()

	dispatch(ctx, r, "OnPurchaseRecorded", plugins, func(p OnPurchaseRecorded) error {
		return p.OnPurchaseRecorded(ctx, bal, ev)
	})
}

// EmitTopUpRecorded emits a top-up recorded event.
func (r *Registry) EmitTopUpRecorded(ctx context.Context, bal *ledger.Balance, ev *ledger.Event) {
	r.mu.RLock()
	plugins := r.onTopUpRecorded
	r.mu.RUnlock()

	dispatch(ctx, r, "OnTopUpRecorded", plugins, func(p OnTopUpRecorded) error {
		return p.OnTopUpRecorded(ctx, bal, ev)
	})
}

// EmitBudgetSynced emits a budget synced event.
func (r *Registry) EmitBudgetSynced(ctx context.Context, res *budget.SyncResult) {
	r.mu.RLock()
	plugins := r.onBudgetSynced
	r.mu.RUnlock()

	dispatch(ctx, r, "OnBudgetSynced", plugins, func(p OnBudgetSynced) error {
		return p.OnBudgetSynced(ctx, res)
	})
}

// EmitBudgetSyncFailed emits a budget sync failed event.
func (r *Registry) EmitBudgetSyncFailed(ctx context.Context, email string, syncErr error) {
	r.mu.RLock()
	plugins := r.onBudgetSyncFailed
	r.mu.RUnlock()

	dispatch(ctx, r, "OnBudgetSyncFailed", plugins, func(p OnBudgetSyncFailed) error {
		return p.OnBudgetSyncFailed(ctx, email, syncErr)
	})
}

// EmitUsageRefreshed emits a usage refreshed event.
func (r *Registry) EmitUsageRefreshed(ctx context.Context, usage *budget.Usage) {
	r.mu.RLock()
	plugins := r.onUsageRefreshed
	r.mu.RUnlock()

	dispatch(ctx, r, "OnUsageRefreshed", plugins, func(p OnUsageRefreshed) error {
		return p.OnUsageRefreshed(ctx, usage)
	})
}

// EmitReconcileSwept emits a reconcile swept event.
func (r *Registry) EmitReconcileSwept(ctx context.Context, attempted, succeeded int, elapsed time.Duration) {
	r.mu.RLock()
	plugins := r.onReconcileSwept
	r.mu.RUnlock()

	dispatch(ctx, r, "OnReconcileSwept", plugins, func(p OnReconcileSwept) error {
		return p.OnReconcileSwept(ctx, attempted, succeeded, elapsed)
	})
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block a ledger write or a sync.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(hookTimeout):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
