// Package plugin provides an extensible plugin system for credits.
// Plugins can hook into ledger and budget sync events to extend
// functionality.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/credits/budget"
	"github.com/xraph/credits/ledger"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *credits.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnUserUpserted is called after a login touched the balance record.
type OnUserUpserted interface {
	Plugin
	OnUserUpserted(ctx context.Context, bal *ledger.Balance) error
}

// OnPurchaseRecorded is called after a plan purchase was committed.
type OnPurchaseRecorded interface {
	Plugin
	OnPurchaseRecorded(ctx context.Context, bal *ledger.Balance, ev *ledger.Event) error
}

// OnTopUpRecorded is called after a manual top-up was committed.
type OnTopUpRecorded interface {
	Plugin
	OnTopUpRecorded(ctx context.Context, bal *ledger.Balance, ev *ledger.Event) error
}

// ──────────────────────────────────────────────────
// Budget sync hooks
// ──────────────────────────────────────────────────

// OnBudgetSynced is called after the gateway accepted a credit limit.
type OnBudgetSynced interface {
	Plugin
	OnBudgetSynced(ctx context.Context, res *budget.SyncResult) error
}

// OnBudgetSyncFailed is called when pushing a credit limit failed.
type OnBudgetSyncFailed interface {
	Plugin
	OnBudgetSyncFailed(ctx context.Context, email string, syncErr error) error
}

// OnUsageRefreshed is called after usage was read back from the gateway.
type OnUsageRefreshed interface {
	Plugin
	OnUsageRefreshed(ctx context.Context, usage *budget.Usage) error
}

// OnReconcileSwept is called after each reconcile pass.
type OnReconcileSwept interface {
	Plugin
	OnReconcileSwept(ctx context.Context, attempted, succeeded int, elapsed time.Duration) error
}
