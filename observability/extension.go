// Package observability provides a metrics plugin for credits that records
// lifecycle event counts through a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/credits/budget"
	"github.com/xraph/credits/ledger"
	"github.com/xraph/credits/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin             = (*MetricsExtension)(nil)
	_ plugin.OnInit             = (*MetricsExtension)(nil)
	_ plugin.OnUserUpserted     = (*MetricsExtension)(nil)
	_ plugin.OnPurchaseRecorded = (*MetricsExtension)(nil)
	_ plugin.OnTopUpRecorded    = (*MetricsExtension)(nil)
	_ plugin.OnBudgetSynced     = (*MetricsExtension)(nil)
	_ plugin.OnBudgetSyncFailed = (*MetricsExtension)(nil)
	_ plugin.OnUsageRefreshed   = (*MetricsExtension)(nil)
	_ plugin.OnReconcileSwept   = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records credits lifecycle metrics.
// Register it as an engine plugin to track purchases and gateway syncs.
type MetricsExtension struct {
	factory MetricFactory

	// Ledger metrics
	UsersUpserted     Counter
	PurchasesRecorded Counter
	TopUpsRecorded    Counter
	CreditsGrantedUSD Counter
	PurchaseAmountUSD Histogram

	// Budget sync metrics
	SyncSuccess       Counter
	SyncFailure       Counter
	CacheFlushFailure Counter
	SyncedLimitUSD    Histogram

	// Usage metrics
	UsageRefreshed Counter
	UsageBlocked   Counter
	UsageSpendUSD  Histogram

	// Reconcile metrics
	ReconcileRuns      Counter
	ReconcileAttempted Counter
	ReconcileSucceeded Counter
	ReconcileLatency   Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		UsersUpserted:     factory.Counter("credits.user.upserted"),
		PurchasesRecorded: factory.Counter("credits.purchase.recorded"),
		TopUpsRecorded:    factory.Counter("credits.topup.recorded"),
		CreditsGrantedUSD: factory.Counter("credits.granted.usd"),
		PurchaseAmountUSD: factory.Histogram("credits.purchase.amount_usd"),

		SyncSuccess:       factory.Counter("credits.sync.success"),
		SyncFailure:       factory.Counter("credits.sync.failure"),
		CacheFlushFailure: factory.Counter("credits.sync.cache_flush.failure"),
		SyncedLimitUSD:    factory.Histogram("credits.sync.limit_usd"),

		UsageRefreshed: factory.Counter("credits.usage.refreshed"),
		UsageBlocked:   factory.Counter("credits.usage.blocked"),
		UsageSpendUSD:  factory.Histogram("credits.usage.spend_usd"),

		ReconcileRuns:      factory.Counter("credits.reconcile.runs"),
		ReconcileAttempted: factory.Counter("credits.reconcile.attempted"),
		ReconcileSucceeded: factory.Counter("credits.reconcile.succeeded"),
		ReconcileLatency:   factory.Histogram("credits.reconcile.latency_ms"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// OnUserUpserted implements plugin.OnUserUpserted.
func (m *MetricsExtension) OnUserUpserted(_ context.Context, _ *ledger.Balance) error {
	m.UsersUpserted.Inc()
	return nil
}

// OnPurchaseRecorded implements plugin.OnPurchaseRecorded.
func (m *MetricsExtension) OnPurchaseRecorded(_ context.Context, _ *ledger.Balance, ev *ledger.Event) error {
	m.PurchasesRecorded.Inc()
	m.CreditsGrantedUSD.Add(ev.Credits.Major())
	m.PurchaseAmountUSD.Observe(ev.Charged.Major())
	return nil
}

// OnTopUpRecorded implements plugin.OnTopUpRecorded.
func (m *MetricsExtension) OnTopUpRecorded(_ context.Context, _ *ledger.Balance, ev *ledger.Event) error {
	m.TopUpsRecorded.Inc()
	m.CreditsGrantedUSD.Add(ev.Credits.Major())
	return nil
}

// OnBudgetSynced implements plugin.OnBudgetSynced.
func (m *MetricsExtension) OnBudgetSynced(_ context.Context, res *budget.SyncResult) error {
	m.SyncSuccess.Inc()
	m.SyncedLimitUSD.Observe(res.LimitUSD)
	if !res.CacheFlushed {
		m.CacheFlushFailure.Inc()
	}
	return nil
}

// OnBudgetSyncFailed implements plugin.OnBudgetSyncFailed.
func (m *MetricsExtension) OnBudgetSyncFailed(_ context.Context, _ string, _ error) error {
	m.SyncFailure.Inc()
	return nil
}

// OnUsageRefreshed implements plugin.OnUsageRefreshed.
func (m *MetricsExtension) OnUsageRefreshed(_ context.Context, usage *budget.Usage) error {
	m.UsageRefreshed.Inc()
	m.UsageSpendUSD.Observe(usage.Spend)
	if usage.Blocked {
		m.UsageBlocked.Inc()
	}
	return nil
}

// OnReconcileSwept implements plugin.OnReconcileSwept.
func (m *MetricsExtension) OnReconcileSwept(_ context.Context, attempted, succeeded int, elapsed time.Duration) error {
	m.ReconcileRuns.Inc()
	m.ReconcileAttempted.Add(float64(attempted))
	m.ReconcileSucceeded.Add(float64(succeeded))
	m.ReconcileLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}
