package observability

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xraph/credits/budget"
	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/ledger"
	"github.com/xraph/credits/types"
)

func newExtension(t *testing.T) (*MetricsExtension, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetricsExtension(NewPrometheusFactory(reg, "")), reg
}

func counterValue(t *testing.T, c Counter) float64 {
	t.Helper()
	pc, ok := c.(prometheus.Counter)
	if !ok {
		t.Fatalf("counter %T is not a prometheus.Counter", c)
	}
	return testutil.ToFloat64(pc)
}

func TestLedgerHooksCount(t *testing.T) {
	m, _ := newExtension(t)
	ctx := context.Background()

	purchase := &ledger.Event{
		Kind:    ledger.KindPlanPurchase,
		Charged: types.USD(5000),
		Credits: types.USD(5000),
		Tier:    catalog.TierGrowth,
	}
	topUp := &ledger.Event{Kind: ledger.KindManualTopUp, Credits: types.USD(400)}

	if err := m.OnPurchaseRecorded(ctx, &ledger.Balance{}, purchase); err != nil {
		t.Fatalf("OnPurchaseRecorded: %v", err)
	}
	if err := m.OnTopUpRecorded(ctx, &ledger.Balance{}, topUp); err != nil {
		t.Fatalf("OnTopUpRecorded: %v", err)
	}
	if err := m.OnUserUpserted(ctx, &ledger.Balance{}); err != nil {
		t.Fatalf("OnUserUpserted: %v", err)
	}

	if got := counterValue(t, m.PurchasesRecorded); got != 1 {
		t.Errorf("purchases = %v, want 1", got)
	}
	if got := counterValue(t, m.TopUpsRecorded); got != 1 {
		t.Errorf("top-ups = %v, want 1", got)
	}
	if got := counterValue(t, m.CreditsGrantedUSD); got != 54 {
		t.Errorf("granted usd = %v, want 54", got)
	}
	if got := counterValue(t, m.UsersUpserted); got != 1 {
		t.Errorf("users = %v, want 1", got)
	}
}

func TestSyncHooksCount(t *testing.T) {
	m, _ := newExtension(t)
	ctx := context.Background()

	_ = m.OnBudgetSynced(ctx, &budget.SyncResult{LimitUSD: 10, CacheFlushed: true})
	_ = m.OnBudgetSynced(ctx, &budget.SyncResult{LimitUSD: 60})
	_ = m.OnBudgetSyncFailed(ctx, "ada@example.com", errors.New("boom"))
	_ = m.OnUsageRefreshed(ctx, &budget.Usage{Spend: 2.5, Blocked: true})
	_ = m.OnReconcileSwept(ctx, 3, 2, 40*time.Millisecond)

	tests := []struct {
		name string
		c    Counter
		want float64
	}{
		{"sync success", m.SyncSuccess, 2},
		{"sync failure", m.SyncFailure, 1},
		{"cache flush failure", m.CacheFlushFailure, 1},
		{"usage refreshed", m.UsageRefreshed, 1},
		{"usage blocked", m.UsageBlocked, 1},
		{"reconcile runs", m.ReconcileRuns, 1},
		{"reconcile attempted", m.ReconcileAttempted, 3},
		{"reconcile succeeded", m.ReconcileSucceeded, 2},
	}
	for _, tt := range tests {
		if got := counterValue(t, tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFactoryReusesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := NewPrometheusFactory(reg, "portal")

	a := f.Counter("credits.sync.success")
	b := f.Counter("credits.sync.success")
	a.Inc()
	b.Inc()
	if got := counterValue(t, a); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}

	// A second factory on the same registry resolves to the registered collector.
	other := NewPrometheusFactory(reg, "portal").Counter("credits.sync.success")
	other.Inc()
	if got := counterValue(t, a); got != 3 {
		t.Fatalf("counter after second factory = %v, want 3", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m, reg := newExtension(t)
	_ = m.OnBudgetSyncFailed(context.Background(), "ada@example.com", errors.New("boom"))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "credits_sync_failure_total 1") {
		t.Fatalf("metrics output missing sync failure counter:\n%s", body)
	}
}

func TestMetricName(t *testing.T) {
	tests := map[string]string{
		"credits.sync.success":             "credits_sync_success",
		"credits.sync.cache_flush.failure": "credits_sync_cache_flush_failure",
		"credits.reconcile.latency-ms":     "credits_reconcile_latency_ms",
	}
	for in, want := range tests {
		if got := metricName(in); got != want {
			t.Errorf("metricName(%q) = %q, want %q", in, got, want)
		}
	}
}
