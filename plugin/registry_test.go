package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/credits/budget"
	"github.com/xraph/credits/ledger"
)

type recorder struct {
	name string

	mu        sync.Mutex
	purchases int
	synced    []string
	failed    []string
	sweeps    int
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) OnPurchaseRecorded(_ context.Context, _ *ledger.Balance, _ *ledger.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purchases++
	return nil
}

func (r *recorder) OnBudgetSynced(_ context.Context, res *budget.SyncResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = append(r.synced, res.Customer)
	return nil
}

func (r *recorder) OnBudgetSyncFailed(_ context.Context, email string, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, email)
	return errors.New("hook errors are logged, not returned")
}

type sweeper struct{ done chan struct{} }

func (s *sweeper) Name() string { return "sweeper" }

func (s *sweeper) OnReconcileSwept(_ context.Context, _, _ int, _ time.Duration) error {
	close(s.done)
	return nil
}

type slow struct{}

func (slow) Name() string { return "slow" }

func (slow) OnUsageRefreshed(ctx context.Context, _ *budget.Usage) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&recorder{name: "audit"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&recorder{name: "audit"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if r.Count() != 1 {
		t.Errorf("Count: got %d, want 1", r.Count())
	}
	if r.Get("audit") == nil {
		t.Error("Get returned nil for a registered plugin")
	}
	if r.Get("missing") != nil {
		t.Error("Get returned a plugin for an unknown name")
	}
}

func TestEmitDispatchesToImplementers(t *testing.T) {
	r := NewRegistry()
	rec := &recorder{name: "rec"}
	sw := &sweeper{done: make(chan struct{})}
	for _, p := range []Plugin{rec, sw} {
		if err := r.Register(p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	ctx := context.Background()
	r.EmitPurchaseRecorded(ctx, &ledger.Balance{Email: "a@example.com"}, &ledger.Event{})
	r.EmitPurchaseRecorded(ctx, &ledger.Balance{Email: "a@example.com"}, &ledger.Event{})
	r.EmitBudgetSynced(ctx, &budget.SyncResult{Customer: "a@example.com"})
	r.EmitBudgetSyncFailed(ctx, "b@example.com", errors.New("down"))
	r.EmitReconcileSwept(ctx, 1, 1, time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.purchases != 2 {
		t.Errorf("purchases: got %d, want 2", rec.purchases)
	}
	if len(rec.synced) != 1 || rec.synced[0] != "a@example.com" {
		t.Errorf("synced: got %v", rec.synced)
	}
	if len(rec.failed) != 1 || rec.failed[0] != "b@example.com" {
		t.Errorf("failed: got %v", rec.failed)
	}

	select {
	case <-sw.done:
	default:
		t.Error("sweeper hook was not called")
	}
}

func TestEmitHonorsContextCancel(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(slow{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	r.EmitUsageRefreshed(ctx, &budget.Usage{})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("emit blocked for %s", elapsed)
	}
}

func TestImplementedInterfaces(t *testing.T) {
	got := implementedInterfaces(&recorder{name: "rec"})
	want := []string{"OnPurchaseRecorded", "OnBudgetSynced", "OnBudgetSyncFailed"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d]: got %s, want %s", i, got[i], want[i])
		}
	}
}
