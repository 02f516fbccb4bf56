package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/credits/budget"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/ledger"
	"github.com/xraph/credits/syncstate"
	"github.com/xraph/credits/types"
)

// PurchaseOutcome is the result of a purchase followed by a budget sync.
// The purchase is committed even when SyncErr is set.
type PurchaseOutcome struct {
	Balance *ledger.Balance    `json:"balance"`
	Event   *ledger.Event      `json:"event"`
	Sync    *budget.SyncResult `json:"sync,omitempty"`
	SyncErr error              `json:"-"`
}

// Synced reports whether the gateway accepted the new ceiling.
func (o *PurchaseOutcome) Synced() bool {
	return o.SyncErr == nil && o.Sync != nil
}

// Retryable reports whether retrying only the sync step may succeed.
func (o *PurchaseOutcome) Retryable() bool {
	return o.SyncErr != nil && IsRetryable(o.SyncErr)
}

// UsageView merges the local dashboard snapshot with the gateway's usage.
// When the gateway cannot be reached UsageAvailable is false and the local
// values stand alone.
type UsageView struct {
	Snapshot       *Snapshot     `json:"snapshot"`
	BudgetID       string        `json:"budget_id"`
	Usage          *budget.Usage `json:"usage,omitempty"`
	UsageAvailable bool          `json:"usage_available"`
	UsageError     string        `json:"usage_error,omitempty"`
}

// ReconcileReport summarizes one sweep over pending syncs.
type ReconcileReport struct {
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    []string      `json:"failed,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// ──────────────────────────────────────────────────
// Budget sync
// ──────────────────────────────────────────────────

// SyncAfterPurchase records the purchase, then pushes the new cumulative
// ceiling to the gateway. It returns an error only when the ledger step
// fails; a failed sync is reported on the outcome.
func (e *Engine) SyncAfterPurchase(ctx context.Context, email, planID string) (*PurchaseOutcome, error) {
	bal, ev, err := e.RecordPurchase(ctx, email, planID)
	if err != nil {
		return nil, err
	}

	out := &PurchaseOutcome{Balance: bal, Event: ev}
	out.Sync, out.SyncErr = e.pushLimit(ctx, bal.Email, bal)
	return out, nil
}

// SyncLimit pushes the committed ceiling of email to the gateway without
// touching the ledger. It returns ErrNoRecord for unknown users.
func (e *Engine) SyncLimit(ctx context.Context, email string) (*budget.SyncResult, error) {
	email, err := normalize(email)
	if err != nil {
		return nil, err
	}
	return e.pushLimit(ctx, email, nil)
}

// maxPushRounds bounds how often one sync chases a ceiling that keeps
// growing underneath it.
const maxPushRounds = 3

// pushLimit pushes the latest committed ceiling of email. Pushes for one
// email are serialized and the ceiling is read under the lock, so the last
// push always carries the newest value. committed is used when the re-read
// fails.
func (e *Engine) pushLimit(ctx context.Context, email string, committed *ledger.Balance) (*budget.SyncResult, error) {
	unlock := e.pushLocks.Lock(email)
	defer unlock()

	bal, err := e.store.GetBalance(ctx, email)
	switch {
	case err == nil:
	case errors.Is(err, ErrBalanceNotFound):
		return nil, ErrNoRecord
	case committed != nil:
		e.logger.Debug("balance re-read failed, pushing committed ceiling",
			"email", email,
			"error", err,
		)
		bal = committed
	default:
		return nil, err
	}

	for round := 1; ; round++ {
		res, err := e.pushCeiling(ctx, bal)
		if err != nil {
			return nil, err
		}

		latest, err := e.store.GetBalance(ctx, email)
		if err != nil || latest.BudgetCeiling.Amount <= bal.BudgetCeiling.Amount {
			return res, nil
		}
		if round == maxPushRounds {
			err := fmt.Errorf("%w: pushed %s, now %s", ErrCeilingMoved, bal.BudgetCeiling, latest.BudgetCeiling)
			e.syncFailed(ctx, latest, id.NewSyncAttemptID(), err)
			return nil, err
		}
		bal = latest
	}
}

// pushCeiling sends the absolute ceiling of bal and records the attempt.
func (e *Engine) pushCeiling(ctx context.Context, bal *ledger.Balance) (*budget.SyncResult, error) {
	attempt := id.NewSyncAttemptID()

	if e.syncer == nil {
		err := &ConfigurationError{Setting: "budget syncer"}
		e.syncFailed(ctx, bal, attempt, err)
		return nil, err
	}

	res, err := e.syncer.UpsertCreditLimit(ctx, bal.Email, bal.BudgetCeiling.Major())
	if err != nil {
		e.syncFailed(ctx, bal, attempt, err)
		return nil, err
	}

	e.saveSyncState(ctx, bal, attempt, res, nil)
	if e.usage != nil {
		_ = e.usage.Delete(ctx, bal.Email) //nolint:errcheck // best-effort cache invalidation
	}
	e.plugins.EmitBudgetSynced(ctx, res)
	return res, nil
}

func (e *Engine) syncFailed(ctx context.Context, bal *ledger.Balance, attempt id.SyncAttemptID, err error) {
	e.saveSyncState(ctx, bal, attempt, nil, err)
	e.logger.Warn("budget sync failed",
		"email", bal.Email,
		"attempt", attempt.String(),
		"ceiling", bal.BudgetCeiling.String(),
		"retryable", IsRetryable(err),
		"error", err,
	)
	e.plugins.EmitBudgetSyncFailed(ctx, bal.Email, err)
}

// saveSyncState records one attempt. The store keeps the attempt counter
// and the last success time.
func (e *Engine) saveSyncState(ctx context.Context, bal *ledger.Balance, attempt id.SyncAttemptID, res *budget.SyncResult, syncErr error) {
	now := time.Now().UTC()
	st := &syncstate.State{
		Email:         bal.Email,
		LastAttemptID: attempt,
		Attempts:      1,
		LastAttemptAt: now,
		LastCeiling:   bal.BudgetCeiling,
	}

	if syncErr != nil {
		st.Pending = true
		st.LastError = syncErr.Error()
	} else {
		st.LastSuccessAt = &now
		st.BudgetAction = string(res.Budget)
		st.CustomerAction = string(res.CustomerBinding)
		st.CacheFlushed = res.CacheFlushed
	}

	if err := e.store.SaveSyncState(ctx, st); err != nil {
		e.logger.Warn("failed to save sync state",
			"email", bal.Email,
			"error", err,
		)
	}
}

// SyncState returns the bookkeeping of the last sync for email.
func (e *Engine) SyncState(ctx context.Context, email string) (*syncstate.State, error) {
	email, err := normalize(email)
	if err != nil {
		return nil, err
	}
	return e.store.GetSyncState(ctx, email)
}

// ──────────────────────────────────────────────────
// Usage readback
// ──────────────────────────────────────────────────

// RefreshUsage reads the gateway's usage for email, writes the reported
// spend back to the ledger and returns it merged with the local snapshot.
// Gateway failures degrade the view instead of failing the call.
func (e *Engine) RefreshUsage(ctx context.Context, email string) (*UsageView, error) {
	email, err := normalize(email)
	if err != nil {
		return nil, err
	}

	view := &UsageView{BudgetID: budget.DeriveID(email)}

	usage, err := e.fetchUsage(ctx, email)
	if err != nil {
		view.UsageError = err.Error()
		e.logger.Warn("usage readback unavailable",
			"email", email,
			"error", err,
		)
	} else {
		view.Usage = usage
		view.UsageAvailable = true
		e.writeBackSpend(ctx, email, usage)
		e.plugins.EmitUsageRefreshed(ctx, usage)
	}

	snap, err := e.DashboardSnapshot(ctx, email)
	if err != nil {
		return nil, err
	}
	view.Snapshot = snap

	return view, nil
}

// usageFetchTimeout bounds one shared gateway usage read.
const usageFetchTimeout = 30 * time.Second

func (e *Engine) fetchUsage(ctx context.Context, email string) (*budget.Usage, error) {
	if e.syncer == nil {
		return nil, &ConfigurationError{Setting: "budget syncer"}
	}

	if e.usage != nil {
		cached, ok, err := e.usage.Get(ctx, email)
		if err != nil {
			e.logger.Debug("usage cache read failed", "email", email, "error", err)
		} else if ok {
			return cached, nil
		}
	}

	// Detached from ctx: the fetch is shared by every waiter.
	ch := e.usageGroup.DoChan(email, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageFetchTimeout)
		defer cancel()

		u, err := e.syncer.FetchUsage(fetchCtx, email)
		if err != nil {
			return nil, err
		}
		if e.usage != nil {
			_ = e.usage.Set(fetchCtx, email, u, e.usageCacheTTL) //nolint:errcheck // best-effort cache fill
		}
		return u, nil
	})

	var v any
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		v = r.Val
	}

	u := *v.(*budget.Usage) //nolint:forcetypeassert // the group only stores *budget.Usage
	return &u, nil
}

func (e *Engine) writeBackSpend(ctx context.Context, email string, usage *budget.Usage) {
	spend, err := types.ParseUSD(usage.Spend)
	if err != nil || spend.IsNegative() {
		return
	}
	err = e.RecordSpend(ctx, email, spend)
	if err != nil && !errors.Is(err, ErrNoRecord) {
		e.logger.Warn("failed to record gateway spend",
			"email", email,
			"error", err,
		)
	}
}

// ──────────────────────────────────────────────────
// Reconciliation
// ──────────────────────────────────────────────────

// Reconcile retries the sync of every pending user, oldest first, up to
// the configured batch size.
func (e *Engine) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	start := time.Now()

	pending, err := e.store.ListPendingSync(ctx, e.reconcileBatch)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	for _, st := range pending {
		if ctx.Err() != nil {
			break
		}
		report.Attempted++
		if _, err := e.SyncLimit(ctx, st.Email); err != nil {
			report.Failed = append(report.Failed, st.Email)
			continue
		}
		report.Succeeded++
	}
	report.Elapsed = time.Since(start)

	if report.Attempted > 0 {
		e.logger.Info("budget reconcile sweep",
			"attempted", report.Attempted,
			"succeeded", report.Succeeded,
			"elapsed_ms", report.Elapsed.Milliseconds(),
		)
	}
	e.plugins.EmitReconcileSwept(ctx, report.Attempted, report.Succeeded, report.Elapsed)

	return report, ctx.Err()
}
