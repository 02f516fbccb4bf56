// Package audithook bridges credits lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package stays independent of
// any audit store. Callers inject a RecorderFunc adapter at wiring time, or
// use SlogRecorder to write the trail to a structured logger.
package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/credits/budget"
	"github.com/xraph/credits/ledger"
	"github.com/xraph/credits/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin             = (*Extension)(nil)
	_ plugin.OnUserUpserted     = (*Extension)(nil)
	_ plugin.OnPurchaseRecorded = (*Extension)(nil)
	_ plugin.OnTopUpRecorded    = (*Extension)(nil)
	_ plugin.OnBudgetSynced     = (*Extension)(nil)
	_ plugin.OnBudgetSyncFailed = (*Extension)(nil)
	_ plugin.OnUsageRefreshed   = (*Extension)(nil)
	_ plugin.OnReconcileSwept   = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a single entry in the audit trail.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// SlogRecorder writes audit events to a logger at a level derived from
// their severity.
func SlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, ev *AuditEvent) error {
		level := slog.LevelInfo
		switch ev.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityError, SeverityCritical:
			level = slog.LevelError
		}
		logger.Log(ctx, level, "audit",
			"action", ev.Action,
			"resource", ev.Resource,
			"resource_id", ev.ResourceID,
			"category", ev.Category,
			"outcome", ev.Outcome,
			"reason", ev.Reason,
			"metadata", ev.Metadata,
		)
		return nil
	})
}

// Extension bridges credits lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnUserUpserted implements plugin.OnUserUpserted.
func (e *Extension) OnUserUpserted(ctx context.Context, bal *ledger.Balance) error {
	return e.record(ctx, ActionUserUpserted, SeverityInfo, OutcomeSuccess,
		ResourceBalance, bal.Email, CategoryAccess, nil,
		"tier", string(bal.Tier),
	)
}

// OnPurchaseRecorded implements plugin.OnPurchaseRecorded.
func (e *Extension) OnPurchaseRecorded(ctx context.Context, bal *ledger.Balance, ev *ledger.Event) error {
	return e.record(ctx, ActionPlanPurchased, SeverityInfo, OutcomeSuccess,
		ResourceBalance, bal.Email, CategoryBilling, nil,
		"event_id", ev.ID.String(),
		"tier", string(ev.Tier),
		"charged_cents", ev.Charged.Amount,
		"credits_cents", ev.Credits.Amount,
		"budget_ceiling_cents", bal.BudgetCeiling.Amount,
	)
}

// OnTopUpRecorded implements plugin.OnTopUpRecorded.
func (e *Extension) OnTopUpRecorded(ctx context.Context, bal *ledger.Balance, ev *ledger.Event) error {
	return e.record(ctx, ActionTopUpRecorded, SeverityInfo, OutcomeSuccess,
		ResourceBalance, bal.Email, CategoryBilling, nil,
		"event_id", ev.ID.String(),
		"credits_cents", ev.Credits.Amount,
		"budget_ceiling_cents", bal.BudgetCeiling.Amount,
	)
}

// ──────────────────────────────────────────────────
// Gateway hooks
// ──────────────────────────────────────────────────

// OnBudgetSynced implements plugin.OnBudgetSynced. A sync whose cache flush
// failed is recorded as a partial outcome.
func (e *Extension) OnBudgetSynced(ctx context.Context, res *budget.SyncResult) error {
	if err := e.record(ctx, ActionBudgetSynced, SeverityInfo, OutcomeSuccess,
		ResourceBudget, res.BudgetID, CategoryIntegration, nil,
		"customer", res.Customer,
		"limit_usd", res.LimitUSD,
		"budget", string(res.Budget),
		"customer_binding", string(res.CustomerBinding),
	); err != nil {
		return err
	}
	if res.CacheFlushed {
		return nil
	}

	var flushErr error
	if res.CacheFlushError != "" {
		flushErr = errors.New(res.CacheFlushError)
	}
	return e.record(ctx, ActionCacheFlushFailed, SeverityWarning, OutcomePartial,
		ResourceBudget, res.BudgetID, CategoryIntegration, flushErr,
		"customer", res.Customer,
		"status", res.CacheFlushStatus,
	)
}

// OnBudgetSyncFailed implements plugin.OnBudgetSyncFailed.
func (e *Extension) OnBudgetSyncFailed(ctx context.Context, email string, syncErr error) error {
	return e.record(ctx, ActionBudgetSyncFailed, SeverityError, OutcomeFailure,
		ResourceBudget, budget.DeriveID(email), CategoryIntegration, syncErr,
		"customer", email,
	)
}

// OnUsageRefreshed implements plugin.OnUsageRefreshed. Only blocked
// customers are audited.
func (e *Extension) OnUsageRefreshed(ctx context.Context, usage *budget.Usage) error {
	if !usage.Blocked {
		return nil
	}
	return e.record(ctx, ActionUsageBlocked, SeverityWarning, OutcomeSuccess,
		ResourceUsage, usage.BudgetID, CategoryIntegration, nil,
		"customer", usage.Customer,
		"spend_usd", usage.Spend,
	)
}

// OnReconcileSwept implements plugin.OnReconcileSwept.
func (e *Extension) OnReconcileSwept(ctx context.Context, attempted, succeeded int, elapsed time.Duration) error {
	if attempted == 0 {
		return nil
	}
	outcome := OutcomeSuccess
	severity := SeverityInfo
	switch {
	case succeeded == 0:
		outcome, severity = OutcomeFailure, SeverityWarning
	case succeeded < attempted:
		outcome = OutcomePartial
	}
	return e.record(ctx, ActionReconcileSwept, severity, outcome,
		ResourceReconcile, "", CategoryIntegration, nil,
		"attempted", attempted,
		"succeeded", succeeded,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
