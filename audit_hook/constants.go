package audithook

// Action constants for audit events.
const (
	// Ledger actions
	ActionUserUpserted  = "user.upserted"
	ActionPlanPurchased = "plan.purchased"
	ActionTopUpRecorded = "topup.recorded"

	// Gateway actions
	ActionBudgetSynced     = "budget.synced"
	ActionBudgetSyncFailed = "budget.sync_failed"
	ActionCacheFlushFailed = "budget.cache_flush_failed"
	ActionUsageBlocked     = "usage.blocked"
	ActionReconcileSwept   = "reconcile.swept"
)

// Resource constants for audit events.
const (
	ResourceBalance   = "balance"
	ResourceBudget    = "budget"
	ResourceUsage     = "usage"
	ResourceReconcile = "reconcile"
)

// Category constants for audit events.
const (
	CategoryAccess      = "access"
	CategoryBilling     = "billing"
	CategoryIntegration = "integration"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
