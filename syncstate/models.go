// Package syncstate records the outcome of each gateway budget sync so
// failed syncs can be swept and retried.
package syncstate

import (
	"time"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

type State struct {
	Email          string           `json:"email"`
	LastAttemptID  id.SyncAttemptID `json:"last_attempt_id"`
	Pending        bool             `json:"pending"`
	Attempts       int              `json:"attempts"`
	LastAttemptAt  time.Time        `json:"last_attempt_at"`
	LastSuccessAt  *time.Time       `json:"last_success_at,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	LastCeiling    types.Money      `json:"last_ceiling"`
	BudgetAction   string           `json:"budget_action,omitempty"`
	CustomerAction string           `json:"customer_action,omitempty"`
	CacheFlushed   bool             `json:"cache_flushed"`
}
