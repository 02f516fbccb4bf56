// Package budget holds the gateway-facing budget types and the derivation
// of stable external budget identifiers.
package budget

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/xraph/credits/ledger"
)

// IDPrefix namespaces every derived budget identifier.
const IDPrefix = "portal-"

// idHexLen is the number of hex digest characters kept.
const idHexLen = 24

// DeriveID returns the external budget id for email. The email is
// normalized first, so case and surrounding whitespace do not matter.
func DeriveID(email string) string {
	sum := sha256.Sum256([]byte(ledger.NormalizeEmail(email)))
	return IDPrefix + hex.EncodeToString(sum[:])[:idHexLen]
}

// Action records which branch of a create-or-update probe succeeded.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
)

// SyncResult describes one completed credit-limit upsert.
type SyncResult struct {
	BudgetID         string    `json:"budget_id"`
	Customer         string    `json:"customer"`
	LimitUSD         float64   `json:"limit_usd"`
	Budget           Action    `json:"budget"`
	CustomerBinding  Action    `json:"customer_binding"`
	CacheFlushed     bool      `json:"cache_flushed"`
	CacheFlushStatus int       `json:"cache_flush_status,omitempty"`
	CacheFlushError  string    `json:"cache_flush_error,omitempty"`
	SyncedAt         time.Time `json:"synced_at"`
}

// Usage is the gateway's view of a customer. Ceiling and Remaining are nil
// when the gateway reports no budget.
type Usage struct {
	Customer  string    `json:"customer"`
	BudgetID  string    `json:"budget_id"`
	Spend     float64   `json:"spend"`
	Ceiling   *float64  `json:"ceiling"`
	Remaining *float64  `json:"remaining"`
	Blocked   bool      `json:"blocked"`
	FetchedAt time.Time `json:"fetched_at"`
}
