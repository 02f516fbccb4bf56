// Package ledger defines the user balance record, the append-only credit
// event and the store contract that applies both atomically.
package ledger

import (
	"strings"
	"time"

	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

// NormalizeEmail lowercases and trims an email. Balances are keyed by the result.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Identity is the authenticated user as reported by the identity provider.
type Identity struct {
	Email       string `json:"email"`
	Subject     string `json:"subject,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

type Balance struct {
	types.Entity
	Email         string       `json:"email"`
	Subject       string       `json:"subject,omitempty"`
	DisplayName   string       `json:"display_name,omitempty"`
	Tier          catalog.Tier `json:"tier"`
	Available     types.Money  `json:"available"`
	Lifetime      types.Money  `json:"lifetime"`
	BudgetCeiling types.Money  `json:"budget_ceiling"`
	MonthlySpend  types.Money  `json:"monthly_spend"`
}

// Remaining is max(BudgetCeiling - MonthlySpend, 0).
func (b *Balance) Remaining() types.Money {
	return b.BudgetCeiling.Subtract(b.MonthlySpend).ClampZero()
}

// Clone returns a copy safe to hand to callers.
func (b *Balance) Clone() *Balance {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

type Kind string

const (
	KindPlanPurchase Kind = "plan_purchase"
	KindManualTopUp  Kind = "manual_top_up"
)

// Event is an immutable ledger entry. Charged is what the user paid;
// Credits is what the balance grew by.
type Event struct {
	ID        id.CreditEventID `json:"id"`
	Email     string           `json:"email"`
	Kind      Kind             `json:"kind"`
	Charged   types.Money      `json:"charged"`
	Credits   types.Money      `json:"credits"`
	Tier      catalog.Tier     `json:"tier"`
	Note      string           `json:"note"`
	CreatedAt time.Time        `json:"created_at"`
}

// SetsTier reports whether applying the event overwrites the balance tier.
func (e *Event) SetsTier() bool {
	return e.Kind == KindPlanPurchase && e.Tier != catalog.TierNone && e.Tier != ""
}
