package ledger

import (
	"context"

	"github.com/xraph/credits/types"
)

// Store persists balances and their events.
//
// ApplyGrant upserts the balance for ev.Email and appends ev as one
// indivisible unit. A new balance starts with Available, Lifetime and
// BudgetCeiling equal to ev.Credits; an existing one has all three
// incremented by ev.Credits. The tier is overwritten only when
// ev.SetsTier(). Concurrent grants for one email must all land.
type Store interface {
	UpsertUser(ctx context.Context, ident Identity) (*Balance, error)
	GetBalance(ctx context.Context, email string) (*Balance, error)
	ApplyGrant(ctx context.Context, ev *Event) (*Balance, error)
	ListRecentEvents(ctx context.Context, email string, limit int) ([]*Event, error)
	SetMonthlySpend(ctx context.Context, email string, spend types.Money) error
}
