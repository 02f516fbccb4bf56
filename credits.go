package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/ledger"
	"github.com/xraph/credits/types"
)

// MaxTopUp is the largest amount a single manual top-up may grant.
var MaxTopUp = types.USD(100_000_000)

// Snapshot is the dashboard view of one user.
type Snapshot struct {
	Balance   *ledger.Balance `json:"balance"`
	Events    []*ledger.Event `json:"events"`
	Remaining types.Money     `json:"remaining"`
	TierLabel string          `json:"tier_label"`
}

func normalize(email string) (string, error) {
	e := ledger.NormalizeEmail(email)
	if e == "" {
		return "", NewValidationError("email", "must not be empty")
	}
	return e, nil
}

// ──────────────────────────────────────────────────
// Users
// ──────────────────────────────────────────────────

// EnsureUser creates the balance record on first login with zero balances.
// Later calls refresh the subject and display name when provided.
func (e *Engine) EnsureUser(ctx context.Context, ident ledger.Identity) (*ledger.Balance, error) {
	email, err := normalize(ident.Email)
	if err != nil {
		return nil, err
	}
	ident.Email = email

	bal, err := e.store.UpsertUser(ctx, ident)
	if err != nil {
		return nil, err
	}

	e.plugins.EmitUserUpserted(ctx, bal)
	return bal, nil
}

// ──────────────────────────────────────────────────
// Grants
// ──────────────────────────────────────────────────

// RecordPurchase grants the credits of planID to email and appends a
// plan_purchase event, both in one atomic store operation.
func (e *Engine) RecordPurchase(ctx context.Context, email, planID string) (*ledger.Balance, *ledger.Event, error) {
	email, err := normalize(email)
	if err != nil {
		return nil, nil, err
	}

	p, ok := e.catalog.Find(planID)
	if !ok {
		return nil, nil, NewValidationError("plan", "unknown plan %q", planID)
	}

	ev := &ledger.Event{
		ID:        id.NewCreditEventID(),
		Email:     email,
		Kind:      ledger.KindPlanPurchase,
		Charged:   p.Price,
		Credits:   p.Credits,
		Tier:      p.Tier,
		Note:      fmt.Sprintf("%s tier credits purchase.", p.Name),
		CreatedAt: time.Now().UTC(),
	}

	bal, err := e.store.ApplyGrant(ctx, ev)
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("plan purchase recorded",
		"email", email,
		"plan", p.ID,
		"credits", p.Credits.String(),
		"available", bal.Available.String(),
	)
	e.plugins.EmitPurchaseRecorded(ctx, bal, ev)

	return bal, ev, nil
}

// RecordManualTopUp grants amount without changing the tier.
func (e *Engine) RecordManualTopUp(ctx context.Context, email string, amount types.Money) (*ledger.Balance, *ledger.Event, error) {
	email, err := normalize(email)
	if err != nil {
		return nil, nil, err
	}
	if !amount.IsPositive() {
		return nil, nil, NewValidationError("amount", "must be positive, got %s", amount)
	}
	if !amount.IsUSD() {
		return nil, nil, NewValidationError("amount", "only USD is supported")
	}
	if amount.Amount > MaxTopUp.Amount {
		return nil, nil, NewValidationError("amount", "must not exceed %s, got %s", MaxTopUp, amount)
	}

	ev := &ledger.Event{
		ID:        id.NewCreditEventID(),
		Email:     email,
		Kind:      ledger.KindManualTopUp,
		Charged:   amount,
		Credits:   amount,
		Tier:      catalog.TierNone,
		Note:      fmt.Sprintf("Manual top-up of %s.", amount),
		CreatedAt: time.Now().UTC(),
	}

	bal, err := e.store.ApplyGrant(ctx, ev)
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("manual top-up recorded",
		"email", email,
		"amount", amount.String(),
		"available", bal.Available.String(),
	)
	e.plugins.EmitTopUpRecorded(ctx, bal, ev)

	return bal, ev, nil
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

// DashboardSnapshot returns the balance and newest events for email, or
// nil with no error when the user has no record.
func (e *Engine) DashboardSnapshot(ctx context.Context, email string) (*Snapshot, error) {
	email, err := normalize(email)
	if err != nil {
		return nil, err
	}

	bal, err := e.store.GetBalance(ctx, email)
	if errors.Is(err, ErrBalanceNotFound) {
		return nil, nil //nolint:nilnil // absent record is a normal empty state
	}
	if err != nil {
		return nil, err
	}

	events, err := e.store.ListRecentEvents(ctx, email, e.recentEventLimit)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Balance:   bal,
		Events:    events,
		Remaining: bal.Remaining(),
		TierLabel: bal.Tier.Label(),
	}, nil
}

// RecordSpend stores the monthly spend reported by the gateway. Credit
// balances are untouched.
func (e *Engine) RecordSpend(ctx context.Context, email string, spend types.Money) error {
	email, err := normalize(email)
	if err != nil {
		return err
	}
	if spend.IsNegative() {
		return NewValidationError("spend", "must not be negative, got %s", spend)
	}

	err = e.store.SetMonthlySpend(ctx, email, spend)
	if errors.Is(err, ErrBalanceNotFound) {
		return ErrNoRecord
	}
	return err
}
