package postgres

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/ledger"
	"github.com/xraph/credits/syncstate"
	"github.com/xraph/credits/types"
)

// ==================== Balance models ====================

// balanceColumns lists the balance columns in balanceModel field order so
// RETURNING rows scan into the model.
const balanceColumns = `email, subject, display_name, tier, available_cents, lifetime_cents,
    budget_ceiling_cents, monthly_spend_cents, currency, created_at, updated_at`

type balanceModel struct {
	grove.BaseModel `grove:"table:credit_balances"`

	Email              string    `grove:"email,pk"`
	Subject            string    `grove:"subject"`
	DisplayName        string    `grove:"display_name"`
	Tier               string    `grove:"tier"`
	AvailableCents     int64     `grove:"available_cents"`
	LifetimeCents      int64     `grove:"lifetime_cents"`
	BudgetCeilingCents int64     `grove:"budget_ceiling_cents"`
	MonthlySpendCents  int64     `grove:"monthly_spend_cents"`
	Currency           string    `grove:"currency"`
	CreatedAt          time.Time `grove:"created_at"`
	UpdatedAt          time.Time `grove:"updated_at"`
}

func fromBalanceModel(m *balanceModel) *ledger.Balance {
	money := func(cents int64) types.Money { return types.Money{Amount: cents, Currency: m.Currency} }
	return &ledger.Balance{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		Email:         m.Email,
		Subject:       m.Subject,
		DisplayName:   m.DisplayName,
		Tier:          catalog.Tier(m.Tier),
		Available:     money(m.AvailableCents),
		Lifetime:      money(m.LifetimeCents),
		BudgetCeiling: money(m.BudgetCeilingCents),
		MonthlySpend:  money(m.MonthlySpendCents),
	}
}

// ==================== Event models ====================

type eventModel struct {
	grove.BaseModel `grove:"table:credit_events"`

	ID           string    `grove:"id,pk"`
	Email        string    `grove:"email"`
	Kind         string    `grove:"kind"`
	ChargedCents int64     `grove:"charged_cents"`
	CreditsCents int64     `grove:"credits_cents"`
	Currency     string    `grove:"currency"`
	Tier         string    `grove:"tier"`
	Note         string    `grove:"note"`
	CreatedAt    time.Time `grove:"created_at"`
}

func toEventModel(ev *ledger.Event) *eventModel {
	tier := string(ev.Tier)
	if tier == "" {
		tier = string(catalog.TierNone)
	}
	currency := ev.Credits.Currency
	if currency == "" {
		currency = "usd"
	}
	return &eventModel{
		ID:           ev.ID.String(),
		Email:        ev.Email,
		Kind:         string(ev.Kind),
		ChargedCents: ev.Charged.Amount,
		CreditsCents: ev.Credits.Amount,
		Currency:     currency,
		Tier:         tier,
		Note:         ev.Note,
		CreatedAt:    ev.CreatedAt.UTC(),
	}
}

func fromEventModel(m *eventModel) (*ledger.Event, error) {
	evID, err := id.ParseCreditEventID(m.ID)
	if err != nil {
		return nil, err
	}
	return &ledger.Event{
		ID:        evID,
		Email:     m.Email,
		Kind:      ledger.Kind(m.Kind),
		Charged:   types.Money{Amount: m.ChargedCents, Currency: m.Currency},
		Credits:   types.Money{Amount: m.CreditsCents, Currency: m.Currency},
		Tier:      catalog.Tier(m.Tier),
		Note:      m.Note,
		CreatedAt: m.CreatedAt,
	}, nil
}

// ==================== Sync state models ====================

type syncStateModel struct {
	grove.BaseModel `grove:"table:credit_sync_states"`

	Email            string     `grove:"email,pk"`
	LastAttemptID    string     `grove:"last_attempt_id"`
	Pending          bool       `grove:"pending"`
	Attempts         int        `grove:"attempts"`
	LastAttemptAt    time.Time  `grove:"last_attempt_at"`
	LastSuccessAt    *time.Time `grove:"last_success_at"`
	LastError        string     `grove:"last_error"`
	LastCeilingCents int64      `grove:"last_ceiling_cents"`
	Currency         string     `grove:"currency"`
	BudgetAction     string     `grove:"budget_action"`
	CustomerAction   string     `grove:"customer_action"`
	CacheFlushed     bool       `grove:"cache_flushed"`
}

func toSyncStateModel(s *syncstate.State) *syncStateModel {
	m := &syncStateModel{
		Email:            s.Email,
		LastAttemptID:    s.LastAttemptID.String(),
		Pending:          s.Pending,
		Attempts:         s.Attempts,
		LastAttemptAt:    s.LastAttemptAt.UTC(),
		LastError:        s.LastError,
		LastCeilingCents: s.LastCeiling.Amount,
		Currency:         s.LastCeiling.Currency,
		BudgetAction:     s.BudgetAction,
		CustomerAction:   s.CustomerAction,
		CacheFlushed:     s.CacheFlushed,
	}
	if m.Currency == "" {
		m.Currency = "usd"
	}
	if s.LastSuccessAt != nil {
		t := s.LastSuccessAt.UTC()
		m.LastSuccessAt = &t
	}
	return m
}

func fromSyncStateModel(m *syncStateModel) *syncstate.State {
	s := &syncstate.State{
		Email:          m.Email,
		Pending:        m.Pending,
		Attempts:       m.Attempts,
		LastAttemptAt:  m.LastAttemptAt,
		LastSuccessAt:  m.LastSuccessAt,
		LastError:      m.LastError,
		LastCeiling:    types.Money{Amount: m.LastCeilingCents, Currency: m.Currency},
		BudgetAction:   m.BudgetAction,
		CustomerAction: m.CustomerAction,
		CacheFlushed:   m.CacheFlushed,
	}
	if m.LastAttemptID != "" {
		if attempt, err := id.ParseSyncAttemptID(m.LastAttemptID); err == nil {
			s.LastAttemptID = attempt
		}
	}
	return s
}
