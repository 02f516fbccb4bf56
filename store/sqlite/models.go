package sqlite

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/ledger"
	"github.com/xraph/credits/syncstate"
	"github.com/xraph/credits/types"
)

// Timestamps are stored as unix nanoseconds so ordering and equality
// survive the round trip exactly.

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// ==================== Balance models ====================

// balanceColumns must follow balanceModel field order for RETURNING scans.
const balanceColumns = `email, subject, display_name, tier, available_cents, lifetime_cents,
    budget_ceiling_cents, monthly_spend_cents, currency, created_at, updated_at`

type balanceModel struct {
	grove.BaseModel `grove:"table:credit_balances"`

	Email              string `grove:"email,pk"`
	Subject            string `grove:"subject"`
	DisplayName        string `grove:"display_name"`
	Tier               string `grove:"tier"`
	AvailableCents     int64  `grove:"available_cents"`
	LifetimeCents      int64  `grove:"lifetime_cents"`
	BudgetCeilingCents int64  `grove:"budget_ceiling_cents"`
	MonthlySpendCents  int64  `grove:"monthly_spend_cents"`
	Currency           string `grove:"currency"`
	CreatedAt          int64  `grove:"created_at"`
	UpdatedAt          int64  `grove:"updated_at"`
}

func fromBalanceModel(m *balanceModel) *ledger.Balance {
	money := func(cents int64) types.Money { return types.Money{Amount: cents, Currency: m.Currency} }
	return &ledger.Balance{
		Entity: types.Entity{
			CreatedAt: fromNanos(m.CreatedAt),
			UpdatedAt: fromNanos(m.UpdatedAt),
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

	ID           string `grove:"id,pk"`
	Email        string `grove:"email"`
	Kind         string `grove:"kind"`
	ChargedCents int64  `grove:"charged_cents"`
	CreditsCents int64  `grove:"credits_cents"`
	Currency     string `grove:"currency"`
	Tier         string `grove:"tier"`
	Note         string `grove:"note"`
	CreatedAt    int64  `grove:"created_at"`
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
		CreatedAt:    nanos(ev.CreatedAt),
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
		CreatedAt: fromNanos(m.CreatedAt),
	}, nil
}

// ==================== Sync state models ====================

type syncStateModel struct {
	grove.BaseModel `grove:"table:credit_sync_states"`

	Email            string `grove:"email,pk"`
	LastAttemptID    string `grove:"last_attempt_id"`
	Pending          bool   `grove:"pending"`
	Attempts         int    `grove:"attempts"`
	LastAttemptAt    int64  `grove:"last_attempt_at"`
	LastSuccessAt    *int64 `grove:"last_success_at"`
	LastError        string `grove:"last_error"`
	LastCeilingCents int64  `grove:"last_ceiling_cents"`
	Currency         string `grove:"currency"`
	BudgetAction     string `grove:"budget_action"`
	CustomerAction   string `grove:"customer_action"`
	CacheFlushed     bool   `grove:"cache_flushed"`
}

func toSyncStateModel(st *syncstate.State) *syncStateModel {
	m := &syncStateModel{
		Email:            st.Email,
		LastAttemptID:    st.LastAttemptID.String(),
		Pending:          st.Pending,
		Attempts:         st.Attempts,
		LastAttemptAt:    nanos(st.LastAttemptAt),
		LastError:        st.LastError,
		LastCeilingCents: st.LastCeiling.Amount,
		Currency:         st.LastCeiling.Currency,
		BudgetAction:     st.BudgetAction,
		CustomerAction:   st.CustomerAction,
		CacheFlushed:     st.CacheFlushed,
	}
	if m.Currency == "" {
		m.Currency = "usd"
	}
	if st.LastSuccessAt != nil {
		n := nanos(*st.LastSuccessAt)
		m.LastSuccessAt = &n
	}
	return m
}

func fromSyncStateModel(m *syncStateModel) *syncstate.State {
	st := &syncstate.State{
		Email:          m.Email,
		Pending:        m.Pending,
		Attempts:       m.Attempts,
		LastAttemptAt:  fromNanos(m.LastAttemptAt),
		LastError:      m.LastError,
		LastCeiling:    types.Money{Amount: m.LastCeilingCents, Currency: m.Currency},
		BudgetAction:   m.BudgetAction,
		CustomerAction: m.CustomerAction,
		CacheFlushed:   m.CacheFlushed,
	}
	if m.LastAttemptID != "" {
		if parsed, err := id.ParseSyncAttemptID(m.LastAttemptID); err == nil {
			st.LastAttemptID = parsed
		}
	}
	if m.LastSuccessAt != nil {
		t := fromNanos(*m.LastSuccessAt)
		st.LastSuccessAt = &t
	}
	return st
}
