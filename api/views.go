package api

import (
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/budget"
	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/ledger"
)

// Wire shapes use camelCase keys and integer cents, matching the portal
// frontend.

type planView struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Tagline            string   `json:"tagline"`
	PriceUSD           float64  `json:"priceUsd"`
	IncludedCreditsUSD float64  `json:"includedCreditsUsd"`
	Features           []string `json:"features"`
	Popular            bool     `json:"popular"`
}

func toPlanView(p catalog.Plan) planView {
	return planView{
		ID:                 p.ID,
		Name:               p.Name,
		Tagline:            p.Tagline,
		PriceUSD:           p.Price.Major(),
		IncludedCreditsUSD: p.Credits.Major(),
		Features:           p.Features,
		Popular:            p.Popular,
	}
}

type userView struct {
	Email                 string `json:"email"`
	Subject               string `json:"subject,omitempty"`
	DisplayName           string `json:"displayName,omitempty"`
	CurrentPlan           string `json:"currentPlan"`
	AvailableCreditsCents int64  `json:"availableCreditsCents"`
	LifetimeCreditsCents  int64  `json:"lifetimeCreditsCents"`
	MonthlyBudgetCents    int64  `json:"monthlyBudgetCents"`
	MonthlySpentCents     int64  `json:"monthlySpentCents"`
}

func toUserView(b *ledger.Balance) userView {
	return userView{
		Email:                 b.Email,
		Subject:               b.Subject,
		DisplayName:           b.DisplayName,
		CurrentPlan:           b.Tier.Label(),
		AvailableCreditsCents: b.Available.Amount,
		LifetimeCreditsCents:  b.Lifetime.Amount,
		MonthlyBudgetCents:    b.BudgetCeiling.Amount,
		MonthlySpentCents:     b.MonthlySpend.Amount,
	}
}

type transactionView struct {
	ID                string    `json:"id"`
	AmountCents       int64     `json:"amountCents"`
	CreditsAddedCents int64     `json:"creditsAddedCents"`
	PlanTier          string    `json:"planTier"`
	Type              string    `json:"type"`
	Note              string    `json:"note"`
	CreatedAt         time.Time `json:"createdAt"`
}

func toTransactionView(ev *ledger.Event) transactionView {
	return transactionView{
		ID:                ev.ID.String(),
		AmountCents:       ev.Charged.Amount,
		CreditsAddedCents: ev.Credits.Amount,
		PlanTier:          string(ev.Tier),
		Type:              string(ev.Kind),
		Note:              ev.Note,
		CreatedAt:         ev.CreatedAt,
	}
}

type dashboardView struct {
	userView
	RemainingCents int64             `json:"remainingCents"`
	Transactions   []transactionView `json:"transactions"`
}

// toDashboardView renders snap, or an empty dashboard for email when the
// user has no record yet.
func toDashboardView(email string, snap *credits.Snapshot) dashboardView {
	if snap == nil {
		return dashboardView{
			userView:     userView{Email: email, CurrentPlan: catalog.TierNone.Label()},
			Transactions: []transactionView{},
		}
	}
	v := dashboardView{
		userView:       toUserView(snap.Balance),
		RemainingCents: snap.Remaining.Amount,
		Transactions:   make([]transactionView, 0, len(snap.Events)),
	}
	for _, ev := range snap.Events {
		v.Transactions = append(v.Transactions, toTransactionView(ev))
	}
	return v
}

type usageView struct {
	Customer     string    `json:"customer"`
	BudgetID     string    `json:"budgetId"`
	SpendUSD     float64   `json:"spendUsd"`
	CeilingUSD   *float64  `json:"ceilingUsd"`
	RemainingUSD *float64  `json:"remainingUsd"`
	Blocked      bool      `json:"blocked"`
	FetchedAt    time.Time `json:"fetchedAt"`
}

func toUsageView(u *budget.Usage) *usageView {
	if u == nil {
		return nil
	}
	return &usageView{
		Customer:     u.Customer,
		BudgetID:     u.BudgetID,
		SpendUSD:     u.Spend,
		CeilingUSD:   u.Ceiling,
		RemainingUSD: u.Remaining,
		Blocked:      u.Blocked,
		FetchedAt:    u.FetchedAt,
	}
}

type syncView struct {
	BudgetID         string    `json:"budgetId"`
	Customer         string    `json:"customer"`
	LimitUSD         float64   `json:"limitUsd"`
	Budget           string    `json:"budget"`
	CustomerBinding  string    `json:"customerBinding"`
	CacheFlushed     bool      `json:"cacheFlushed"`
	CacheFlushStatus int       `json:"cacheFlushStatus,omitempty"`
	CacheFlushError  string    `json:"cacheFlushError,omitempty"`
	SyncedAt         time.Time `json:"syncedAt"`
}

func toSyncView(r *budget.SyncResult) *syncView {
	if r == nil {
		return nil
	}
	return &syncView{
		BudgetID:         r.BudgetID,
		Customer:         r.Customer,
		LimitUSD:         r.LimitUSD,
		Budget:           string(r.Budget),
		CustomerBinding:  string(r.CustomerBinding),
		CacheFlushed:     r.CacheFlushed,
		CacheFlushStatus: r.CacheFlushStatus,
		CacheFlushError:  r.CacheFlushError,
		SyncedAt:         r.SyncedAt,
	}
}
