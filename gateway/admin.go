package gateway

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/budget"
	"github.com/xraph/credits/ledger"
)

// Admin API paths.
const (
	pathBudgetNew      = "/budget/new"
	pathBudgetUpdate   = "/budget/update"
	pathCustomerNew    = "/customer/new"
	pathCustomerUpdate = "/customer/update"
	pathCacheFlush     = "/cache/flushall"
	pathCustomerInfo   = "/customer/info"
)

type budgetRequest struct {
	BudgetID  string  `json:"budget_id"`
	MaxBudget float64 `json:"max_budget"`
}

type customerRequest struct {
	UserID   string `json:"user_id"`
	BudgetID string `json:"budget_id"`
	Blocked  bool   `json:"blocked"`
}

// DeriveBudgetID returns the external budget id for email.
func (c *Client) DeriveBudgetID(email string) string {
	return budget.DeriveID(email)
}

// UpsertCreditLimit sets the absolute spend ceiling for email on the gateway.
//
// The budget is probed with create and falls back to update; the customer
// binding is probed with update and falls back to create. The final cache
// flush is advisory and never fails the call.
func (c *Client) UpsertCreditLimit(ctx context.Context, email string, limitUSD float64) (*budget.SyncResult, error) {
	email = ledger.NormalizeEmail(email)
	if email == "" {
		return nil, credits.NewValidationError("email", "must not be empty")
	}
	if math.IsNaN(limitUSD) || math.IsInf(limitUSD, 0) {
		return nil, credits.NewValidationError("limit", "must be a finite number")
	}
	if limitUSD < 0 {
		return nil, credits.NewValidationError("limit", "must not be negative, got %v", limitUSD)
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	limit := roundCents(limitUSD)
	budgetID := budget.DeriveID(email)

	budgetAction, err := c.upsertBudget(ctx, budgetID, limit)
	if err != nil {
		return nil, err
	}

	customerAction, err := c.bindCustomer(ctx, email, budgetID)
	if err != nil {
		return nil, err
	}

	result := &budget.SyncResult{
		BudgetID:        budgetID,
		Customer:        email,
		LimitUSD:        limit,
		Budget:          budgetAction,
		CustomerBinding: customerAction,
		SyncedAt:        time.Now().UTC(),
	}
	c.flushCache(ctx, result)

	c.logger.Info("gateway budget synced",
		"customer", email,
		"budget_id", budgetID,
		"limit_usd", limit,
		"budget", string(budgetAction),
		"customer_binding", string(customerAction),
		"cache_flushed", result.CacheFlushed,
	)

	return result, nil
}

// upsertBudget runs the create then update probe for the budget object.
func (c *Client) upsertBudget(ctx context.Context, budgetID string, limit float64) (budget.Action, error) {
	payload := budgetRequest{BudgetID: budgetID, MaxBudget: limit}
	return c.probe(ctx,
		step{op: "budget create", path: pathBudgetNew, action: budget.ActionCreated},
		step{op: "budget update", path: pathBudgetUpdate, action: budget.ActionUpdated},
		payload,
	)
}

// bindCustomer runs the update then create probe for the customer binding.
func (c *Client) bindCustomer(ctx context.Context, email, budgetID string) (budget.Action, error) {
	payload := customerRequest{UserID: email, BudgetID: budgetID, Blocked: false}
	return c.probe(ctx,
		step{op: "customer update", path: pathCustomerUpdate, action: budget.ActionUpdated},
		step{op: "customer create", path: pathCustomerNew, action: budget.ActionCreated},
		payload,
	)
}

type step struct {
	op     string
	path   string
	action budget.Action
}

// probe posts payload to primary and, on any failure, to secondary. When
// both fail the secondary's outcome is returned.
func (c *Client) probe(ctx context.Context, primary, secondary step, payload any) (budget.Action, error) {
	resp, err := c.do(ctx, primary.op, http.MethodPost, primary.path, payload, nil)
	if err == nil && resp.ok() {
		return primary.action, nil
	}
	if credits.IsConfiguration(err) {
		return "", err
	}
	if err == nil {
		err = statusError(primary.op, resp)
	}
	c.logger.Debug("gateway probe falling back",
		"from", primary.op,
		"to", secondary.op,
		"error", err,
	)

	resp, err = c.do(ctx, secondary.op, http.MethodPost, secondary.path, payload, nil)
	if err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", statusError(secondary.op, resp)
	}
	return secondary.action, nil
}

// flushCache asks the gateway to drop cached budget lookups. The outcome is
// recorded on result only.
func (c *Client) flushCache(ctx context.Context, result *budget.SyncResult) {
	resp, err := c.do(ctx, "cache flush", http.MethodPost, pathCacheFlush, nil, nil)
	switch {
	case err != nil:
		result.CacheFlushError = err.Error()
	case !resp.ok():
		result.CacheFlushStatus = resp.status
		result.CacheFlushError = statusError("cache flush", resp).Error()
	default:
		result.CacheFlushStatus = resp.status
		result.CacheFlushed = true
	}
	if !result.CacheFlushed {
		c.logger.Warn("gateway cache flush failed",
			"customer", result.Customer,
			"error", result.CacheFlushError,
		)
	}
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
