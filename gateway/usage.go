package gateway

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/budget"
	"github.com/xraph/credits/ledger"
)

// FetchUsage reads the customer's spend, ceiling and blocked flag.
//
// A customer the gateway has never seen yields an empty usage (zero spend,
// no ceiling). Fields that are missing or not numeric degrade to their
// empty values instead of failing the call.
func (c *Client) FetchUsage(ctx context.Context, email string) (*budget.Usage, error) {
	email = ledger.NormalizeEmail(email)
	if email == "" {
		return nil, credits.NewValidationError("email", "must not be empty")
	}

	path := pathCustomerInfo + "?id=" + url.QueryEscape(email)
	resp, err := c.do(ctx, "customer info", http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}

	usage := &budget.Usage{
		Customer:  email,
		BudgetID:  budget.DeriveID(email),
		FetchedAt: time.Now().UTC(),
	}

	if resp.status == http.StatusNotFound {
		return usage, nil
	}
	if !resp.ok() {
		return nil, statusError("customer info", resp)
	}

	var doc map[string]any
	if err := json.Unmarshal(resp.body, &doc); err != nil {
		c.logger.Warn("gateway usage body is not a JSON object",
			"customer", email,
			"error", err,
		)
		return usage, nil
	}

	parseUsage(doc, usage)
	return usage, nil
}

// parseUsage fills usage from a customer info document.
func parseUsage(doc map[string]any, usage *budget.Usage) {
	if v, ok := number(doc["spend"]); ok {
		usage.Spend = v
	}
	if b, ok := boolean(doc["blocked"]); ok {
		usage.Blocked = b
	}
	table, _ := doc["litellm_budget_table"].(map[string]any)
	if id, ok := doc["budget_id"].(string); ok && id != "" {
		usage.BudgetID = id
	} else if id, ok := table["budget_id"].(string); ok && id != "" {
		usage.BudgetID = id
	}

	ceiling, ok := number(doc["max_budget"])
	if !ok && table != nil {
		ceiling, ok = number(table["max_budget"])
	}
	if ok {
		usage.Ceiling = &ceiling
		remaining := roundCents(ceiling - usage.Spend)
		usage.Remaining = &remaining
	}
}

// number accepts JSON numbers and numeric strings.
func number(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func boolean(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	default:
		return false, false
	}
}
