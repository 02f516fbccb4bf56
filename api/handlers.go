package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xraph/credits"
	"github.com/xraph/credits/gateway"
	"github.com/xraph/credits/types"
)

// defaultTopUp is granted by /api/credits/buy when no amount is given.
var defaultTopUp = types.USD(400)

func failure(message string) gin.H {
	return gin.H{"ok": false, "message": message}
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case credits.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, credits.ErrUnauthorized):
		return http.StatusUnauthorized
	case credits.IsNotFound(err):
		return http.StatusNotFound
	case credits.IsConfiguration(err):
		return http.StatusInternalServerError
	case credits.IsExternalSync(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Unclassified errors are logged
// and reported generically.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	classified := credits.IsValidation(err) || credits.IsNotFound(err) ||
		credits.IsConfiguration(err) || credits.IsExternalSync(err) ||
		errors.Is(err, credits.ErrUnauthorized)
	if !classified {
		h.logger.Error("request failed",
			"path", c.Request.URL.Path,
			"request_id", c.GetString(ctxRequestID),
			"error", err,
		)
		c.JSON(status, failure("Internal server error."))
		return
	}
	c.JSON(status, failure(err.Error()))
}

// readBody decodes an optional JSON object. An empty body yields an empty
// map.
func readBody(c *gin.Context) (map[string]any, error) {
	body := map[string]any{}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, credits.NewValidationError("body", "must be a JSON object")
	}
	return body, nil
}

// ──────────────────────────────────────────────────
// Public
// ──────────────────────────────────────────────────

func (h *Handler) health(c *gin.Context) {
	if err := h.engine.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "status": "unhealthy", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"status":         "healthy",
		"syncConfigured": h.engine.SyncConfigured(),
	})
}

func (h *Handler) listPlans(c *gin.Context) {
	plans := h.engine.Catalog().All()
	out := make([]planView, 0, len(plans))
	for _, p := range plans {
		out = append(out, toPlanView(p))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "plans": out})
}

// ──────────────────────────────────────────────────
// Account
// ──────────────────────────────────────────────────

func (h *Handler) me(c *gin.Context) {
	ident, _ := identityFrom(c)
	bal, err := h.engine.EnsureUser(c.Request.Context(), ident)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "user": toUserView(bal)})
}

func (h *Handler) dashboard(c *gin.Context) {
	ctx := c.Request.Context()
	ident, _ := identityFrom(c)
	bal, err := h.engine.EnsureUser(ctx, ident)
	if err != nil {
		h.fail(c, err)
		return
	}
	snap, err := h.engine.DashboardSnapshot(ctx, bal.Email)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "dashboard": toDashboardView(bal.Email, snap)})
}

func (h *Handler) subscription(c *gin.Context) {
	ctx := c.Request.Context()
	ident, _ := identityFrom(c)
	bal, err := h.engine.EnsureUser(ctx, ident)
	if err != nil {
		h.fail(c, err)
		return
	}

	plans := h.engine.Catalog().All()
	options := make([]planView, 0, len(plans))
	for _, p := range plans {
		options = append(options, toPlanView(p))
	}

	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"subscription": gin.H{
			"status":          "active",
			"user":            toUserView(bal),
			"purchaseOptions": options,
		},
	})
}

func (h *Handler) usage(c *gin.Context) {
	ctx := c.Request.Context()
	ident, _ := identityFrom(c)
	bal, err := h.engine.EnsureUser(ctx, ident)
	if err != nil {
		h.fail(c, err)
		return
	}
	view, err := h.engine.RefreshUsage(ctx, bal.Email)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"budgetId":       view.BudgetID,
		"usageAvailable": view.UsageAvailable,
		"usageError":     view.UsageError,
		"usage":          toUsageView(view.Usage),
		"dashboard":      toDashboardView(bal.Email, view.Snapshot),
	})
}

// ──────────────────────────────────────────────────
// Credits
// ──────────────────────────────────────────────────

// topUpAmount reads amountUsd. Absent or null means the default; anything
// else must be a finite positive number.
func topUpAmount(body map[string]any) (types.Money, error) {
	raw, ok := body["amountUsd"]
	if !ok || raw == nil {
		return defaultTopUp, nil
	}
	f, ok := raw.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return types.Money{}, credits.NewValidationError("amountUsd", "must be a positive number")
	}
	m, err := types.ParseUSD(f)
	if err != nil {
		return types.Money{}, credits.NewValidationError("amountUsd", "%v", err)
	}
	return m, nil
}

func (h *Handler) buyCredits(c *gin.Context) {
	ctx := c.Request.Context()
	ident, _ := identityFrom(c)
	body, err := readBody(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	amount, err := topUpAmount(body)
	if err != nil {
		h.fail(c, err)
		return
	}
	if _, err := h.engine.EnsureUser(ctx, ident); err != nil {
		h.fail(c, err)
		return
	}

	bal, ev, err := h.engine.RecordManualTopUp(ctx, ident.Email, amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"mode":        "mock",
		"message":     "Added mock credits of " + amount.String() + " to monthly budget.",
		"transaction": toTransactionView(ev),
		"user":        toUserView(bal),
	})
}

func (h *Handler) purchase(c *gin.Context) {
	ctx := c.Request.Context()
	ident, _ := identityFrom(c)
	body, err := readBody(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	planID, _ := body["planId"].(string)
	if planID == "" {
		h.fail(c, credits.NewValidationError("planId", "is required"))
		return
	}
	if _, err := h.engine.EnsureUser(ctx, ident); err != nil {
		h.fail(c, err)
		return
	}

	out, err := h.engine.SyncAfterPurchase(ctx, ident.Email, planID)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := gin.H{
		"ok":          true,
		"synced":      out.Synced(),
		"transaction": toTransactionView(out.Event),
		"user":        toUserView(out.Balance),
	}
	if p, ok := h.engine.Catalog().Find(planID); ok {
		resp["message"] = p.Name + " tier purchased."
	}
	if out.Synced() {
		resp["syncResult"] = toSyncView(out.Sync)
	} else {
		resp["syncError"] = out.SyncErr.Error()
		resp["retryable"] = out.Retryable()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) syncBudget(c *gin.Context) {
	ctx := c.Request.Context()
	ident, _ := identityFrom(c)
	if _, err := h.engine.EnsureUser(ctx, ident); err != nil {
		h.fail(c, err)
		return
	}

	res, err := h.engine.SyncLimit(ctx, ident.Email)
	if errors.Is(err, credits.ErrNoRecord) {
		c.JSON(http.StatusNotFound, failure("No portal user record found for sync payload."))
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := gin.H{
		"ok":         true,
		"message":    "Gateway budget and customer mapping synced.",
		"syncResult": toSyncView(res),
		"usage":      nil,
	}
	if view, err := h.engine.RefreshUsage(ctx, ident.Email); err == nil && view.UsageAvailable {
		resp["usage"] = toUsageView(view.Usage)
	}
	c.JSON(http.StatusOK, resp)
}

// ──────────────────────────────────────────────────
// AI workspace
// ──────────────────────────────────────────────────

func (h *Handler) dataPlane() (DataPlane, error) {
	if h.ai == nil {
		return nil, &credits.ConfigurationError{Setting: "gateway data plane"}
	}
	return h.ai, nil
}

func (h *Handler) listModels(c *gin.Context) {
	ai, err := h.dataPlane()
	if err != nil {
		h.fail(c, err)
		return
	}
	ident, _ := identityFrom(c)
	models, err := ai.ListModels(c.Request.Context(), ident)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "models": models})
}

func (h *Handler) chat(c *gin.Context) {
	ai, err := h.dataPlane()
	if err != nil {
		h.fail(c, err)
		return
	}
	body, err := readBody(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	req := gateway.ChatRequest{}
	req.Model, _ = body["model"].(string)
	req.Message, _ = body["message"].(string)
	if t, ok := body["temperature"].(float64); ok {
		req.Temperature = &t
	}

	ident, _ := identityFrom(c)
	resp, err := ai.Chat(c.Request.Context(), ident, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"model":    resp.Model,
		"response": resp.Response,
		"usage":    resp.Usage,
	})
}
