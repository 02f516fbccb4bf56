package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xraph/credits"
	"github.com/xraph/credits/gateway"
	"github.com/xraph/credits/gateway/gatewaytest"
	"github.com/xraph/credits/identity"
	"github.com/xraph/credits/ledger"
	"github.com/xraph/credits/store/memory"
)

const (
	testKey    = "sk-master"
	testSecret = "session-secret"
)

type fixture struct {
	router *gin.Engine
	engine *credits.Engine
	gw     *gatewaytest.Server
	token  string
}

func newFixture(t *testing.T, withGateway bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv := gatewaytest.NewServer(testKey)
	t.Cleanup(srv.Close)

	opts := []credits.Option{credits.WithUsageCacheTTL(0)}
	var handlerOpts []Option
	if withGateway {
		gw := gateway.New(gateway.Config{
			BaseURL:      srv.URL,
			APIKey:       testKey,
			DefaultModel: "gpt-4o-mini",
			Executor:     gateway.ExecutorConfig{DisableCircuitBreaker: true},
		})
		opts = append(opts, credits.WithBudgetSyncer(gw))
		handlerOpts = append(handlerOpts, WithDataPlane(gw))
	}
	engine := credits.New(memory.New(), opts...)

	resolver, err := identity.NewResolver([]byte(testSecret))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	token, err := identity.Sign([]byte(testSecret), ledger.Identity{Email: "Ada@Example.com", Subject: "sub-1", DisplayName: "Ada"}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	h := New(engine, resolver, handlerOpts...)
	return &fixture{router: h.Router(), engine: engine, gw: srv, token: token}
}

func (f *fixture) do(t *testing.T, method, path string, body any, authed bool) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	out := map[string]any{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s %s: %v (body %q)", method, path, err, w.Body.String())
	}
	return w.Code, out
}

func TestPlansArePublic(t *testing.T) {
	f := newFixture(t, false)
	code, body := f.do(t, http.MethodGet, "/api/plans", nil, false)
	if code != http.StatusOK || body["ok"] != true {
		t.Fatalf("got %d %v", code, body)
	}
	plans := body["plans"].([]any)
	if len(plans) != 3 {
		t.Fatalf("expected 3 plans, got %d", len(plans))
	}
	first := plans[0].(map[string]any)
	if first["id"] != "pro" || first["priceUsd"] != 10.0 || first["includedCreditsUsd"] != 10.0 {
		t.Errorf("first plan: %v", first)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, false)
	for _, path := range []string{"/api/me", "/api/dashboard", "/api/usage", "/api/subscription"} {
		code, body := f.do(t, http.MethodGet, path, nil, false)
		if code != http.StatusUnauthorized || body["ok"] != false || body["message"] != "Unauthorized" {
			t.Errorf("%s: got %d %v", path, code, body)
		}
	}
}

func TestMeUpsertsUser(t *testing.T) {
	f := newFixture(t, false)
	code, body := f.do(t, http.MethodGet, "/api/me", nil, true)
	if code != http.StatusOK {
		t.Fatalf("got %d %v", code, body)
	}
	user := body["user"].(map[string]any)
	if user["email"] != "ada@example.com" || user["currentPlan"] != "No active tier" || user["availableCreditsCents"] != 0.0 {
		t.Errorf("user: %v", user)
	}
}

func TestBuyCredits(t *testing.T) {
	f := newFixture(t, false)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCents  float64
	}{
		{"default amount", nil, http.StatusOK, 400},
		{"explicit amount", map[string]any{"amountUsd": 12.5}, http.StatusOK, 1250},
		{"null amount", map[string]any{"amountUsd": nil}, http.StatusOK, 400},
		{"zero amount", map[string]any{"amountUsd": 0}, http.StatusBadRequest, 0},
		{"negative amount", map[string]any{"amountUsd": -3}, http.StatusBadRequest, 0},
		{"string amount", map[string]any{"amountUsd": "4"}, http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, "/api/credits/buy", tt.body, true)
			if code != tt.wantStatus {
				t.Fatalf("status: got %d %v", code, body)
			}
			if code != http.StatusOK {
				if body["ok"] != false {
					t.Errorf("expected ok=false: %v", body)
				}
				return
			}
			tx := body["transaction"].(map[string]any)
			if tx["amountCents"] != tt.wantCents || tx["type"] != "manual_top_up" {
				t.Errorf("transaction: %v", tx)
			}
		})
	}

	snap, err := f.engine.DashboardSnapshot(context.Background(), "ada@example.com")
	if err != nil {
		t.Fatalf("DashboardSnapshot: %v", err)
	}
	if got := snap.Balance.Available.Amount; got != 400+1250+400 {
		t.Errorf("rejected top-ups must not be recorded, available=%d", got)
	}
}

func TestPurchaseSyncsBudget(t *testing.T) {
	f := newFixture(t, true)

	code, body := f.do(t, http.MethodPost, "/api/credits/purchase", map[string]any{"planId": "growth"}, true)
	if code != http.StatusOK || body["synced"] != true {
		t.Fatalf("got %d %v", code, body)
	}
	sync := body["syncResult"].(map[string]any)
	if sync["limitUsd"] != 50.0 || sync["budget"] != "created" {
		t.Errorf("syncResult: %v", sync)
	}
	user := body["user"].(map[string]any)
	if user["currentPlan"] != "Growth" || user["monthlyBudgetCents"] != 5000.0 {
		t.Errorf("user: %v", user)
	}
}

func TestPurchasePartialFailure(t *testing.T) {
	f := newFixture(t, true)
	f.gw.FailPath("/budget/new", http.StatusInternalServerError)
	f.gw.FailPath("/budget/update", http.StatusInternalServerError)

	code, body := f.do(t, http.MethodPost, "/api/credits/purchase", map[string]any{"planId": "pro"}, true)
	if code != http.StatusOK || body["synced"] != false || body["retryable"] != true {
		t.Fatalf("got %d %v", code, body)
	}
	if body["syncError"] == "" {
		t.Error("expected syncError")
	}

	f.gw.FailPath("/budget/new", 0)
	f.gw.FailPath("/budget/update", 0)
	code, body = f.do(t, http.MethodPost, "/api/budget/sync", nil, true)
	if code != http.StatusOK {
		t.Fatalf("retry sync: got %d %v", code, body)
	}

	snap, _ := f.engine.DashboardSnapshot(context.Background(), "ada@example.com")
	if snap.Balance.Available.Amount != 1000 || len(snap.Events) != 1 {
		t.Errorf("retrying the sync must not re-charge: %+v, %d events", snap.Balance, len(snap.Events))
	}
}

func TestPurchaseValidation(t *testing.T) {
	f := newFixture(t, true)
	for _, body := range []any{nil, map[string]any{"planId": "enterprise"}} {
		code, resp := f.do(t, http.MethodPost, "/api/credits/purchase", body, true)
		if code != http.StatusBadRequest {
			t.Errorf("body %v: got %d %v", body, code, resp)
		}
	}
}

func TestBudgetSyncWithoutGateway(t *testing.T) {
	f := newFixture(t, false)
	code, body := f.do(t, http.MethodPost, "/api/budget/sync", nil, true)
	if code != http.StatusInternalServerError || body["ok"] != false {
		t.Fatalf("got %d %v", code, body)
	}
}

func TestBudgetSyncGatewayError(t *testing.T) {
	f := newFixture(t, true)
	f.gw.FailPath("/customer/update", http.StatusBadGateway)
	f.gw.FailPath("/customer/new", http.StatusBadGateway)

	code, body := f.do(t, http.MethodPost, "/api/budget/sync", nil, true)
	if code != http.StatusBadGateway {
		t.Fatalf("got %d %v", code, body)
	}
}

func TestDashboardAndUsage(t *testing.T) {
	f := newFixture(t, true)
	f.do(t, http.MethodPost, "/api/credits/purchase", map[string]any{"planId": "pro"}, true)
	f.gw.SetSpend("ada@example.com", 2.5)

	code, body := f.do(t, http.MethodGet, "/api/usage", nil, true)
	if code != http.StatusOK || body["usageAvailable"] != true {
		t.Fatalf("got %d %v", code, body)
	}
	usage := body["usage"].(map[string]any)
	if usage["spendUsd"] != 2.5 || usage["remainingUsd"] != 7.5 {
		t.Errorf("usage: %v", usage)
	}

	code, body = f.do(t, http.MethodGet, "/api/dashboard", nil, true)
	if code != http.StatusOK {
		t.Fatalf("dashboard: got %d %v", code, body)
	}
	dash := body["dashboard"].(map[string]any)
	if dash["monthlySpentCents"] != 250.0 || dash["remainingCents"] != 750.0 {
		t.Errorf("dashboard: %v", dash)
	}
	if txs := dash["transactions"].([]any); len(txs) != 1 {
		t.Errorf("transactions: %v", txs)
	}
}

func TestUsageDegradesWhenGatewayDown(t *testing.T) {
	f := newFixture(t, true)
	f.do(t, http.MethodPost, "/api/credits/purchase", map[string]any{"planId": "pro"}, true)
	f.gw.Close()

	code, body := f.do(t, http.MethodGet, "/api/usage", nil, true)
	if code != http.StatusOK || body["usageAvailable"] != false || body["usageError"] == "" {
		t.Fatalf("got %d %v", code, body)
	}
	dash := body["dashboard"].(map[string]any)
	if dash["availableCreditsCents"] != 1000.0 {
		t.Errorf("local values should stand alone: %v", dash)
	}
}

func TestAIRoutes(t *testing.T) {
	f := newFixture(t, true)

	code, body := f.do(t, http.MethodGet, "/api/ai/models", nil, true)
	if code != http.StatusOK || len(body["models"].([]any)) != 2 {
		t.Fatalf("models: got %d %v", code, body)
	}

	code, body = f.do(t, http.MethodPost, "/api/ai/chat", map[string]any{"message": "hello", "temperature": 9}, true)
	if code != http.StatusOK || body["response"] != "echo: hello" || body["model"] != "gpt-4o-mini" {
		t.Fatalf("chat: got %d %v", code, body)
	}

	code, _ = f.do(t, http.MethodPost, "/api/ai/chat", map[string]any{"message": ""}, true)
	if code != http.StatusBadRequest {
		t.Errorf("empty message: got %d", code)
	}

	code, _ = f.do(t, http.MethodPost, "/api/ai/chat", map[string]any{"message": "hi", "model": "nope"}, true)
	if code != http.StatusBadGateway {
		t.Errorf("unknown model: got %d", code)
	}
}

func TestAIRoutesWithoutGateway(t *testing.T) {
	f := newFixture(t, false)
	code, body := f.do(t, http.MethodGet, "/api/ai/models", nil, true)
	if code != http.StatusInternalServerError || body["ok"] != false {
		t.Fatalf("got %d %v", code, body)
	}
}

func TestHealthAndRequestID(t *testing.T) {
	f := newFixture(t, false)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("health: got %d", w.Code)
	}
	if got := w.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("request id not echoed: %q", got)
	}

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request id")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{credits.NewValidationError("x", "bad"), http.StatusBadRequest},
		{credits.ErrUnauthorized, http.StatusUnauthorized},
		{credits.ErrNoRecord, http.StatusNotFound},
		{&credits.ConfigurationError{Setting: "gateway"}, http.StatusInternalServerError},
		{&credits.ExternalSyncError{Op: "budget update", Status: 503}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
