package gateway

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"strings"

	"github.com/xraph/credits"
	"github.com/xraph/credits/budget"
	"github.com/xraph/credits/ledger"
)

// Attribution headers let the gateway meter data-plane calls per user.
const (
	HeaderUserEmail = "X-Portal-User-Email"
	HeaderUserID    = "X-Portal-User-Id"
	HeaderBudgetID  = "X-Portal-Budget-Id"
)

const (
	pathModels = "/v1/models"
	pathChat   = "/v1/chat/completions"
)

// ChatRequest is a single-turn chat prompt.
type ChatRequest struct {
	Model       string   `json:"model,omitempty"`
	Message     string   `json:"message"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// ChatUsage is the token accounting reported by the gateway.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the assistant reply.
type ChatResponse struct {
	Model    string     `json:"model"`
	Response string     `json:"response"`
	Usage    *ChatUsage `json:"usage,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	User        string        `json:"user"`
	Stream      bool          `json:"stream"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *ChatUsage `json:"usage"`
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func attribution(user ledger.Identity) http.Header {
	email := ledger.NormalizeEmail(user.Email)
	h := http.Header{}
	h.Set(HeaderUserEmail, email)
	if user.Subject != "" {
		h.Set(HeaderUserID, user.Subject)
	}
	h.Set(HeaderBudgetID, budget.DeriveID(email))
	return h
}

// ListModels returns the model ids visible to user, sorted.
func (c *Client) ListModels(ctx context.Context, user ledger.Identity) ([]string, error) {
	if ledger.NormalizeEmail(user.Email) == "" {
		return nil, credits.NewValidationError("email", "must not be empty")
	}

	resp, err := c.do(ctx, "list models", http.MethodGet, pathModels, nil, attribution(user))
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, statusError("list models", resp)
	}

	var list modelList
	if err := json.Unmarshal(resp.body, &list); err != nil {
		return nil, &credits.ExternalSyncError{Op: "list models", Status: resp.status, Err: err}
	}

	models := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID != "" {
			models = append(models, m.ID)
		}
	}
	sort.Strings(models)
	return models, nil
}

// Chat sends one user message and returns the first choice.
func (c *Client) Chat(ctx context.Context, user ledger.Identity, req ChatRequest) (*ChatResponse, error) {
	if ledger.NormalizeEmail(user.Email) == "" {
		return nil, credits.NewValidationError("email", "must not be empty")
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, credits.NewValidationError("message", "must not be empty")
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.cfg.DefaultModel
	}
	if model == "" {
		return nil, credits.NewValidationError("model", "must be set when no default model is configured")
	}

	payload := chatCompletionRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: message}},
		Temperature: clampTemperature(req.Temperature),
		User:        ledger.NormalizeEmail(user.Email),
	}

	resp, err := c.do(ctx, "chat", http.MethodPost, pathChat, payload, attribution(user))
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, statusError("chat", resp)
	}

	var out chatCompletionResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, &credits.ExternalSyncError{Op: "chat", Status: resp.status, Err: err}
	}

	result := &ChatResponse{Model: out.Model, Usage: out.Usage}
	if result.Model == "" {
		result.Model = model
	}
	if len(out.Choices) > 0 {
		result.Response = out.Choices[0].Message.Content
	}
	return result, nil
}

// clampTemperature drops values outside [0, 2].
func clampTemperature(t *float64) *float64 {
	if t == nil || math.IsNaN(*t) || *t < 0 || *t > 2 {
		return nil
	}
	v := *t
	return &v
}
