// Package gatewaytest provides an in-process fake of the AI gateway admin
// and data-plane API for tests.
package gatewaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
)

// Customer is the fake's record of a customer binding.
type Customer struct {
	BudgetID string
	Blocked  bool
	Spend    float64
}

// Request is one call observed by the fake.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   map[string]any
}

// Server is a stateful fake gateway. Budgets without a prior create reject
// updates and vice versa, so create/update probing behaves as it does
// against a real gateway.
type Server struct {
	*httptest.Server

	APIKey string

	mu        sync.Mutex
	budgets   map[string]float64
	customers map[string]*Customer
	failures  map[string]int
	models    []string
	requests  []Request
}

// NewServer starts a fake gateway that accepts apiKey.
func NewServer(apiKey string) *Server {
	s := &Server{
		APIKey:    apiKey,
		budgets:   make(map[string]float64),
		customers: make(map[string]*Customer),
		failures:  make(map[string]int),
		models:    []string{"gpt-4o-mini", "claude-haiku"},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// FailPath makes every call to path answer with status until cleared with
// a zero status.
func (s *Server) FailPath(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, path)
		return
	}
	s.failures[path] = status
}

// SetSpend records spend reported for a customer.
func (s *Server) SetSpend(email string, spend float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[email]
	if !ok {
		c = &Customer{}
		s.customers[email] = c
	}
	c.Spend = spend
}

// Budget returns the ceiling of budgetID.
func (s *Server) Budget(budgetID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.budgets[budgetID]
	return v, ok
}

// Budgets returns the number of budget objects.
func (s *Server) Budgets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.budgets)
}

// Customer returns a copy of the binding for email.
func (s *Server) Customer(email string) (Customer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[email]
	if !ok {
		return Customer{}, false
	}
	return *c, true
}

// Requests returns the calls observed so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Count returns how many calls hit path.
func (s *Server) Count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Path == path {
			n++
		}
	}
	return n
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // empty bodies are allowed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})

	if r.Header.Get("Authorization") != "Bearer "+s.APIKey {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid key"})
		return
	}
	if status, ok := s.failures[r.URL.Path]; ok {
		writeJSON(w, status, map[string]any{"error": "injected failure"})
		return
	}

	switch r.URL.Path {
	case "/budget/new":
		id, _ := body["budget_id"].(string)
		if _, exists := s.budgets[id]; exists {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "budget already exists"})
			return
		}
		s.budgets[id], _ = body["max_budget"].(float64)
		writeJSON(w, http.StatusOK, body)
	case "/budget/update":
		id, _ := body["budget_id"].(string)
		if _, exists := s.budgets[id]; !exists {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "budget not found"})
			return
		}
		s.budgets[id], _ = body["max_budget"].(float64)
		writeJSON(w, http.StatusOK, body)
	case "/customer/new":
		email, _ := body["user_id"].(string)
		if c, exists := s.customers[email]; exists && c.BudgetID != "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "customer already exists"})
			return
		}
		s.bind(email, body)
		writeJSON(w, http.StatusOK, body)
	case "/customer/update":
		email, _ := body["user_id"].(string)
		if c, exists := s.customers[email]; !exists || c.BudgetID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "customer not found"})
			return
		}
		s.bind(email, body)
		writeJSON(w, http.StatusOK, body)
	case "/cache/flushall":
		writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
	case "/customer/info":
		s.customerInfo(w, r.URL.Query().Get("id"))
	case "/v1/models":
		data := make([]map[string]any, 0, len(s.models))
		for _, m := range s.models {
			data = append(data, map[string]any{"id": m, "object": "model"})
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
	case "/v1/chat/completions":
		s.chat(w, body)
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no route"})
	}
}

func (s *Server) bind(email string, body map[string]any) {
	c, ok := s.customers[email]
	if !ok {
		c = &Customer{}
		s.customers[email] = c
	}
	c.BudgetID, _ = body["budget_id"].(string)
	c.Blocked, _ = body["blocked"].(bool)
}

func (s *Server) customerInfo(w http.ResponseWriter, email string) {
	c, ok := s.customers[email]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "customer not found"})
		return
	}
	doc := map[string]any{
		"user_id": email,
		"spend":   c.Spend,
		"blocked": c.Blocked,
	}
	if limit, ok := s.budgets[c.BudgetID]; ok {
		doc["budget_id"] = c.BudgetID
		doc["litellm_budget_table"] = map[string]any{
			"budget_id":  c.BudgetID,
			"max_budget": limit,
		}
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) chat(w http.ResponseWriter, body map[string]any) {
	model, _ := body["model"].(string)
	models := append([]string(nil), s.models...)
	sort.Strings(models)
	if i := sort.SearchStrings(models, model); i >= len(models) || models[i] != model {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown model " + model})
		return
	}

	var prompt string
	if msgs, ok := body["messages"].([]any); ok && len(msgs) > 0 {
		if m, ok := msgs[len(msgs)-1].(map[string]any); ok {
			prompt, _ = m["content"].(string)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model": model,
		"choices": []map[string]any{{
			"index":   0,
			"message": map[string]any{"role": "assistant", "content": "echo: " + strings.TrimSpace(prompt)},
		}},
		"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response write
}
