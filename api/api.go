// Package api exposes the credits engine over a JSON HTTP API built on gin.
//
// Every response carries an "ok" flag; failures add a "message". Routes
// under /api other than /api/plans require a session identity.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xraph/credits"
	"github.com/xraph/credits/gateway"
	"github.com/xraph/credits/ledger"
)

// Identifier resolves the caller of a request.
type Identifier interface {
	Resolve(r *http.Request) (*ledger.Identity, error)
}

// DataPlane is the model-serving side of the gateway.
type DataPlane interface {
	ListModels(ctx context.Context, ident ledger.Identity) ([]string, error)
	Chat(ctx context.Context, ident ledger.Identity, req gateway.ChatRequest) (*gateway.ChatResponse, error)
}

// Handler serves the credits API.
type Handler struct {
	engine  *credits.Engine
	ident   Identifier
	ai      DataPlane
	metrics http.Handler
	logger  *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithDataPlane enables the /api/ai routes.
func WithDataPlane(ai DataPlane) Option {
	return func(h *Handler) { h.ai = ai }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(metrics http.Handler) Option {
	return func(h *Handler) { h.metrics = metrics }
}

// New creates a Handler.
func New(engine *credits.Engine, ident Identifier, opts ...Option) *Handler {
	h := &Handler{
		engine: engine,
		ident:  ident,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns a gin engine with the standard middleware and all routes.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(requestID(), requestLogger(h.logger), recovery(h.logger))
	h.Register(r)
	return r
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	api := r.Group("/api")
	api.GET("/plans", h.listPlans)

	authed := api.Group("", h.authenticate())
	authed.GET("/me", h.me)
	authed.GET("/dashboard", h.dashboard)
	authed.GET("/subscription", h.subscription)
	authed.GET("/usage", h.usage)
	authed.POST("/credits/buy", h.buyCredits)
	authed.POST("/credits/purchase", h.purchase)
	authed.POST("/budget/sync", h.syncBudget)
	authed.GET("/ai/models", h.listModels)
	authed.POST("/ai/chat", h.chat)
}
