package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xraph/credits/ledger"
)

const (
	headerRequestID = "X-Request-ID"
	ctxRequestID    = "request_id"
	ctxIdentity     = "identity"
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.New().String()
		}
		c.Set(ctxRequestID, rid)
		c.Header(headerRequestID, rid)
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"latency", time.Since(start),
			"request_id", c.GetString(ctxRequestID),
		}
		if ident, ok := identityFrom(c); ok {
			attrs = append(attrs, "email", ident.Email)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("http request", attrs...)
			return
		}
		logger.Debug("http request", attrs...)
	}
}

func recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("request handler panic",
					"error", rec,
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"request_id", c.GetString(ctxRequestID),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, failure("Internal server error."))
			}
		}()
		c.Next()
	}
}

// authenticate rejects requests without a valid session.
func (h *Handler) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, err := h.ident.Resolve(c.Request)
		if err != nil || ident == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, failure("Unauthorized"))
			return
		}
		c.Set(ctxIdentity, *ident)
		c.Next()
	}
}

func identityFrom(c *gin.Context) (ledger.Identity, bool) {
	v, ok := c.Get(ctxIdentity)
	if !ok {
		return ledger.Identity{}, false
	}
	ident, ok := v.(ledger.Identity)
	return ident, ok
}
