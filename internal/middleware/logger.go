// logger.go provides Gin middleware that emits one structured slog line per
// completed request. Mutations are additionally audited at operation
// granularity by the sync layer's ledger writes; this middleware is the
// request-level complement, not a second audit trail.
package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestLoggerMiddleware logs method, route, status, latency, and the
// identity context established by upstream middleware
func RequestLoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if requestID, ok := c.Get(RequestIDKey); ok {
			attrs = append(attrs, "request_id", requestID)
		}
		if userID := UserID(c); userID != "" {
			attrs = append(attrs, "user_id", userID)
		}
		if orgID := OrganizationID(c); orgID != "" {
			attrs = append(attrs, "organization_id", orgID)
		}

		switch {
		case c.Writer.Status() >= 500:
			slog.Error("request completed", attrs...)
		case c.Writer.Status() >= 400:
			slog.Warn("request completed", attrs...)
		default:
			slog.Info("request completed", attrs...)
		}
	}
}
