package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/user/anthropic-proxy/internal/store"
)

// RateLimitMiddleware enforces the coarse per-tenant request-per-minute
// ceiling. Token-level admission happens later, inside the proxy handler;
// this guard exists to stop a runaway tenant before any estimation work.
// A limit of zero disables the check.
func RateLimitMiddleware(rlStore store.RateLimitStore, rpmLimit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rpmLimit <= 0 {
			c.Next()
			return
		}

		tenantID := c.GetString("tenant_id")

		currentRPM, err := rlStore.IncrementRPM(c.Request.Context(), tenantID)
		if err != nil {
			slog.Error("Rate limit check failed", "error", err, "tenant_id", tenantID)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "api_error",
					"message": "rate limit check failed",
				},
			})
			return
		}

		if currentRPM > int64(rpmLimit) {
			slog.Warn("Rate limit exceeded (RPM)", "tenant_id", tenantID, "limit", rpmLimit, "current", currentRPM)
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "rate_limit_error",
					"message": "request rate limit exceeded for tenant",
					"limit":   rpmLimit,
				},
			})
			return
		}

		c.Next()
	}
}
