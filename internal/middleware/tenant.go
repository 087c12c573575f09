package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TenantMiddleware extracts the tenant id from the configured header and
// stamps a correlation id on the request. Inbound credentials are ignored;
// the proxy authenticates upstream with its own key, so an absent header
// simply groups the caller under "unknown".
func TenantMiddleware(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(header)
		if tenantID == "" {
			tenantID = "unknown"
		}
		c.Set("tenant_id", tenantID)

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("x-request-id", requestID)

		c.Next()
	}
}
