package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"token-sale-settlement/internal/core/domain"
	"token-sale-settlement/internal/core/ports"

	"github.com/gin-gonic/gin"
)

// CtxAuditResourceID lets a handler name the resource it created or touched.
const CtxAuditResourceID = "audit_resource_id"

// AuditLog creates an audit middleware that logs successful write operations.
// Routes are matched on their registered pattern, not the raw path.
func AuditLog(auditSvc ports.AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only audit successful write operations (status 2xx)
		if c.Writer.Status() < 200 || c.Writer.Status() >= 300 {
			return
		}
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead || c.Request.Method == http.MethodOptions {
			return
		}

		action, resourceType := mapRouteToAction(c.FullPath(), c.Request.Method)
		if action == "" {
			return
		}

		resourceID := c.GetString(CtxAuditResourceID)
		if resourceID == "" {
			resourceID = c.Param("ref")
		}

		details, _ := json.Marshal(map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		})

		auditSvc.Log(c.Request.Context(), &domain.AuditLog{
			Actor:        actor(c),
			Action:       action,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			IPAddress:    c.ClientIP(),
			Details:      string(details),
		})
	}
}

func actor(c *gin.Context) string {
	if key := c.GetString(CtxOperatorKey); key != "" {
		return "operator:" + key
	}
	if id, ok := UserID(c); ok {
		return "user:" + strconv.FormatInt(id, 10)
	}
	return "anonymous"
}

func mapRouteToAction(route, method string) (domain.AuditAction, string) {
	switch {
	case route == "/api/v1/purchase-intents" && method == http.MethodPost:
		return domain.AuditActionPurchaseIntent, "transaction"
	case route == "/api/v1/settlement/retry/:ref" && method == http.MethodPost:
		return domain.AuditActionSettlementRetry, "transaction"
	}
	return "", ""
}
