package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"forum-service/internal/observability"
)

// SenderContextKey is where the caller identity is stored on the gin context.
const SenderContextKey = "senderID"

// SenderIdentity copies the X-User-ID header into the context. Identity is
// asserted by the upstream gateway; this service does not authenticate.
// With required set, requests without the header are rejected.
func SenderIdentity(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		sender := strings.TrimSpace(c.GetHeader(observability.HeaderSenderID))
		if sender == "" && required {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing sender identity"})
			return
		}
		if sender != "" {
			c.Set(SenderContextKey, sender)
		}
		c.Next()
	}
}
