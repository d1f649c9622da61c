package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"forum-service/internal/telemetry"
	"forum-service/internal/ws"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, hub *ws.Hub, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), requestIDFromContext(c), senderIDFromContext(c), telemetry.AuditPayload{Level: "INFO", Text: "audit test"})
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/forums/:forum_id/peers", func(c *gin.Context) {
		forumID, ok := parseForumID(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"forum_id": forumID, "peers": hub.RoomSize(forumID)})
	})
}
