package handlers

import (
	"github.com/gin-gonic/gin"

	"forum-service/internal/middleware"
	"forum-service/internal/observability"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := observability.RequestIDFromRequest(c.Request)
	c.Set(requestIDContextKey, requestID)
	return requestID
}

func senderIDFromContext(c *gin.Context) *string {
	if val, ok := c.Get(middleware.SenderContextKey); ok {
		if sender, ok := val.(string); ok && sender != "" {
			return &sender
		}
	}
	if sender := observability.SenderIDFromRequest(c.Request); sender != "" {
		return &sender
	}
	return nil
}
