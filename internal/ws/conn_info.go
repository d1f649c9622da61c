package ws

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"forum-service/internal/observability"
)

// ConnInfo describes a realtime connection for events and metrics.
type ConnInfo struct {
	ConnID      string
	Transport   string
	SenderID    string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func (i ConnInfo) logFields() []zap.Field {
	return []zap.Field{
		zap.String("conn_id", i.ConnID),
		zap.String("transport", i.Transport),
		zap.String("sender_id", i.SenderID),
		zap.String("ip", i.IP),
	}
}

func connInfoFromRequest(c *gin.Context, connID, transport, traceID string) ConnInfo {
	return ConnInfo{
		ConnID:      connID,
		Transport:   transport,
		SenderID:    observability.SenderIDFromRequest(c.Request),
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
}
