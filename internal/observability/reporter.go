package observability

import (
	"context"

	"go.uber.org/zap"
)

// SyncReporter records client sync outcomes as metrics, log lines and
// "sync_events" envelopes.
type SyncReporter struct {
	log    *zap.Logger
	client string
}

// NewSyncReporter builds a reporter. client identifies the sender in events.
func NewSyncReporter(log *zap.Logger, client string) *SyncReporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &SyncReporter{log: log, client: client}
}

func (r *SyncReporter) FlushFailed(op string, roomID int64, err error) {
	syncFlushTotal.WithLabelValues(op, "error").Inc()
	r.log.Warn("flush_failed", zap.String("op", op), zap.Int64("room_id", roomID), zap.Error(err))
	r.publish("flush_failed", map[string]interface{}{"op": op, "forum_id": roomID, "reason": err.Error()})
}

func (r *SyncReporter) Flushed(op string, roomID int64, n int) {
	syncFlushTotal.WithLabelValues(op, "ok").Inc()
	syncFlushedItemsTotal.WithLabelValues(op).Add(float64(n))
	r.log.Debug("flushed", zap.String("op", op), zap.Int64("room_id", roomID), zap.Int("count", n))
}

func (r *SyncReporter) MalformedPush(reason string) {
	syncMalformedPushTotal.Inc()
	r.log.Warn("malformed_push_dropped", zap.String("reason", reason))
}

func (r *SyncReporter) HistoryFallback(roomID int64, err error) {
	syncHistoryFallbackTotal.Inc()
	r.log.Warn("history_fallback", zap.Int64("room_id", roomID), zap.Error(err))
	r.publish("history_fallback", map[string]interface{}{"forum_id": roomID, "reason": err.Error()})
}

func (r *SyncReporter) StorageDegraded(err error) {
	syncStorageDegraded.Set(1)
	r.log.Error("local_storage_degraded", zap.Error(err))
	r.publish("storage_degraded", map[string]interface{}{"reason": err.Error()})
}

func (r *SyncReporter) publish(name string, payload map[string]interface{}) {
	payload["client"] = r.client
	_ = PublishEvent(context.Background(), "sync_events."+name, NewEnvelope("sync_events", name, payload),
		BuildHeaders("", "", r.client))
}
