package observability

import "time"

// EventEnvelope wraps realtime and sync events published on the bus.
type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// NewEnvelope stamps an envelope with the current UTC time.
func NewEnvelope(eventType, eventName string, payload interface{}) EventEnvelope {
	return EventEnvelope{
		EventType:  eventType,
		EventName:  eventName,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// BuildHeaders returns the AMQP headers correlating an event with the
// request and trace that caused it. Empty values are omitted.
func BuildHeaders(requestID, traceID, senderID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	if senderID != "" {
		headers["x-sender-id"] = senderID
	}
	return headers
}
