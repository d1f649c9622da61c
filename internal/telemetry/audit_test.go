package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type recordingPublisher struct {
	keys   []string
	events []any
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, event any) error {
	p.keys = append(p.keys, routingKey)
	p.events = append(p.events, event)
	return p.err
}

func TestEmitBuildsEnvelope(t *testing.T) {
	pub := &recordingPublisher{}
	emitter := NewAuditEmitter(pub, "audit.forum-service", "forum-service", "test", nil)
	sender := "u1"

	emitter.Emit(context.Background(), "req-1", &sender, AuditPayload{Level: "INFO", Text: "messages appended", ForumID: 3, Count: 2})

	require.Len(t, pub.events, 1)
	assert.Equal(t, "audit.forum-service", pub.keys[0])
	env, ok := pub.events[0].(AuditEnvelope)
	require.True(t, ok)
	assert.Equal(t, 1, env.SchemaVersion)
	assert.Equal(t, "audit_log", env.EventType)
	assert.Equal(t, "forum-service", env.Service)
	assert.Equal(t, "req-1", env.RequestID)
	assert.Equal(t, "u1", *env.SenderID)
	assert.Equal(t, int64(3), env.Payload.ForumID)
	assert.NotEmpty(t, env.OccurredAt)
}

func TestEmitCarriesTraceID(t *testing.T) {
	pub := &recordingPublisher{}
	emitter := NewAuditEmitter(pub, "audit", "forum-service", "test", nil)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x0a, 0x0b},
		SpanID:  trace.SpanID{0x01},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	emitter.Emit(ctx, "req-2", nil, AuditPayload{Level: "INFO", Text: "messages deleted"})

	env := pub.events[0].(AuditEnvelope)
	assert.Equal(t, sc.TraceID().String(), env.TraceID)
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: assert.AnError}
	emitter := NewAuditEmitter(pub, "audit", "forum-service", "test", nil)

	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "req-1", nil, AuditPayload{Level: "ERROR", Text: "x"})
	})
	assert.Len(t, pub.events, 1)
}

func TestNilEmitterIsNoop(t *testing.T) {
	var emitter *AuditEmitter
	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "", nil, AuditPayload{})
	})
}

func TestSetupTracingWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "forum-service", "test", "")
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, shutdown(context.Background()))
}
