package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"forum-service/internal/observability"
	"forum-service/internal/telemetry"
)

// ErrConnectionLost is returned once the broker has closed the channel.
var ErrConnectionLost = errors.New("amqp connection lost")

// Config selects the broker and the topic exchange events are sent to.
type Config struct {
	URL      string
	Exchange string
	AppID    string
}

// Publisher publishes audit, realtime and sync events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	PublishJSON(ctx context.Context, routingKey string, event interface{}, headers map[string]string) error
	// Mode is "amqp" or "noop"; Reason explains a noop publisher.
	Mode() string
	Reason() string
	Close() error
}

// NewPublisher connects to the broker and declares the exchange. Any failure
// yields a noop publisher so the service keeps serving without a bus.
func NewPublisher(cfg Config, log *zap.Logger) Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.URL == "" {
		return newNoop("empty amqp url", log)
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return newNoop(err.Error(), log)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return newNoop(err.Error(), log)
	}
	// durable topic exchange, not auto-deleted
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return newNoop(err.Error(), log)
	}

	p := &amqpPublisher{conn: conn, ch: ch, cfg: cfg, log: log}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go p.watch(closed)
	log.Info("rabbitmq_connected", zap.String("exchange", cfg.Exchange))
	return p
}

type amqpPublisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	cfg  Config
	log  *zap.Logger

	mu   sync.Mutex
	lost bool
}

func (p *amqpPublisher) watch(closed <-chan *amqp.Error) {
	amqpErr, ok := <-closed
	p.mu.Lock()
	p.lost = true
	p.mu.Unlock()
	if ok && amqpErr != nil {
		p.log.Warn("rabbitmq_channel_closed", zap.Int("code", amqpErr.Code), zap.String("reason", amqpErr.Reason))
	}
}

func (p *amqpPublisher) Mode() string   { return "amqp" }
func (p *amqpPublisher) Reason() string { return "" }

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	return p.PublishJSON(ctx, routingKey, event, nil)
}

func (p *amqpPublisher) PublishJSON(ctx context.Context, routingKey string, event interface{}, headers map[string]string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lost {
		return ErrConnectionLost
	}
	err = p.ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		AppId:        p.cfg.AppID,
		Timestamp:    time.Now(),
		Headers:      headerTable(headers),
		Body:         body,
	})
	if err != nil {
		p.log.Warn("rabbitmq_publish_failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
	return err
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	p.lost = true
	p.mu.Unlock()
	_ = p.ch.Close()
	return p.conn.Close()
}

func headerTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return table
}

type noopPublisher struct {
	reason string
	log    *zap.Logger
}

func newNoop(reason string, log *zap.Logger) noopPublisher {
	log.Warn("rabbitmq_disabled", zap.String("reason", reason))
	return noopPublisher{reason: reason, log: log}
}

func (n noopPublisher) Mode() string   { return "noop" }
func (n noopPublisher) Reason() string { return n.reason }

func (n noopPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	return n.PublishJSON(ctx, routingKey, event, nil)
}

// PublishJSON logs what would have been sent at debug level.
func (n noopPublisher) PublishJSON(_ context.Context, routingKey string, event interface{}, _ map[string]string) error {
	fields := []zap.Field{zap.String("routing_key", routingKey)}
	switch envelope := event.(type) {
	case telemetry.AuditEnvelope:
		fields = append(fields, zap.String("event_type", envelope.EventType), zap.String("request_id", envelope.RequestID))
	case observability.EventEnvelope:
		fields = append(fields, zap.String("event_type", envelope.EventType), zap.String("event_name", envelope.EventName))
	}
	n.log.Debug("rabbitmq_noop_publish", fields...)
	return nil
}

func (noopPublisher) Close() error {
	return nil
}
