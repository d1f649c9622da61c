package observability

import (
	"context"
	"sync/atomic"
)

// Publisher sends JSON events with transport headers.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error
}

type publisherHolder struct{ p Publisher }

var bus atomic.Pointer[publisherHolder]

// SetPublisher installs the bus used by PublishEvent. nil disables publishing.
func SetPublisher(publisher Publisher) {
	if publisher == nil {
		bus.Store(nil)
		return
	}
	bus.Store(&publisherHolder{p: publisher})
}

// PublishEvent sends message on the installed bus. Without one it is a no-op.
func PublishEvent(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	holder := bus.Load()
	if holder == nil {
		return nil
	}
	if err := holder.p.PublishJSON(ctx, routingKey, message, headers); err != nil {
		IncAMQPPublishError()
		return err
	}
	return nil
}
