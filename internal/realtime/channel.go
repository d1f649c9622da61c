// Package realtime is the client side of the forum relay: one multiplexed
// connection per process carrying join, leave, send and receive events for
// any number of rooms.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"forum-service/internal/models"
)

// State is the connection state of a Channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Reasons carried by Disconnected transitions.
const (
	ReasonDialFailed      = "dial_failed"
	ReasonTransportClosed = "transport_closed"
	ReasonClientClosed    = "client_disconnect"
)

// StateChange is delivered to OnStateChange handlers.
type StateChange struct {
	State     State
	Reason    string
	Err       error
	Transport string
}

// Options configures Connect.
type Options struct {
	// Transports in the order they are tried on every (re)connect.
	Transports  []string
	DialTimeout time.Duration
	PollWait    time.Duration
	Header      http.Header
	HTTPClient  *http.Client
	// NewBackOff builds the reconnect policy. Defaults to exponential
	// backoff without an elapsed-time limit.
	NewBackOff func() backoff.BackOff
	Logger     *zap.Logger
}

func (o *Options) defaults() error {
	if len(o.Transports) == 0 {
		o.Transports = []string{TransportWebsocket, TransportPolling}
	}
	for _, t := range o.Transports {
		if _, ok := dialers[t]; !ok {
			return fmt.Errorf("realtime: unknown transport %q", t)
		}
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.PollWait <= 0 {
		o.PollWait = 25 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.NewBackOff == nil {
		o.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return nil
}

// Channel is a reconnecting realtime connection. Handlers registered with
// the On* methods run one at a time on a dedicated goroutine.
type Channel struct {
	base *url.URL
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	events *dispatcher
	once   sync.Once

	mu        sync.Mutex
	rooms     map[int64]struct{}
	conn      conn
	state     State
	onMessage []func(models.Event)
	onState   []func(StateChange)
	onJoined  []func(roomID int64)
}

// Connect starts connecting to endpoint in the background and returns
// immediately. Failures surface as Disconnected state changes and are
// retried until Disconnect.
func Connect(endpoint string, opts Options) (*Channel, error) {
	base, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("realtime: parse endpoint: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("realtime: endpoint %q has no host", endpoint)
	}
	if err := opts.defaults(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		base:   base,
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		events: newDispatcher(),
		rooms:  make(map[int64]struct{}),
	}
	go c.run()
	return c, nil
}

// OnMessage registers a handler for receive_message events.
func (c *Channel) OnMessage(fn func(models.Event)) {
	c.mu.Lock()
	c.onMessage = append(c.onMessage, fn)
	c.mu.Unlock()
}

// OnStateChange registers a handler for connection state transitions.
func (c *Channel) OnStateChange(fn func(StateChange)) {
	c.mu.Lock()
	c.onState = append(c.onState, fn)
	c.mu.Unlock()
}

// OnJoined registers a handler for server join acknowledgements.
func (c *Channel) OnJoined(fn func(roomID int64)) {
	c.mu.Lock()
	c.onJoined = append(c.onJoined, fn)
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Rooms lists the rooms that will be (re)joined on every connect.
func (c *Channel) Rooms() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Join subscribes to roomID now if connected and on every reconnect.
// Joining an already joined room is a no-op.
func (c *Channel) Join(roomID int64) {
	c.mu.Lock()
	if _, ok := c.rooms[roomID]; ok {
		c.mu.Unlock()
		return
	}
	c.rooms[roomID] = struct{}{}
	cn := c.conn
	c.mu.Unlock()

	if cn != nil {
		c.write(cn, models.Event{Type: models.EventJoinRoom, RoomID: roomID})
	}
}

// Leave unsubscribes from roomID. Leaving an unjoined room is a no-op.
func (c *Channel) Leave(roomID int64) {
	c.mu.Lock()
	if _, ok := c.rooms[roomID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.rooms, roomID)
	cn := c.conn
	c.mu.Unlock()

	if cn != nil {
		c.write(cn, models.Event{Type: models.EventLeaveRoom, RoomID: roomID})
	}
}

// Send publishes m to the other members of its room. Delivery is not
// acknowledged; while disconnected the message is dropped.
func (c *Channel) Send(m models.Message) {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		c.log.Debug("send_dropped_disconnected", zap.Int64("room_id", m.RoomID), zap.Int64("message_id", m.ID))
		return
	}
	c.write(cn, models.Event{Type: models.EventSendMessage, RoomID: m.RoomID, Message: &m})
}

func (c *Channel) write(cn conn, ev models.Event) {
	if err := cn.Send(ev); err != nil {
		c.log.Debug("event_write_failed", zap.String("type", ev.Type), zap.String("transport", cn.Name()), zap.Error(err))
	}
}

// Disconnect tears the connection down and stops reconnecting. Safe to
// call more than once and from handlers.
func (c *Channel) Disconnect() {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		cn := c.conn
		c.mu.Unlock()
		if cn != nil {
			_ = cn.Close()
		}
		<-c.done
		c.setState(StateChange{State: Disconnected, Reason: ReasonClientClosed})
		c.events.close()
	})
}

func (c *Channel) run() {
	defer close(c.done)
	b := backoff.WithContext(c.opts.NewBackOff(), c.ctx)

	for c.ctx.Err() == nil {
		c.setState(StateChange{State: Connecting})
		cn, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.setState(StateChange{State: Disconnected, Reason: ReasonDialFailed, Err: err})
			if !c.sleep(b.NextBackOff()) {
				return
			}
			continue
		}
		b.Reset()

		c.mu.Lock()
		c.conn = cn
		rooms := make([]int64, 0, len(c.rooms))
		for id := range c.rooms {
			rooms = append(rooms, id)
		}
		c.mu.Unlock()
		if c.ctx.Err() != nil {
			_ = cn.Close()
			return
		}

		c.setState(StateChange{State: Connected, Transport: cn.Name()})
		sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
		for _, id := range rooms {
			c.write(cn, models.Event{Type: models.EventJoinRoom, RoomID: id})
		}

		err = c.readLoop(cn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = cn.Close()
		if c.ctx.Err() != nil {
			return
		}
		c.setState(StateChange{State: Disconnected, Reason: ReasonTransportClosed, Err: err, Transport: cn.Name()})
		if !c.sleep(b.NextBackOff()) {
			return
		}
	}
}

func (c *Channel) dial() (conn, error) {
	var errs []error
	for _, name := range c.opts.Transports {
		cn, err := dialers[name](c.ctx, c.base, c.opts)
		if err == nil {
			c.log.Info("realtime_connected", zap.String("transport", name), zap.String("endpoint", c.base.String()))
			return cn, nil
		}
		c.log.Debug("transport_unavailable", zap.String("transport", name), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return nil, errors.Join(errs...)
}

func (c *Channel) sleep(d time.Duration) bool {
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Channel) readLoop(cn conn) error {
	for {
		ev, err := cn.Recv()
		if err != nil {
			return err
		}
		switch ev.Type {
		case models.EventReceiveMessage:
			c.mu.Lock()
			handlers := append([]func(models.Event){}, c.onMessage...)
			c.mu.Unlock()
			c.events.post(func() {
				for _, fn := range handlers {
					fn(ev)
				}
			})
		case models.EventRoomJoined:
			c.mu.Lock()
			handlers := append([]func(int64){}, c.onJoined...)
			c.mu.Unlock()
			roomID := ev.RoomID
			c.events.post(func() {
				for _, fn := range handlers {
					fn(roomID)
				}
			})
		case models.EventError:
			c.log.Warn("relay_error", zap.Int64("room_id", ev.RoomID), zap.String("error", ev.Error))
		default:
			c.log.Debug("event_ignored", zap.String("type", ev.Type))
		}
	}
}

func (c *Channel) setState(sc StateChange) {
	c.mu.Lock()
	c.state = sc.State
	handlers := append([]func(StateChange){}, c.onState...)
	c.mu.Unlock()

	if sc.State == Disconnected && sc.Err != nil {
		c.log.Info("realtime_disconnected", zap.String("reason", sc.Reason), zap.Error(sc.Err))
	}
	c.events.post(func() {
		for _, fn := range handlers {
			fn(sc)
		}
	})
}
