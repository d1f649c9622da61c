package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"forum-service/internal/models"
)

const (
	defaultPollWait = 25 * time.Second
	maxPollWait     = 50 * time.Second
	maxQueuedEvents = 512
)

var errQueueFull = errors.New("poll queue full")

type pollPeer struct {
	id     string
	notify chan struct{}
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	queue    []models.Event
	lastSeen time.Time
}

func newPollPeer(now time.Time) *pollPeer {
	return &pollPeer{
		id:       uuid.NewString(),
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
		lastSeen: now,
	}
}

func (p *pollPeer) ID() string { return p.id }

func (p *pollPeer) Send(ev models.Event) error {
	select {
	case <-p.closed:
		return errPeerClosed
	default:
	}
	p.mu.Lock()
	if len(p.queue) >= maxQueuedEvents {
		p.mu.Unlock()
		return errQueueFull
	}
	p.queue = append(p.queue, ev)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

func (p *pollPeer) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pollPeer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *pollPeer) touch(now time.Time) {
	p.mu.Lock()
	p.lastSeen = now
	p.mu.Unlock()
}

func (p *pollPeer) idleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

func (p *pollPeer) take() []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	out := p.queue
	p.queue = nil
	return out
}

// drain waits up to wait for queued events and returns all of them.
func (p *pollPeer) drain(ctx context.Context, wait time.Duration) ([]models.Event, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if events := p.take(); events != nil {
			return events, nil
		}
		select {
		case <-p.notify:
		case <-p.closed:
			return nil, errPeerClosed
		case <-timer.C:
			return []models.Event{}, nil
		case <-ctx.Done():
			return []models.Event{}, nil
		}
	}
}

// PollHandler serves the long-polling transport used when websockets are
// unavailable. A session lives until it is closed or stays idle past the TTL.
type PollHandler struct {
	gateway *Gateway
	ttl     time.Duration
	now     func() time.Time
	log     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*pollPeer
}

// NewPollHandler constructs a PollHandler.
func NewPollHandler(gateway *Gateway, ttl time.Duration, log *zap.Logger) *PollHandler {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &PollHandler{
		gateway:  gateway,
		ttl:      ttl,
		now:      time.Now,
		log:      log,
		sessions: make(map[string]*pollPeer),
	}
}

// Register mounts the polling routes on r.
func (h *PollHandler) Register(r gin.IRouter) {
	r.POST("/rt/poll", h.Open)
	r.POST("/rt/poll/:sid", h.Push)
	r.GET("/rt/poll/:sid", h.Pull)
	r.DELETE("/rt/poll/:sid", h.Close)
}

// Open starts a session.
func (h *PollHandler) Open(c *gin.Context) {
	ctx, span := otel.Tracer("forum-service/ws").Start(c.Request.Context(), "poll.open")
	defer span.End()

	peer := newPollPeer(h.now())
	info := connInfoFromRequest(c, peer.ID(), TransportPolling, span.SpanContext().TraceID().String())

	h.mu.Lock()
	h.sessions[peer.ID()] = peer
	h.mu.Unlock()
	h.gateway.Connect(ctx, peer, info)

	c.JSON(http.StatusCreated, gin.H{"sid": peer.ID()})
}

// Push applies one client event.
func (h *PollHandler) Push(c *gin.Context) {
	peer, ok := h.session(c)
	if !ok {
		return
	}
	var ev models.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}
	peer.touch(h.now())
	h.gateway.Handle(c.Request.Context(), peer, ev)
	c.Status(http.StatusNoContent)
}

// Pull long-polls for server events.
func (h *PollHandler) Pull(c *gin.Context) {
	peer, ok := h.session(c)
	if !ok {
		return
	}
	wait := defaultPollWait
	if raw := c.Query("wait"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
			wait = d
		}
	}
	if wait > maxPollWait {
		wait = maxPollWait
	}

	peer.touch(h.now())
	events, err := peer.drain(c.Request.Context(), wait)
	peer.touch(h.now())
	if err != nil {
		h.remove(c.Request.Context(), peer, "closed by server")
		c.JSON(http.StatusGone, gin.H{"error": "session closed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// Close ends a session.
func (h *PollHandler) Close(c *gin.Context) {
	peer, ok := h.session(c)
	if !ok {
		return
	}
	h.remove(c.Request.Context(), peer, "client closed")
	c.Status(http.StatusNoContent)
}

func (h *PollHandler) session(c *gin.Context) (*pollPeer, bool) {
	h.mu.Lock()
	peer, ok := h.sessions[c.Param("sid")]
	h.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return nil, false
	}
	return peer, true
}

func (h *PollHandler) remove(ctx context.Context, peer *pollPeer, reason string) {
	h.mu.Lock()
	delete(h.sessions, peer.ID())
	h.mu.Unlock()
	_ = peer.Close()
	h.gateway.Disconnect(ctx, peer, reason)
}

// Reap closes sessions idle longer than the TTL and those closed by the
// hub. It returns how many were removed.
func (h *PollHandler) Reap() int {
	cutoff := h.now().Add(-h.ttl)
	h.mu.Lock()
	var stale []*pollPeer
	for _, peer := range h.sessions {
		if peer.isClosed() || peer.idleSince().Before(cutoff) {
			stale = append(stale, peer)
		}
	}
	h.mu.Unlock()

	for _, peer := range stale {
		h.remove(context.Background(), peer, "idle timeout")
	}
	if len(stale) > 0 {
		h.log.Info("poll_sessions_reaped", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Run reaps idle sessions until ctx is done.
func (h *PollHandler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Reap()
		}
	}
}

// Sessions returns the number of open sessions.
func (h *PollHandler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
