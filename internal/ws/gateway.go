package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"forum-service/internal/models"
	"forum-service/internal/observability"
	"forum-service/internal/repositories"
)

const forumLookupTimeout = 5 * time.Second

// GatewayConfig tunes the per-connection send limit.
type GatewayConfig struct {
	SendRate  float64
	SendBurst int
}

// Gateway interprets inbound realtime events for every transport.
type Gateway struct {
	hub       *Hub
	forumRepo repositories.ForumRepository
	cfg       GatewayConfig
	log       *zap.Logger

	mu       sync.Mutex
	limiters map[Peer]*rate.Limiter
}

// NewGateway builds a Gateway.
func NewGateway(hub *Hub, forumRepo repositories.ForumRepository, cfg GatewayConfig, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = 10
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 20
	}
	return &Gateway{
		hub:       hub,
		forumRepo: forumRepo,
		cfg:       cfg,
		log:       log,
		limiters:  make(map[Peer]*rate.Limiter),
	}
}

// Hub returns the room hub behind the gateway.
func (g *Gateway) Hub() *Hub { return g.hub }

// Connect registers a new peer.
func (g *Gateway) Connect(ctx context.Context, p Peer, info ConnInfo) {
	g.hub.Register(p, info)
	g.mu.Lock()
	g.limiters[p] = rate.NewLimiter(rate.Limit(g.cfg.SendRate), g.cfg.SendBurst)
	g.mu.Unlock()

	observability.IncWSActive(info.Transport)
	publishWSEvent(ctx, "ws_connect", 0, info, "")
	g.log.Info("peer_connected", info.logFields()...)
}

// Disconnect drops p from every room. Safe to call more than once.
func (g *Gateway) Disconnect(ctx context.Context, p Peer, reason string) {
	info, ok := g.hub.Info(p)
	if !ok {
		return
	}
	g.hub.Unregister(p)
	g.mu.Lock()
	delete(g.limiters, p)
	g.mu.Unlock()

	observability.DecWSActive(info.Transport)
	publishWSEvent(ctx, "ws_disconnect", 0, info, reason)
	g.log.Info("peer_disconnected", append(info.logFields(), zap.String("reason", reason))...)
}

// Handle applies one inbound event from p.
func (g *Gateway) Handle(ctx context.Context, p Peer, ev models.Event) {
	switch ev.Type {
	case models.EventJoinRoom:
		g.join(ctx, p, ev.RoomID)
	case models.EventLeaveRoom:
		g.hub.Leave(ev.RoomID, p)
	case models.EventSendMessage:
		g.send(p, ev.Message)
	default:
		g.reject(p, ev.RoomID, "unknown event type")
	}
}

func (g *Gateway) join(ctx context.Context, p Peer, roomID int64) {
	if roomID <= 0 {
		g.reject(p, roomID, "invalid room id")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, forumLookupTimeout)
	defer cancel()
	if _, err := g.forumRepo.GetForum(ctx, roomID); err != nil {
		if errors.Is(err, repositories.ErrForumNotFound) {
			g.reject(p, roomID, "forum not found")
			return
		}
		g.log.Error("forum_lookup_failed", zap.Int64("room_id", roomID), zap.Error(err))
		g.reject(p, roomID, "failed to join forum")
		return
	}

	if g.hub.Join(roomID, p) {
		g.log.Debug("room_joined", zap.String("conn_id", p.ID()), zap.Int64("room_id", roomID))
	}
	_ = p.Send(models.Event{Type: models.EventRoomJoined, RoomID: roomID})
}

func (g *Gateway) send(p Peer, msg *models.Message) {
	if msg == nil {
		g.reject(p, 0, "missing message")
		return
	}
	if err := msg.Validate(); err != nil {
		g.reject(p, msg.RoomID, "invalid message: "+err.Error())
		return
	}
	if !g.hub.Joined(msg.RoomID, p) {
		g.reject(p, msg.RoomID, "not joined to forum")
		return
	}
	if !g.allow(p) {
		info, _ := g.hub.Info(p)
		observability.IncWSEvent(info.Transport, "rate_limited")
		g.reject(p, msg.RoomID, "rate limit exceeded")
		return
	}

	g.hub.Broadcast(msg.RoomID, p, models.Event{Type: models.EventReceiveMessage, RoomID: msg.RoomID, Message: msg})
}

func (g *Gateway) allow(p Peer) bool {
	g.mu.Lock()
	limiter, ok := g.limiters[p]
	g.mu.Unlock()
	return !ok || limiter.Allow()
}

func (g *Gateway) reject(p Peer, roomID int64, reason string) {
	_ = p.Send(models.Event{Type: models.EventError, RoomID: roomID, Error: reason})
}
