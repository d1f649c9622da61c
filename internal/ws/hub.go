package ws

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"forum-service/internal/models"
	"forum-service/internal/observability"
)

// Transport names used for metrics labels and lifecycle events.
const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"
)

// Peer is one realtime connection, whatever carries it.
type Peer interface {
	ID() string
	Send(ev models.Event) error
	Close() error
}

type peerState struct {
	info  ConnInfo
	rooms map[int64]struct{}
}

// Hub maintains forum rooms and the peers joined to them.
type Hub struct {
	rooms map[int64]map[Peer]struct{}
	peers map[Peer]*peerState
	mu    sync.RWMutex
	log   *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		rooms: make(map[int64]map[Peer]struct{}),
		peers: make(map[Peer]*peerState),
		log:   log,
	}
}

// Register adds a connected peer with no rooms.
func (h *Hub) Register(p Peer, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p]; ok {
		return
	}
	h.peers[p] = &peerState{info: info, rooms: make(map[int64]struct{})}
}

// Unregister removes p from every room it joined and forgets it.
func (h *Hub) Unregister(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.peers[p]
	if !ok {
		return
	}
	for roomID := range state.rooms {
		h.removeLocked(roomID, p)
	}
	delete(h.peers, p)
}

// Join subscribes p to a room. Joining twice is a no-op; the result reports
// whether p was newly added.
func (h *Hub) Join(roomID int64, p Peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.peers[p]
	if !ok {
		return false
	}
	if _, joined := state.rooms[roomID]; joined {
		return false
	}
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[Peer]struct{})
	}
	h.rooms[roomID][p] = struct{}{}
	state.rooms[roomID] = struct{}{}
	return true
}

// Leave unsubscribes p from a room. Leaving an unjoined room is a no-op.
func (h *Hub) Leave(roomID int64, p Peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.peers[p]
	if !ok {
		return false
	}
	if _, joined := state.rooms[roomID]; !joined {
		return false
	}
	h.removeLocked(roomID, p)
	delete(state.rooms, roomID)
	return true
}

func (h *Hub) removeLocked(roomID int64, p Peer) {
	if conns, ok := h.rooms[roomID]; ok {
		delete(conns, p)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Joined reports whether p is subscribed to roomID.
func (h *Hub) Joined(roomID int64, p Peer) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	state, ok := h.peers[p]
	if !ok {
		return false
	}
	_, joined := state.rooms[roomID]
	return joined
}

// Rooms lists the rooms p is joined to.
func (h *Hub) Rooms(p Peer) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	state, ok := h.peers[p]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(state.rooms))
	for roomID := range state.rooms {
		out = append(out, roomID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoomSize returns the number of peers joined to roomID.
func (h *Hub) RoomSize(roomID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Peers returns a snapshot of the peers joined to roomID.
func (h *Hub) Peers(roomID int64) []Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Peer, 0, len(h.rooms[roomID]))
	for p := range h.rooms[roomID] {
		out = append(out, p)
	}
	return out
}

// Info returns the connection info recorded at Register.
func (h *Hub) Info(p Peer) (ConnInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	state, ok := h.peers[p]
	if !ok {
		return ConnInfo{}, false
	}
	return state.info, true
}

// Broadcast delivers ev to every peer in roomID except from. Peers that fail
// to accept the event are closed; their transport unregisters them.
func (h *Hub) Broadcast(roomID int64, from Peer, ev models.Event) int {
	h.mu.RLock()
	targets := make([]Peer, 0, len(h.rooms[roomID]))
	for p := range h.rooms[roomID] {
		if p != from {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, p := range targets {
		if err := p.Send(ev); err != nil {
			h.log.Warn("peer_send_failed", zap.String("conn_id", p.ID()), zap.Int64("room_id", roomID), zap.Error(err))
			h.publishWSError(roomID, p, err)
			_ = p.Close()
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) publishWSError(roomID int64, p Peer, err error) {
	info, ok := h.Info(p)
	if !ok {
		return
	}
	publishWSEvent(context.Background(), "ws_error", roomID, info, err.Error())
}

func publishWSEvent(ctx context.Context, event string, roomID int64, info ConnInfo, reason string) {
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"transport":   info.Transport,
			"forum_id":    roomID,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"sender_id": info.SenderID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	headers := observability.BuildHeaders(info.RequestID, info.TraceID, info.SenderID)
	_ = observability.PublishEvent(ctx, "ws_events.forums", observability.NewEnvelope("ws_events", event, payload), headers)
	observability.IncWSEvent(info.Transport, event)
}
