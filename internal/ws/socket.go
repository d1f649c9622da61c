package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"forum-service/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

var errPeerClosed = errors.New("peer closed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type socketPeer struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

func newSocketPeer(conn *websocket.Conn) *socketPeer {
	return &socketPeer{id: uuid.NewString(), conn: conn, closed: make(chan struct{})}
}

func (p *socketPeer) ID() string { return p.id }

func (p *socketPeer) Send(ev models.Event) error {
	select {
	case <-p.closed:
		return errPeerClosed
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(ev)
}

func (p *socketPeer) ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (p *socketPeer) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		err = p.conn.Close()
	})
	return err
}

// SocketHandler serves the websocket transport.
type SocketHandler struct {
	gateway *Gateway
	log     *zap.Logger
}

// NewSocketHandler constructs a SocketHandler.
func NewSocketHandler(gateway *Gateway, log *zap.Logger) *SocketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SocketHandler{gateway: gateway, log: log}
}

// Handle upgrades the connection and pumps events until it closes.
func (h *SocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("forum-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	peer := newSocketPeer(conn)
	info := connInfoFromRequest(c, peer.ID(), TransportWebsocket, span.SpanContext().TraceID().String())
	h.gateway.Connect(ctx, peer, info)

	go h.pingLoop(peer)
	go h.readLoop(peer, info)
}

func (h *SocketHandler) readLoop(peer *socketPeer, info ConnInfo) {
	ctx := context.Background()
	var closeReason string
	defer func() {
		h.gateway.Disconnect(ctx, peer, closeReason)
		_ = peer.Close()
	}()

	_ = peer.conn.SetReadDeadline(time.Now().Add(pongWait))
	peer.conn.SetPongHandler(func(string) error {
		return peer.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var ev models.Event
		if err := peer.conn.ReadJSON(&ev); err != nil {
			closeReason = err.Error()
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				_ = peer.Send(models.Event{Type: models.EventError, Error: "malformed event"})
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				publishWSEvent(ctx, "ws_error", 0, info, closeReason)
			}
			return
		}
		h.gateway.Handle(ctx, peer, ev)
	}
}

func (h *SocketHandler) pingLoop(peer *socketPeer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-peer.closed:
			return
		case <-ticker.C:
			if err := peer.ping(); err != nil {
				_ = peer.Close()
				return
			}
		}
	}
}
