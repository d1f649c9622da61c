package realtime

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"forum-service/internal/mocks"
	"forum-service/internal/models"
	"forum-service/internal/ws"
)

const room = int64(7)

type relay struct {
	srv *httptest.Server
	hub *ws.Hub
}

func newRelay(t *testing.T, withSocket bool) *relay {
	t.Helper()
	gin.SetMode(gin.TestMode)

	forums := new(mocks.ForumRepositoryMock)
	forums.On("GetForum", mock.Anything, room).Return(models.Forum{ID: room}, nil)

	// Server goroutines can outlive the test, so they must not log to t.
	log := zap.NewNop()
	hub := ws.NewHub(log)
	gateway := ws.NewGateway(hub, forums, ws.GatewayConfig{}, log)

	r := gin.New()
	if withSocket {
		r.GET("/ws", ws.NewSocketHandler(gateway, log).Handle)
	}
	ws.NewPollHandler(gateway, time.Minute, log).Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &relay{srv: srv, hub: hub}
}

type recorder struct {
	mu       sync.Mutex
	messages []models.Message
	states   []StateChange
	joined   []int64
}

func (r *recorder) attach(c *Channel) {
	c.OnMessage(func(ev models.Event) {
		r.mu.Lock()
		r.messages = append(r.messages, *ev.Message)
		r.mu.Unlock()
	})
	c.OnStateChange(func(sc StateChange) {
		r.mu.Lock()
		r.states = append(r.states, sc)
		r.mu.Unlock()
	})
	c.OnJoined(func(roomID int64) {
		r.mu.Lock()
		r.joined = append(r.joined, roomID)
		r.mu.Unlock()
	})
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) joinCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.joined)
}

func (r *recorder) connected() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StateChange
	for _, sc := range r.states {
		if sc.State == Connected {
			out = append(out, sc)
		}
	}
	return out
}

func (r *recorder) last() StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return StateChange{}
	}
	return r.states[len(r.states)-1]
}

func dial(t *testing.T, endpoint, sender string, transports ...string) (*Channel, *recorder) {
	t.Helper()
	header := http.Header{}
	header.Set("X-User-ID", sender)
	c, err := Connect(endpoint, Options{
		Transports: transports,
		Header:     header,
		PollWait:   200 * time.Millisecond,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(20 * time.Millisecond) },
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	rec := &recorder{}
	rec.attach(c)
	t.Cleanup(c.Disconnect)
	return c, rec
}

func outgoing(sender, body string) models.Message {
	return models.Message{ID: 1700000000000, Body: body, RoomID: room, SenderID: sender, CreatedAt: time.Now().UTC()}
}

func TestChannelRelaysOverWebsocket(t *testing.T) {
	rl := newRelay(t, true)
	alice, aliceRec := dial(t, rl.srv.URL, "alice")
	bob, bobRec := dial(t, rl.srv.URL, "bob")

	alice.Join(room)
	bob.Join(room)
	require.Eventually(t, func() bool {
		return aliceRec.joinCount() == 1 && bobRec.joinCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, TransportWebsocket, aliceRec.connected()[0].Transport)

	alice.Send(outgoing("alice", "hello"))

	require.Eventually(t, func() bool { return bobRec.messageCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	bobRec.mu.Lock()
	assert.Equal(t, "hello", bobRec.messages[0].Body)
	bobRec.mu.Unlock()
	assert.Never(t, func() bool { return aliceRec.messageCount() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestChannelRelaysOverPolling(t *testing.T) {
	rl := newRelay(t, true)
	alice, aliceRec := dial(t, rl.srv.URL, "alice", TransportPolling)
	bob, bobRec := dial(t, rl.srv.URL, "bob", TransportPolling)

	alice.Join(room)
	bob.Join(room)
	require.Eventually(t, func() bool {
		return aliceRec.joinCount() == 1 && bobRec.joinCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	bob.Send(outgoing("bob", "over http"))

	require.Eventually(t, func() bool { return aliceRec.messageCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, TransportPolling, aliceRec.connected()[0].Transport)
}

func TestChannelFallsBackToPolling(t *testing.T) {
	rl := newRelay(t, false)
	c, rec := dial(t, rl.srv.URL, "alice")

	c.Join(room)

	require.Eventually(t, func() bool { return rec.joinCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, TransportPolling, rec.connected()[0].Transport)
	assert.Equal(t, Connected, c.State())
}

func TestChannelRejoinsAfterReconnect(t *testing.T) {
	rl := newRelay(t, true)
	c, rec := dial(t, rl.srv.URL, "alice")
	c.Join(room)
	require.Eventually(t, func() bool { return rec.joinCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	for _, p := range rl.hub.Peers(room) {
		require.NoError(t, p.Close())
	}

	require.Eventually(t, func() bool { return rec.joinCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, rec.connected(), 2)
	assert.Equal(t, []int64{room}, c.Rooms())
	require.Eventually(t, func() bool { return rl.hub.RoomSize(room) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestChannelJoinIsIdempotent(t *testing.T) {
	rl := newRelay(t, true)
	c, rec := dial(t, rl.srv.URL, "alice")
	require.Eventually(t, func() bool { return len(rec.connected()) == 1 }, 5*time.Second, 10*time.Millisecond)

	c.Join(room)
	c.Join(room)

	require.Eventually(t, func() bool { return rec.joinCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return rec.joinCount() > 1 }, 200*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, []int64{room}, c.Rooms())
	assert.Equal(t, 1, rl.hub.RoomSize(room))
}

func TestChannelLeaveStopsDelivery(t *testing.T) {
	rl := newRelay(t, true)
	alice, aliceRec := dial(t, rl.srv.URL, "alice")
	bob, bobRec := dial(t, rl.srv.URL, "bob")
	alice.Join(room)
	bob.Join(room)
	require.Eventually(t, func() bool {
		return aliceRec.joinCount() == 1 && bobRec.joinCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	bob.Leave(room)
	bob.Leave(room)
	require.Eventually(t, func() bool { return rl.hub.RoomSize(room) == 1 }, 5*time.Second, 10*time.Millisecond)

	alice.Send(outgoing("alice", "anyone?"))
	assert.Never(t, func() bool { return bobRec.messageCount() > 0 }, 200*time.Millisecond, 20*time.Millisecond)
	assert.Empty(t, bob.Rooms())
}

func TestChannelSendWhileDisconnectedIsDropped(t *testing.T) {
	c, rec := dial(t, "http://127.0.0.1:1", "alice")

	c.Join(room)
	c.Send(outgoing("alice", "lost"))

	require.Eventually(t, func() bool {
		sc := rec.last()
		return sc.State == Disconnected && sc.Reason == ReasonDialFailed
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, Connected, c.State())
	assert.Equal(t, []int64{room}, c.Rooms())
}

func TestChannelDisconnectIsIdempotent(t *testing.T) {
	rl := newRelay(t, true)
	c, rec := dial(t, rl.srv.URL, "alice")
	require.Eventually(t, func() bool { return len(rec.connected()) == 1 }, 5*time.Second, 10*time.Millisecond)

	c.Disconnect()
	c.Disconnect()

	assert.Equal(t, Disconnected, c.State())
	require.Eventually(t, func() bool { return rec.last().Reason == ReasonClientClosed }, time.Second, 10*time.Millisecond)
	assert.Len(t, rec.connected(), 1)
}

func TestConnectRejectsBadOptions(t *testing.T) {
	_, err := Connect("localhost-without-scheme", Options{})
	assert.Error(t, err)

	_, err = Connect("http://localhost:8083", Options{Transports: []string{"carrier-pigeon"}})
	assert.ErrorContains(t, err, "carrier-pigeon")
}
