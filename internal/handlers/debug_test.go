package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"forum-service/internal/mocks"
	"forum-service/internal/models"
	"forum-service/internal/telemetry"
	"forum-service/internal/ws"
)

type idlePeer struct{ id string }

func (p idlePeer) ID() string              { return p.id }
func (p idlePeer) Send(models.Event) error { return nil }
func (p idlePeer) Close() error            { return nil }

func TestDebugRoutesDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, nil, ws.NewHub(nil), false)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugPeerCount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := ws.NewHub(nil)
	for _, id := range []string{"a", "b"} {
		p := idlePeer{id: id}
		hub.Register(p, ws.ConnInfo{ConnID: id})
		hub.Join(4, p)
	}
	r := gin.New()
	RegisterDebugRoutes(r, nil, hub, true)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/forums/4/peers", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"forum_id":4,"peers":2}`, rec.Body.String())
}

func TestDebugAuditTest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "audit.forum", mock.AnythingOfType("telemetry.AuditEnvelope")).Return(nil).Once()
	audit := telemetry.NewAuditEmitter(publisher, "audit.forum", "forum-service", "test", nil)
	r := gin.New()
	RegisterDebugRoutes(r, audit, ws.NewHub(nil), true)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	publisher.AssertExpectations(t)
}
