package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func senderRouter(required bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SenderIdentity(required))
	r.GET("/who", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(SenderContextKey))
	})
	return r
}

func TestSenderIdentityStoresHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set("X-User-ID", " alice ")
	rec := httptest.NewRecorder()

	senderRouter(true).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestSenderIdentityOptional(t *testing.T) {
	rec := httptest.NewRecorder()
	senderRouter(false).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/who", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestSenderIdentityRequired(t *testing.T) {
	rec := httptest.NewRecorder()
	senderRouter(true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/who", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
