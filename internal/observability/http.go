package observability

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Identity headers set by the upstream gateway.
const (
	HeaderSenderID  = "X-User-ID"
	HeaderDeviceID  = "X-Device-Id"
	HeaderRequestID = "X-Request-Id"
)

// SenderIDFromRequest reads the sender from the identity header, falling
// back to the senderId query parameter browsers use for websocket upgrades.
func SenderIDFromRequest(r *http.Request) string {
	if sender := strings.TrimSpace(r.Header.Get(HeaderSenderID)); sender != "" {
		return sender
	}
	return strings.TrimSpace(r.URL.Query().Get("senderId"))
}

func DeviceIDFromRequest(r *http.Request) string {
	return r.Header.Get(HeaderDeviceID)
}

// RequestIDFromRequest returns the caller's request id or a fresh one.
func RequestIDFromRequest(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.NewString()
}

func IPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
