package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"forum-service/internal/models"
)

// Transport kinds, in the default negotiation order.
const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"
)

var errSessionClosed = errors.New("realtime: session closed by server")

// conn is one established transport session.
type conn interface {
	Name() string
	Send(ev models.Event) error
	// Recv blocks until the next server event or a transport failure.
	Recv() (models.Event, error)
	Close() error
}

type dialer func(ctx context.Context, base *url.URL, opts Options) (conn, error)

var dialers = map[string]dialer{
	TransportWebsocket: dialWebsocket,
	TransportPolling:   dialPolling,
}

type wsConn struct {
	c       *websocket.Conn
	writeMu sync.Mutex
}

func dialWebsocket(ctx context.Context, base *url.URL, opts Options) (conn, error) {
	u := *base
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	d := websocket.Dialer{HandshakeTimeout: opts.DialTimeout, Proxy: http.ProxyFromEnvironment}
	c, resp, err := d.DialContext(ctx, u.String(), opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsConn{c: c}, nil
}

func (w *wsConn) Name() string { return TransportWebsocket }

func (w *wsConn) Send(ev models.Event) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteJSON(ev)
}

func (w *wsConn) Recv() (models.Event, error) {
	for {
		var ev models.Event
		err := w.c.ReadJSON(&ev)
		if err == nil {
			return ev, nil
		}
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			continue
		}
		return models.Event{}, err
	}
}

func (w *wsConn) Close() error {
	w.writeMu.Lock()
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return w.c.Close()
}

type pollConn struct {
	client  *http.Client
	base    string
	header  http.Header
	wait    time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	pending []models.Event
	once    sync.Once
}

func dialPolling(ctx context.Context, base *url.URL, opts Options) (conn, error) {
	root := strings.TrimRight(base.String(), "/") + "/rt/poll"

	dctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(dctx, http.MethodPost, root, nil)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, opts.Header)
	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling open: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polling open: status %d", resp.StatusCode)
	}
	var body struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.SID == "" {
		return nil, fmt.Errorf("polling open: bad session response")
	}

	// The session outlives the dial context.
	cctx, ccancel := context.WithCancel(context.Background())
	return &pollConn{
		client: opts.HTTPClient,
		base:   root + "/" + url.PathEscape(body.SID),
		header: opts.Header,
		wait:   opts.PollWait,
		ctx:    cctx,
		cancel: ccancel,
	}, nil
}

func (p *pollConn) Name() string { return TransportPolling }

func (p *pollConn) Send(ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base, bytes.NewReader(data))
	if err != nil {
		return err
	}
	copyHeader(req.Header, p.header)
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return errSessionClosed
	case resp.StatusCode >= 300:
		return fmt.Errorf("polling send: status %d", resp.StatusCode)
	}
	return nil
}

func (p *pollConn) Recv() (models.Event, error) {
	for len(p.pending) == 0 {
		events, err := p.poll()
		if err != nil {
			return models.Event{}, err
		}
		p.pending = events
	}
	ev := p.pending[0]
	p.pending = p.pending[1:]
	return ev, nil
}

func (p *pollConn) poll() ([]models.Event, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.wait+10*time.Second)
	defer cancel()
	target := p.base + "?wait=" + url.QueryEscape(p.wait.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, p.header)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, errSessionClosed
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("polling recv: status %d", resp.StatusCode)
	}
	var body struct {
		Events []models.Event `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("polling recv: %w", err)
	}
	return body.Events, nil
}

func (p *pollConn) Close() error {
	p.once.Do(func() {
		p.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.base, nil)
		if err != nil {
			return
		}
		copyHeader(req.Header, p.header)
		if resp, err := p.client.Do(req); err == nil {
			resp.Body.Close()
		}
	})
	return nil
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
