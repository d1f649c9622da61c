// Package forumapi is the HTTP client for the forum persistence endpoints:
// history, batched append and batched delete.
package forumapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"forum-service/internal/models"
)

const maxErrorBody = 4 << 10

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("forumapi: %s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("forumapi: %s: status %d: %s", e.Op, e.Code, e.Body)
}

// Client talks to the forum service.
type Client struct {
	baseURL  string
	senderID string
	http     *http.Client
	log      *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New builds a client for baseURL acting as senderID.
func New(baseURL, senderID string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		senderID: senderID,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

func (c *Client) messagesURL(roomID int64) string {
	return fmt.Sprintf("%s/forums/%d/messages", c.baseURL, roomID)
}

// History returns the persisted messages of a room ordered by createdAt.
func (c *Client) History(ctx context.Context, roomID int64) ([]models.Message, error) {
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.do(ctx, "history", http.MethodGet, c.messagesURL(roomID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Messages == nil {
		resp.Messages = []models.Message{}
	}
	return resp.Messages, nil
}

// AppendMessages durably writes msgs and returns the settled ids,
// positionally aligned with msgs. Safe to repeat with the same batch.
func (c *Client) AppendMessages(ctx context.Context, roomID int64, msgs []models.Message) ([]int64, error) {
	req := struct {
		Messages []models.Message `json:"messages"`
	}{Messages: msgs}
	var resp struct {
		AcceptedIDs []int64 `json:"acceptedIds"`
	}
	if err := c.do(ctx, "append", http.MethodPost, c.messagesURL(roomID), req, &resp); err != nil {
		return nil, err
	}
	if len(resp.AcceptedIDs) != len(msgs) {
		return nil, fmt.Errorf("forumapi: append: got %d accepted ids for %d messages", len(resp.AcceptedIDs), len(msgs))
	}
	return resp.AcceptedIDs, nil
}

// DeleteMessages removes ids from a room and returns the ids the server
// actually removed. Ids already gone are not an error.
func (c *Client) DeleteMessages(ctx context.Context, roomID int64, ids []int64) ([]int64, error) {
	req := struct {
		MessageIDs []int64 `json:"messageIds"`
	}{MessageIDs: ids}
	var resp struct {
		DeletedIDs []int64 `json:"deletedIds"`
	}
	if err := c.do(ctx, "delete", http.MethodDelete, c.messagesURL(roomID), req, &resp); err != nil {
		return nil, err
	}
	if resp.DeletedIDs == nil {
		resp.DeletedIDs = []int64{}
	}
	return resp.DeletedIDs, nil
}

func (c *Client) do(ctx context.Context, op, method, target string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("forumapi: %s: encode: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("forumapi: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.senderID != "" {
		req.Header.Set("X-User-ID", c.senderID)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("forumapi_request_failed", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("forumapi: %s: %w", op, err)
	}
	defer resp.Body.Close()

	c.log.Debug("forumapi_request",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("forumapi: %s: decode: %w", op, err)
	}
	return nil
}
