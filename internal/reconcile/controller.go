// Package reconcile keeps a client's view of a forum room consistent across
// three sources: the durable history on the server, the local buffer of
// messages not yet flushed, and the realtime relay.
package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"forum-service/internal/localstore"
	"forum-service/internal/models"
	"forum-service/internal/realtime"
)

var (
	// ErrNoRoom is returned by operations that need a selected room.
	ErrNoRoom = errors.New("reconcile: no room selected")
	// ErrEmptyMessage is returned by Send for a blank body without attachments.
	ErrEmptyMessage = errors.New("reconcile: empty message")
	// ErrInvalidRoom is returned by Select for a non-positive room id.
	ErrInvalidRoom = errors.New("reconcile: invalid room id")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("reconcile: controller closed")
)

// Flush operation labels passed to the Reporter.
const (
	OpAppend = "append"
	OpDelete = "delete"
)

// Remote is the durable store on the server.
type Remote interface {
	History(ctx context.Context, roomID int64) ([]models.Message, error)
	AppendMessages(ctx context.Context, roomID int64, msgs []models.Message) ([]int64, error)
	DeleteMessages(ctx context.Context, roomID int64, ids []int64) ([]int64, error)
}

// Channel is the realtime relay connection. *realtime.Channel implements it.
type Channel interface {
	Join(roomID int64)
	Leave(roomID int64)
	Send(m models.Message)
	OnMessage(fn func(models.Event))
	OnStateChange(fn func(realtime.StateChange))
	OnJoined(fn func(roomID int64))
	Disconnect()
}

// Dialer opens a Channel. It is called lazily on the first Select after
// construction or after Leave.
type Dialer func() (Channel, error)

// Reporter receives failures the controller absorbs instead of returning.
type Reporter interface {
	FlushFailed(op string, roomID int64, err error)
	Flushed(op string, roomID int64, n int)
	MalformedPush(reason string)
	HistoryFallback(roomID int64, err error)
	StorageDegraded(err error)
}

// NopReporter discards every report.
type NopReporter struct{}

func (NopReporter) FlushFailed(string, int64, error) {}
func (NopReporter) Flushed(string, int64, int)       {}
func (NopReporter) MalformedPush(string)             {}
func (NopReporter) HistoryFallback(int64, error)     {}
func (NopReporter) StorageDegraded(error)            {}

// State of the room selection.
type State int

const (
	Idle State = iota
	Loading
	Live
	Leaving
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Live:
		return "live"
	case Leaving:
		return "leaving"
	default:
		return "idle"
	}
}

// Options tunes a Controller. Zero values take defaults.
type Options struct {
	SenderID       string
	FlushInterval  time.Duration
	FlushTimeout   time.Duration
	HistoryTimeout time.Duration
	JoinTimeout    time.Duration
	Clock          func() time.Time
	Reporter       Reporter
	Logger         *zap.Logger
	// OnUpdate is called after every change to the visible state. It runs
	// without the controller lock held and may call back into it.
	OnUpdate func()
}

func (o *Options) defaults() {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 60 * time.Second
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 30 * time.Second
	}
	if o.HistoryTimeout <= 0 {
		o.HistoryTimeout = 10 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Reporter == nil {
		o.Reporter = NopReporter{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// session is one room selection. Results of async work are applied only
// while the session is still current.
type session struct {
	room   int64
	ctx    context.Context
	cancel context.CancelFunc

	joined     chan struct{}
	joinedOnce sync.Once
	live       chan struct{}
	done       chan struct{}
}

func (s *session) markJoined() {
	s.joinedOnce.Do(func() { close(s.joined) })
}

// Controller owns the local cache, the deleted-id ledger, the in-memory
// message list of the selected room and the realtime channel.
type Controller struct {
	remote Remote
	dial   Dialer
	opts   Options
	ids    *IDGenerator
	log    *zap.Logger

	// flushMu serializes flushes so a batch is never sent twice.
	flushMu sync.Mutex
	// transMu serializes room transitions: Select, Leave and Close.
	transMu sync.Mutex

	mu        sync.Mutex
	store     localstore.Store
	degraded  bool
	channel   Channel
	sess      *session
	state     State
	messages  []models.Message
	localOnly bool
	closed    bool
}

// New builds a Controller over store. The controller does not close store.
func New(remote Remote, store localstore.Store, dial Dialer, opts Options) *Controller {
	opts.defaults()
	return &Controller{
		remote: remote,
		dial:   dial,
		opts:   opts,
		ids:    NewIDGenerator(opts.Clock),
		log:    opts.Logger,
		store:  store,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Room returns the selected room, 0 when idle.
func (c *Controller) Room() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return 0
	}
	return c.sess.room
}

// Messages returns a copy of the visible message list.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneMessages(c.messages)
}

// Degraded reports whether local storage failed and the controller fell
// back to memory for the rest of the session.
func (c *Controller) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// LocalOnly reports whether the selected room went live without remote
// history or without a join acknowledgement.
func (c *Controller) LocalOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localOnly
}

// Select makes roomID the active room. A previously selected room is
// flushed and left first. Select returns once the local cache is shown;
// history and the channel join complete in the background.
func (c *Controller) Select(ctx context.Context, roomID int64) error {
	if roomID <= 0 {
		return ErrInvalidRoom
	}
	c.transMu.Lock()
	defer c.transMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.sess != nil && c.sess.room == roomID {
		c.mu.Unlock()
		return nil
	}
	prev := c.sess
	c.mu.Unlock()

	if prev != nil {
		c.leave(ctx, prev, false)
	}

	ch := c.ensureChannel()

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		room:   roomID,
		ctx:    sctx,
		cancel: cancel,
		joined: make(chan struct{}),
		live:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed || c.sess != nil {
		c.mu.Unlock()
		cancel()
		return ErrClosed
	}
	c.sess = s
	c.state = Loading
	c.localOnly = false
	var local []models.Message
	c.withStore(func(st localstore.Store) error {
		var err error
		local, err = st.Load(roomID)
		return err
	})
	c.messages = Merge(nil, local, c.pendingDeleteSet(roomID))
	c.mu.Unlock()
	c.notify()

	if ch != nil {
		ch.Join(roomID)
	}
	go c.load(s, ch != nil)
	go c.tick(s)
	c.log.Info("room_selected", zap.Int64("room_id", roomID), zap.Int("local", len(local)))
	return nil
}

// AwaitLive blocks until the selected room is Live or ctx is done.
func (c *Controller) AwaitLive(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return ErrNoRoom
	}
	select {
	case <-s.live:
		return nil
	case <-s.done:
		return ErrNoRoom
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) ensureChannel() Channel {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch != nil || c.dial == nil {
		return ch
	}

	ch, err := c.dial()
	if err != nil {
		c.log.Warn("channel_dial_failed", zap.Error(err))
		return nil
	}
	ch.OnMessage(c.HandleIncoming)
	ch.OnJoined(c.handleJoined)
	ch.OnStateChange(func(sc realtime.StateChange) {
		c.log.Debug("channel_state", zap.Stringer("state", sc.State), zap.String("reason", sc.Reason), zap.String("transport", sc.Transport))
	})

	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
	return ch
}

func (c *Controller) handleJoined(roomID int64) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil && s.room == roomID {
		s.markJoined()
	}
}

func (c *Controller) load(s *session, joining bool) {
	var (
		remote  []models.Message
		histErr error
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, c.opts.HistoryTimeout)
		defer cancel()
		remote, histErr = c.remote.History(ctx, s.room)
	}()

	joined := false
	if joining {
		timer := time.NewTimer(c.opts.JoinTimeout)
		select {
		case <-s.joined:
			joined = true
		case <-timer.C:
		case <-s.ctx.Done():
		}
		timer.Stop()
	}
	wg.Wait()

	c.mu.Lock()
	if c.sess != s || c.state != Loading {
		c.mu.Unlock()
		c.log.Debug("stale_load_discarded", zap.Int64("room_id", s.room))
		return
	}
	if histErr != nil {
		remote = nil
	}
	c.messages = Merge(remote, c.messages, c.pendingDeleteSet(s.room))
	c.state = Live
	c.localOnly = histErr != nil || !joined
	n := len(c.messages)
	c.mu.Unlock()

	if histErr != nil {
		c.opts.Reporter.HistoryFallback(s.room, histErr)
	}
	if !joined {
		c.log.Warn("join_unconfirmed", zap.Int64("room_id", s.room), zap.Duration("waited", c.opts.JoinTimeout))
	}
	close(s.live)
	c.log.Info("room_live", zap.Int64("room_id", s.room), zap.Int("messages", n), zap.Bool("local_only", histErr != nil || !joined))
	c.notify()
}

func (c *Controller) tick(s *session) {
	defer close(s.done)
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, c.opts.FlushTimeout)
			c.flushRoom(ctx, s.room)
			cancel()
		}
	}
}

// Send creates a provisional message in the selected room, shows and
// buffers it, then publishes it on the channel.
func (c *Controller) Send(body string, attachments ...models.Attachment) (models.Message, error) {
	if strings.TrimSpace(body) == "" && len(attachments) == 0 {
		return models.Message{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.sess == nil || c.state == Leaving {
		c.mu.Unlock()
		return models.Message{}, ErrNoRoom
	}
	m := models.Message{
		ID:        c.ids.Next(),
		Body:      body,
		RoomID:    c.sess.room,
		SenderID:  c.opts.SenderID,
		CreatedAt: c.opts.Clock().UTC(),
	}
	if len(attachments) > 0 {
		m.Attachments = append(models.Attachments(nil), attachments...)
	}
	c.messages = append(c.messages, m)
	c.withStore(func(st localstore.Store) error { return st.Append(m.RoomID, m) })
	ch := c.channel
	c.mu.Unlock()

	c.notify()
	if ch != nil {
		ch.Send(cloneMessage(m))
	}
	return cloneMessage(m), nil
}

// Delete hides message id from the selected room and records it for the
// next flush.
func (c *Controller) Delete(id int64) error {
	c.mu.Lock()
	if c.sess == nil || c.state == Leaving {
		c.mu.Unlock()
		return ErrNoRoom
	}
	room := c.sess.room
	kept := make([]models.Message, 0, len(c.messages))
	for _, m := range c.messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	c.messages = kept
	c.withStore(func(st localstore.Store) error {
		if err := st.MarkDeleted(room, id); err != nil {
			return err
		}
		buffered, err := st.Load(room)
		if err != nil {
			return err
		}
		rest := make([]models.Message, 0, len(buffered))
		for _, m := range buffered {
			if m.ID != id {
				rest = append(rest, m)
			}
		}
		if len(rest) == len(buffered) {
			return nil
		}
		return st.ReplaceAll(room, rest)
	})
	c.mu.Unlock()

	c.notify()
	return nil
}

// HandleIncoming applies a receive_message event from the relay. Malformed
// events and events for other rooms are dropped.
func (c *Controller) HandleIncoming(ev models.Event) {
	if ev.Type != models.EventReceiveMessage {
		return
	}
	if ev.Message == nil {
		c.opts.Reporter.MalformedPush("missing message")
		return
	}
	m := cloneMessage(*ev.Message)
	if err := m.Validate(); err != nil {
		c.opts.Reporter.MalformedPush(err.Error())
		return
	}

	c.mu.Lock()
	if c.sess == nil || c.sess.room != m.RoomID || (c.state != Loading && c.state != Live) {
		c.mu.Unlock()
		return
	}
	if models.ContainsDuplicate(c.messages, m) || c.pendingDeleteSet(m.RoomID).Has(m.ID) {
		c.mu.Unlock()
		return
	}
	c.messages = append(c.messages, m)
	c.withStore(func(st localstore.Store) error { return st.Append(m.RoomID, m) })
	c.mu.Unlock()

	c.notify()
}

// Flush pushes the selected room's buffered messages and pending deletes
// to the server. Failures are reported and left for the next attempt.
func (c *Controller) Flush(ctx context.Context) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return
	}
	c.flushRoom(ctx, s.room)
}

func (c *Controller) flushRoom(ctx context.Context, room int64) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	c.flushMessages(ctx, room)
	c.flushDeletes(ctx, room)
}

func (c *Controller) flushMessages(ctx context.Context, room int64) {
	var batch []models.Message
	c.mu.Lock()
	c.withStore(func(st localstore.Store) error {
		var err error
		batch, err = st.Load(room)
		return err
	})
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	accepted, err := c.remote.AppendMessages(ctx, room, batch)
	if err == nil && len(accepted) != len(batch) {
		err = errors.New("accepted ids do not match batch")
	}
	if err != nil {
		c.opts.Reporter.FlushFailed(OpAppend, room, err)
		return
	}

	settled := make(map[int64]int64, len(batch))
	sent := NewIDSet()
	for i, m := range batch {
		sent[m.ID] = struct{}{}
		if accepted[i] != m.ID {
			settled[m.ID] = accepted[i]
		}
	}

	c.mu.Lock()
	c.withStore(func(st localstore.Store) error {
		buffered, err := st.Load(room)
		if err != nil {
			return err
		}
		rest := make([]models.Message, 0, len(buffered))
		for _, m := range buffered {
			if !sent.Has(m.ID) {
				rest = append(rest, m)
			}
		}
		if len(rest) == 0 {
			if err := st.Clear(room); err != nil {
				return err
			}
		} else if len(rest) != len(buffered) {
			if err := st.ReplaceAll(room, rest); err != nil {
				return err
			}
		}
		return c.settleDeletes(st, room, settled)
	})
	if c.sess != nil && c.sess.room == room {
		c.messages = remapIDs(c.messages, settled)
	}
	c.mu.Unlock()

	c.opts.Reporter.Flushed(OpAppend, room, len(batch))
	c.notify()
}

// settleDeletes moves deletes recorded against provisional ids onto the
// ids the server assigned.
func (c *Controller) settleDeletes(st localstore.Store, room int64, settled map[int64]int64) error {
	if len(settled) == 0 {
		return nil
	}
	pending, err := st.PendingDeletes(room)
	if err != nil {
		return err
	}
	var moved []int64
	for _, id := range pending {
		serverID, ok := settled[id]
		if !ok {
			continue
		}
		if err := st.MarkDeleted(room, serverID); err != nil {
			return err
		}
		moved = append(moved, id)
	}
	if len(moved) == 0 {
		return nil
	}
	return st.ClearConfirmed(room, moved)
}

func (c *Controller) flushDeletes(ctx context.Context, room int64) {
	var ids []int64
	c.mu.Lock()
	c.withStore(func(st localstore.Store) error {
		var err error
		ids, err = st.PendingDeletes(room)
		return err
	})
	c.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	deleted, err := c.remote.DeleteMessages(ctx, room, ids)
	if err != nil {
		c.opts.Reporter.FlushFailed(OpDelete, room, err)
		return
	}

	c.mu.Lock()
	c.withStore(func(st localstore.Store) error { return st.ClearConfirmed(room, ids) })
	c.mu.Unlock()
	c.opts.Reporter.Flushed(OpDelete, room, len(deleted))
}

// Leave flushes the selected room, leaves it and disconnects the channel.
func (c *Controller) Leave(ctx context.Context) {
	c.transMu.Lock()
	defer c.transMu.Unlock()
	c.leaveLocked(ctx)
}

// Close leaves the selected room and rejects further selections.
func (c *Controller) Close(ctx context.Context) {
	c.transMu.Lock()
	defer c.transMu.Unlock()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.leaveLocked(ctx)
}

func (c *Controller) leaveLocked(ctx context.Context) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		c.leave(ctx, s, true)
		return
	}
	c.disconnect()
}

func (c *Controller) leave(ctx context.Context, s *session, disconnect bool) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.state = Leaving
	ch := c.channel
	c.mu.Unlock()
	c.notify()

	s.cancel()
	<-s.done
	fctx, cancel := context.WithTimeout(ctx, c.opts.FlushTimeout)
	c.flushRoom(fctx, s.room)
	cancel()
	if ch != nil {
		ch.Leave(s.room)
	}

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
		c.state = Idle
		c.messages = nil
		c.localOnly = false
	}
	c.mu.Unlock()
	c.log.Info("room_left", zap.Int64("room_id", s.room))

	if disconnect {
		c.disconnect()
	}
	c.notify()
}

func (c *Controller) disconnect() {
	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()
	if ch != nil {
		ch.Disconnect()
	}
}

// withStore runs fn against the store. On the first storage failure the
// controller switches to an in-memory store for the rest of the session and
// retries fn there. Callers hold c.mu.
func (c *Controller) withStore(fn func(localstore.Store) error) {
	err := fn(c.store)
	if err == nil || c.degraded {
		if err != nil {
			c.log.Error("memory_store_failed", zap.Error(err))
		}
		return
	}
	c.log.Error("local_storage_failed", zap.Error(err))
	c.degraded = true
	c.store = localstore.NewMemoryStore()
	c.opts.Reporter.StorageDegraded(err)
	if err := fn(c.store); err != nil {
		c.log.Error("memory_store_failed", zap.Error(err))
	}
}

// pendingDeleteSet reads the ledger of room. Callers hold c.mu.
func (c *Controller) pendingDeleteSet(room int64) IDSet {
	var ids []int64
	c.withStore(func(st localstore.Store) error {
		var err error
		ids, err = st.PendingDeletes(room)
		return err
	})
	return NewIDSet(ids...)
}

func (c *Controller) notify() {
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate()
	}
}

// remapIDs replaces settled provisional ids. A provisional entry whose
// server id is already listed is dropped.
func remapIDs(msgs []models.Message, settled map[int64]int64) []models.Message {
	if len(settled) == 0 {
		return msgs
	}
	present := make(IDSet, len(msgs))
	for _, m := range msgs {
		present[m.ID] = struct{}{}
	}
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if serverID, ok := settled[m.ID]; ok {
			if present.Has(serverID) {
				continue
			}
			m.ID = serverID
			present[serverID] = struct{}{}
		}
		out = append(out, m)
	}
	return out
}
