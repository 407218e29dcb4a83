// Package session reconciles locally sent chat messages with agent replies
// that arrive asynchronously over the transport, and owns the transport
// lifecycle for one mounted session.
//
// All state changes run on a single controller goroutine. Public operations,
// transport callbacks and reply timers post work to that goroutine, so no
// two mutations ever interleave. Readers get immutable snapshots.
//
// The wire protocol has no correlation id: a reply is matched to whatever
// request is outstanding, in arrival order. Concurrent sends are allowed but
// the first reply clears the generating flag for all of them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/tutor-chat/internal/domain"
	"github.com/ashureev/tutor-chat/internal/prompt"
	"github.com/ashureev/tutor-chat/internal/transcript"
	"github.com/ashureev/tutor-chat/internal/transport"
)

const (
	queueSize   = 64
	noticeQueue = 32
)

// Conn is the part of a transport connection the controller uses.
type Conn interface {
	Send(ctx context.Context, content string, sender domain.Sender) error
	Close() error
}

// DialFunc opens a connection for clientID. It must return without waiting
// for the connection and report progress through h.
type DialFunc func(ctx context.Context, clientID string, h transport.Handler) Conn

// TransportDialer dials the websocket backend described by opts.
func TransportDialer(opts transport.Options) DialFunc {
	return func(ctx context.Context, clientID string, h transport.Handler) Conn {
		return transport.Open(ctx, opts, clientID, h)
	}
}

// Options configures a Controller.
type Options struct {
	Dial DialFunc
	// ReplyTimeout bounds the wait for an agent reply. Zero waits forever.
	ReplyTimeout time.Duration
	Transcript   transcript.Logger
	Logger       *slog.Logger
	Now          func() time.Time
}

// View is the read-only side of a session handed to display collaborators.
type View interface {
	Snapshot() Snapshot
	Subscribe() (<-chan Snapshot, func())
	Notices() <-chan Notice
}

var _ View = (*Controller)(nil)

// binding ties the controller to one transport connection. Events from a
// binding that is no longer current are discarded.
type binding struct {
	clientID string
	conn     Conn
	ctx      context.Context
	cancel   context.CancelFunc
}

// Controller is the orchestration point of a chat session.
type Controller struct {
	dial         DialFunc
	replyTimeout time.Duration
	transcript   transcript.Logger
	logger       *slog.Logger
	now          func() time.Time

	queue     chan func()
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	current atomic.Pointer[Snapshot]
	notices chan Notice

	subsMu     sync.Mutex
	subs       map[int]chan Snapshot
	nextSub    int
	subsClosed bool

	// Owned by the loop goroutine.
	st         *store
	binding    *binding
	replyTimer *time.Timer
	requestSeq uint64
}

// New creates a Controller. Call Initialize to connect and Close to tear down.
func New(opts Options) (*Controller, error) {
	if opts.Dial == nil {
		return nil, errors.New("session: dial function is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Transcript == nil {
		opts.Transcript = transcript.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Controller{
		dial:         opts.Dial,
		replyTimeout: opts.ReplyTimeout,
		transcript:   opts.Transcript,
		logger:       opts.Logger,
		now:          opts.Now,
		queue:        make(chan func(), queueSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		notices:      make(chan Notice, noticeQueue),
		subs:         make(map[int]chan Snapshot),
	}
	c.st = newStore(opts.Now, c.publish)
	c.publish(c.st.snapshot())

	go c.run()
	return c, nil
}

// Run opens a session for clientID, calls fn, and closes the session on
// every return path.
func Run(ctx context.Context, opts Options, clientID string, fn func(*Controller) error) (err error) {
	c, err := New(opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if err := c.Initialize(ctx, clientID); err != nil {
		return err
	}
	return fn(c)
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.queue:
			fn()
		case <-c.stop:
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (c *Controller) do(fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	select {
	case c.queue <- task:
	case <-c.stop:
		return ErrClosed
	}

	select {
	case <-done:
		return nil
	case <-c.done:
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// post queues fn without waiting. It gives up once ctx is done or the
// controller stops, so a detached connection never blocks on the loop.
func (c *Controller) post(ctx context.Context, fn func()) {
	select {
	case c.queue <- fn:
	case <-ctx.Done():
	case <-c.stop:
	}
}

// Initialize opens the transport for clientID. Calling it again with the same
// id is a no-op; a different id closes the current connection and opens a new
// one. ctx bounds connection establishment only.
func (c *Controller) Initialize(ctx context.Context, clientID string) error {
	if strings.TrimSpace(clientID) == "" {
		return ErrEmptyClientID
	}

	var old *binding
	err := c.do(func() {
		if c.binding != nil && c.binding.clientID == clientID {
			return
		}
		old = c.detach()

		bctx, cancel := context.WithCancel(context.Background())
		b := &binding{clientID: clientID, ctx: bctx, cancel: cancel}
		c.binding = b
		c.st.setClientID(clientID)
		b.conn = c.dial(ctx, clientID, &connEvents{c: c, b: b})

		c.logger.Info("Session initialized", "client_id", clientID, "replaced", old != nil)
	})
	if old != nil {
		c.closeConn(old)
	}
	return err
}

// SendMessage appends content to the transcript as a user message, marks the
// session as generating and transmits it. When background is given the
// payload is a freshly formatted prompt; otherwise the last formatted prompt,
// if any, is re-attached as context. The transcript always holds content
// exactly as given.
//
// A delivery failure resets generating, publishes a notice and is returned
// wrapped in ErrTransportUnavailable.
func (c *Controller) SendMessage(ctx context.Context, content string, background *domain.BackgroundProfile) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	var bg *domain.BackgroundProfile
	if background != nil {
		cp := background.Clone()
		bg = &cp
	}

	var sendErr error
	if err := c.do(func() { sendErr = c.send(ctx, content, bg) }); err != nil {
		return err
	}
	return sendErr
}

func (c *Controller) send(ctx context.Context, content string, bg *domain.BackgroundProfile) error {
	payload := c.payloadFor(content, bg)

	// The local echo goes in before the frame leaves, so a fast reply can
	// never precede it.
	c.st.appendMessage(content, domain.SenderUser)
	c.st.setGenerating(true)

	clientID := c.st.clientID
	event := transcript.Event{
		ClientID:  clientID,
		Direction: transcript.DirectionOutbound,
		EventType: transcript.EventUserMessage,
		Content:   content,
	}
	if payload != content {
		event.Payload = payload
	}
	c.transcript.Log(event)

	var err error
	switch {
	case c.binding == nil || c.binding.conn == nil:
		err = fmt.Errorf("%w: session not initialized", ErrTransportUnavailable)
	default:
		if sendErr := c.binding.conn.Send(ctx, payload, domain.SenderUser); sendErr != nil {
			err = fmt.Errorf("%w: %w", ErrTransportUnavailable, sendErr)
		}
	}
	if err != nil {
		c.endRequest()
		c.logger.Warn("Message delivery failed", "client_id", clientID, "error", err)
		c.record(clientID, transcript.DirectionLocal, transcript.EventDeliveryFailed, err)
		c.notify(NoticeDeliveryFailed, err)
		return err
	}

	c.armReplyTimer()
	c.logger.Info("Message sent",
		"client_id", clientID,
		"content_length", len(content),
		"payload_length", len(payload),
		"with_background", bg != nil,
	)
	return nil
}

func (c *Controller) payloadFor(content string, bg *domain.BackgroundProfile) string {
	switch {
	case bg != nil:
		fp := prompt.Format(content, *bg, c.now())
		c.st.setLastFormattedPrompt(fp)
		c.st.setBackground(*bg)
		if c.st.initialPrompt == "" {
			c.st.setInitialPrompt(content)
		}
		return fp.FormattedText
	case c.st.lastFormatted != nil:
		return prompt.Continuation(content, *c.st.lastFormatted)
	default:
		return content
	}
}

// ClearMessages empties the transcript. The connection, client id and
// background are left alone.
func (c *Controller) ClearMessages() error {
	return c.do(c.st.clear)
}

// SetBackground replaces the session background profile.
func (c *Controller) SetBackground(profile domain.BackgroundProfile) error {
	cp := profile.Clone()
	return c.do(func() { c.st.setBackground(cp) })
}

// CreateFormattedPrompt formats raw with background and caches the result as
// the session's last formatted prompt, so later sends without a background
// still carry this context. Caching is skipped once the session is closed.
func (c *Controller) CreateFormattedPrompt(raw string, background domain.BackgroundProfile) domain.FormattedPrompt {
	fp := prompt.Format(raw, background, c.now())
	if err := c.do(func() { c.st.setLastFormattedPrompt(fp) }); err != nil {
		c.logger.Debug("Formatted prompt not cached", "error", err)
	}
	return fp
}

// Snapshot returns a copy of the current session state.
func (c *Controller) Snapshot() Snapshot {
	return c.current.Load().clone()
}

// Messages returns the transcript in append order.
func (c *Controller) Messages() []domain.Message {
	return c.Snapshot().Messages
}

// Generating reports whether an agent reply is outstanding.
func (c *Controller) Generating() bool {
	return c.current.Load().Generating
}

// ClientID returns the id the session is bound to.
func (c *Controller) ClientID() string {
	return c.current.Load().ClientID
}

// Background returns the session background profile, or nil.
func (c *Controller) Background() *domain.BackgroundProfile {
	return c.Snapshot().Background
}

// Subscribe returns a channel that receives the latest snapshot after every
// change. Slow readers only miss intermediate states. The returned func
// unsubscribes; the channel is also closed when the controller closes.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.subsMu.Lock()
	if c.subsClosed {
		c.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.current.Load().clone()
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Notices returns the failure side channel. It is closed by Close.
func (c *Controller) Notices() <-chan Notice {
	return c.notices
}

// Close tears the session down: the transport is closed, the loop stops and
// subscriber channels are closed. It is idempotent.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		var b *binding
		if err := c.do(func() { b = c.detach() }); err != nil {
			c.logger.Debug("Session loop already stopped", "error", err)
		}
		close(c.stop)
		<-c.done

		if b != nil {
			c.closeErr = c.closeConn(b)
		}
		close(c.notices)

		c.subsMu.Lock()
		c.subsClosed = true
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
		c.subsMu.Unlock()

		c.logger.Info("Session closed", "client_id", c.current.Load().ClientID)
	})
	return c.closeErr
}

// detach unbinds the current connection and resets request state. The caller
// must close the returned binding's connection outside the loop.
func (c *Controller) detach() *binding {
	b := c.binding
	if b == nil {
		return nil
	}
	b.cancel()
	c.binding = nil
	c.endRequest()
	c.st.setConnected(false)
	return b
}

func (c *Controller) closeConn(b *binding) error {
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Close(); err != nil {
		c.logger.Warn("Failed to close transport", "client_id", b.clientID, "error", err)
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

func (c *Controller) armReplyTimer() {
	c.stopReplyTimer()
	if c.replyTimeout <= 0 || c.binding == nil {
		return
	}
	c.requestSeq++
	seq, b := c.requestSeq, c.binding
	c.replyTimer = time.AfterFunc(c.replyTimeout, func() {
		c.post(b.ctx, func() { c.handleReplyTimeout(b, seq) })
	})
}

func (c *Controller) stopReplyTimer() {
	if c.replyTimer != nil {
		c.replyTimer.Stop()
		c.replyTimer = nil
	}
}

// endRequest is the single exit from AwaitingReply.
func (c *Controller) endRequest() {
	c.stopReplyTimer()
	c.st.setGenerating(false)
}

func (c *Controller) handleOpen(b *binding) {
	if c.binding != b {
		return
	}
	c.st.setConnected(true)
}

func (c *Controller) handleFrame(b *binding, f transport.Frame) {
	if c.binding != b {
		return
	}
	if err := f.ValidateReply(); err != nil {
		c.dropReply(b, err)
		return
	}
	if f.Failed {
		// Fallback replies still carry text meant for the user.
		c.logger.Warn("Agent reply flagged as a fallback", "client_id", b.clientID, "agent_error", f.ErrorDetail)
	}

	c.st.appendMessage(f.Content, domain.SenderAgent)
	c.endRequest()

	meta := map[string]any{
		"frame_id":        f.ID,
		"frame_timestamp": f.Timestamp,
	}
	if f.Failed {
		meta["agent_failed"] = true
		if f.ErrorDetail != "" {
			meta["agent_error"] = f.ErrorDetail
		}
	}
	c.transcript.Log(transcript.Event{
		ClientID:  b.clientID,
		Direction: transcript.DirectionInbound,
		EventType: transcript.EventAgentMessage,
		Content:   f.Content,
		Meta:      meta,
	})
}

func (c *Controller) handleMalformed(b *binding, err error) {
	if c.binding != b {
		return
	}
	c.dropReply(b, err)
}

func (c *Controller) dropReply(b *binding, cause error) {
	c.endRequest()
	err := fmt.Errorf("%w: %w", ErrMalformedReply, cause)
	c.logger.Warn("Dropping inbound frame", "client_id", b.clientID, "error", cause)
	c.record(b.clientID, transcript.DirectionInbound, transcript.EventFrameDropped, err)
	c.notify(NoticeMalformedReply, err)
}

func (c *Controller) handleClose(b *binding, cause error) {
	if c.binding != b {
		return
	}
	c.st.setConnected(false)
	c.endRequest()

	err := ErrConnectionClosed
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
	}
	c.logger.Warn("Transport closed unexpectedly", "client_id", b.clientID, "error", cause)
	c.record(b.clientID, transcript.DirectionInbound, transcript.EventTransportClosed, err)
	c.notify(NoticeConnectionClosed, err)
}

func (c *Controller) handleReplyTimeout(b *binding, seq uint64) {
	if c.binding != b || seq != c.requestSeq || !c.st.generating {
		return
	}
	c.replyTimer = nil
	c.st.setGenerating(false)

	err := fmt.Errorf("%w after %s", ErrReplyTimeout, c.replyTimeout)
	c.logger.Warn("No agent reply in time", "client_id", b.clientID, "timeout", c.replyTimeout)
	c.record(b.clientID, transcript.DirectionLocal, transcript.EventReplyTimeout, err)
	c.notify(NoticeReplyTimeout, err)
}

func (c *Controller) record(clientID, direction, eventType string, err error) {
	c.transcript.Log(transcript.Event{
		ClientID:  clientID,
		Direction: direction,
		EventType: eventType,
		Meta:      map[string]any{"error": err.Error()},
	})
}

func (c *Controller) notify(kind NoticeKind, err error) {
	n := Notice{Kind: kind, Err: err, At: c.now()}
	select {
	case c.notices <- n:
	default:
		c.logger.Warn("Notice channel full, dropping notice", "kind", kind)
	}
}

// publish runs on the loop for every store change.
func (c *Controller) publish(snap Snapshot) {
	c.current.Store(&snap)

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		latest := snap.clone()
		select {
		case ch <- latest:
			continue
		default:
		}
		// Replace the stale pending snapshot with the newest one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- latest:
		default:
		}
	}
}

// connEvents adapts transport callbacks onto the controller loop.
type connEvents struct {
	c *Controller
	b *binding
}

func (e *connEvents) OnOpen() {
	e.c.post(e.b.ctx, func() { e.c.handleOpen(e.b) })
}

func (e *connEvents) OnFrame(f transport.Frame) {
	e.c.post(e.b.ctx, func() { e.c.handleFrame(e.b, f) })
}

func (e *connEvents) OnMalformed(err error) {
	e.c.post(e.b.ctx, func() { e.c.handleMalformed(e.b, err) })
}

func (e *connEvents) OnClose(err error) {
	e.c.post(e.b.ctx, func() { e.c.handleClose(e.b, err) })
}
