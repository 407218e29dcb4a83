package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/tutor-chat/internal/domain"
	"github.com/coder/websocket"
)

var (
	// ErrNotOpen is returned by Send when the connection is not open.
	ErrNotOpen = errors.New("transport not open")
	// ErrFrameTooLarge reports an inbound message over the read limit. The
	// message is discarded and the connection stays open.
	ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds read limit", ErrMalformedFrame)
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20 // 1MB
)

// State is the lifecycle state of a Conn.
type State int32

const (
	// StateClosed is terminal; a closed Conn is never reopened.
	StateClosed State = iota
	// StateConnecting means the dial is in progress.
	StateConnecting
	// StateOpen means frames can be sent.
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Handler receives connection events. Calls for one Conn are made
// sequentially from its read goroutine and never overlap.
type Handler interface {
	// OnOpen reports that the dial succeeded and Send may be used.
	OnOpen()

	// OnFrame delivers a decoded inbound frame.
	OnFrame(f Frame)

	// OnMalformed reports an inbound payload that was dropped.
	OnMalformed(err error)

	// OnClose reports that the connection ended without a local Close.
	// It fires at most once, including for dial failures.
	OnClose(err error)
}

// Options configures a connection.
type Options struct {
	// BaseURL is the chat endpoint; the client id is appended as a path segment.
	BaseURL      string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	HTTPHeader   http.Header
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Endpoint returns the per-client URL for base.
func Endpoint(base, clientID string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(clientID)
}

// Conn is one websocket connection for a client id.
type Conn struct {
	opts     Options
	clientID string
	endpoint string
	handler  Handler
	logger   *slog.Logger

	mu     sync.Mutex
	state  State
	ws     *websocket.Conn
	closed bool // set by Close; suppresses all further callbacks

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Open starts connecting to the backend for clientID and returns immediately.
// ctx bounds only the dial; the connection lives until Close or remote closure.
func Open(ctx context.Context, opts Options, clientID string, h Handler) *Conn {
	opts = opts.withDefaults()
	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		opts:     opts,
		clientID: clientID,
		endpoint: Endpoint(opts.BaseURL, clientID),
		handler:  h,
		logger:   opts.Logger.With("client_id", clientID),
		state:    StateConnecting,
		ctx:      connCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes one frame. It returns ErrNotOpen unless the connection is open.
func (c *Conn) Send(ctx context.Context, content string, sender domain.Sender) error {
	c.mu.Lock()
	state, ws := c.state, c.ws
	c.mu.Unlock()
	if state != StateOpen || ws == nil {
		return fmt.Errorf("%w (state %s)", ErrNotOpen, state)
	}

	data, err := Encode(content, sender)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	c.logger.Debug("Frame sent", "sender", sender, "bytes", len(data))
	return nil
}

// Close closes the connection. It is idempotent and returns once the read
// goroutine has exited, so no Handler method runs after Close returns.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.state = StateClosed
		ws := c.ws
		c.mu.Unlock()

		if ws != nil {
			if err := ws.Close(websocket.StatusNormalClosure, "client closed"); err != nil {
				c.logger.Debug("Failed to close websocket cleanly", "error", err)
			}
		}
		c.cancel()
	})
	<-c.done
	return nil
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
	stop := context.AfterFunc(ctx, cancel)
	ws, _, err := websocket.Dial(dialCtx, c.endpoint, &websocket.DialOptions{
		HTTPHeader: c.opts.HTTPHeader,
	})
	stop()
	cancel()
	if err != nil {
		c.finish(fmt.Errorf("dial %s: %w", c.endpoint, err))
		return
	}
	// The limit is enforced per message in readLoop; the library limit would
	// close the connection instead of dropping the message.
	ws.SetReadLimit(-1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.CloseNow()
		return
	}
	c.ws = ws
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.Info("Transport connected", "endpoint", c.endpoint)
	c.deliver(c.handler.OnOpen)
	c.readLoop(ws)
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		typ, r, err := ws.Reader(c.ctx)
		if err != nil {
			c.finish(err)
			return
		}
		data, err := readLimited(r, c.opts.ReadLimit)
		if errors.Is(err, ErrFrameTooLarge) {
			c.logger.Warn("Dropping oversized frame", "error", err)
			c.deliver(func() { c.handler.OnMalformed(err) })
			continue
		}
		if err != nil {
			c.finish(err)
			return
		}

		if typ != websocket.MessageText {
			err := fmt.Errorf("%w: %s message of %d bytes", ErrMalformedFrame, typ, len(data))
			c.logger.Warn("Dropping non-text frame", "error", err)
			c.deliver(func() { c.handler.OnMalformed(err) })
			continue
		}

		frame, err := Decode(data)
		if err != nil {
			c.logger.Warn("Dropping undecodable frame", "error", err, "bytes", len(data))
			c.deliver(func() { c.handler.OnMalformed(err) })
			continue
		}
		c.deliver(func() { c.handler.OnFrame(frame) })
	}
}

// readLimited reads one message of at most limit bytes. A longer message is
// drained so the next one can be read.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) <= limit {
		return data, nil
	}
	rest, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, int64(len(data))+rest, limit)
}

// deliver runs fn unless Close has been requested.
func (c *Conn) deliver(fn func()) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		fn()
	}
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.state = StateClosed
	ws := c.ws
	c.mu.Unlock()

	if wasClosed {
		return
	}
	if ws != nil {
		_ = ws.CloseNow()
	}

	if status := websocket.CloseStatus(err); status != -1 {
		c.logger.Info("Transport closed by remote", "status", status)
	} else {
		c.logger.Warn("Transport failed", "error", err)
	}
	c.handler.OnClose(err)
}
