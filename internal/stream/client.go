// Package stream keeps a resumable connection to a room's event feed and
// hands decoded events to a single consumer, in order.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/parley/internal/protocol"
)

// Handlers receive feed callbacks on the client's reader goroutine, one at a
// time. Connected and Disconnected are advisory status signals only.
// Handlers must not call Handle.Close themselves.
type Handlers struct {
	OnEvent        func(protocol.Event)
	OnConnected    func()
	OnDisconnected func()
}

type Client struct {
	transport Transport
	policy    BackoffPolicy
	logger    zerolog.Logger
	sleep     func(context.Context, time.Duration) bool
}

type Option func(*Client)

func WithBackoff(p BackoffPolicy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func NewClient(transport Transport, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		policy:    DefaultBackoffPolicy(),
		logger:    log.Logger,
		sleep:     sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "stream").Logger()
	return c
}

// Handle controls one open feed.
type Handle struct {
	roomID   string
	handlers Handlers
	logger   zerolog.Logger
	sleep    func(context.Context, time.Duration) bool

	closed atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	connMu sync.Mutex
	conn   Conn

	// held for the duration of every callback
	dispatchMu sync.Mutex
}

// Open starts streaming roomID from fromOffset and keeps reconnecting until
// Close is called or ctx ends.
func (c *Client) Open(ctx context.Context, roomID string, fromOffset int64, h Handlers) *Handle {
	runCtx, cancel := context.WithCancel(ctx)
	handle := &Handle{
		roomID:   roomID,
		handlers: h,
		logger:   c.logger.With().Str("room_id", roomID).Logger(),
		sleep:    c.sleep,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go handle.run(runCtx, c.transport, c.policy, fromOffset)
	return handle
}

// Close stops the feed. It is idempotent. Once it returns no handler is
// running and none will run again.
func (h *Handle) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.cancel()

	h.connMu.Lock()
	conn := h.conn
	h.conn = nil
	h.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	// wait out a callback that was already running
	h.dispatchMu.Lock()
	h.dispatchMu.Unlock()
}

// Done is closed when the reader goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) run(ctx context.Context, transport Transport, policy BackoffPolicy, fromOffset int64) {
	defer close(h.done)

	backoff := policy.Start()
	resume := fromOffset
	highest := int64(-1)

	for {
		if h.closed.Load() || ctx.Err() != nil {
			return
		}

		conn, err := transport.Dial(ctx, h.roomID, resume)
		if err != nil {
			if h.closed.Load() {
				return
			}
			h.logger.Warn().Err(err).Int64("from_offset", resume).
				Dur("retry_in", backoff.Delay).Int("attempt", backoff.Attempt).
				Msg("feed connect failed")
			h.dispatch(h.handlers.OnDisconnected)
			if !h.sleep(ctx, backoff.Delay) {
				return
			}
			backoff = backoff.Next()
			continue
		}

		if !h.attach(conn) {
			_ = conn.Close()
			return
		}
		backoff = backoff.Reset()
		h.logger.Info().Int64("from_offset", resume).Msg("feed connected")
		h.dispatch(h.handlers.OnConnected)

		readErr := h.consume(conn, &highest)
		h.detach(conn)
		_ = conn.Close()
		if h.closed.Load() {
			return
		}

		if highest >= 0 {
			resume = highest + 1
		}
		h.logger.Warn().Err(readErr).Int64("resume_offset", resume).
			Dur("retry_in", backoff.Delay).Msg("feed dropped")
		h.dispatch(h.handlers.OnDisconnected)
		if !h.sleep(ctx, backoff.Delay) {
			return
		}
		backoff = backoff.Next()
	}
}

// consume reads until the connection fails, dispatching every decodable
// frame. Frames that fail to decode are logged and dropped.
func (h *Handle) consume(conn Conn, highest *int64) error {
	for {
		frame, err := conn.Next()
		if err != nil {
			return err
		}

		var ev protocol.Event
		if frame.Event == "" {
			ev, err = protocol.Decode(frame.Data)
		} else {
			ev, err = protocol.DecodeData(protocol.EventType(frame.Event), frame.Data)
		}
		if err != nil {
			h.logger.Warn().Err(err).Str("event", frame.Event).Msg("dropping malformed feed message")
			continue
		}

		if ev.Offset > *highest {
			*highest = ev.Offset
		}
		if h.handlers.OnEvent != nil {
			h.dispatch(func() { h.handlers.OnEvent(ev) })
		}
	}
}

func (h *Handle) dispatch(fn func()) {
	if fn == nil {
		return
	}
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()
	if h.closed.Load() {
		return
	}
	fn()
}

func (h *Handle) attach(conn Conn) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.closed.Load() {
		return false
	}
	h.conn = conn
	return true
}

func (h *Handle) detach(conn Conn) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn == conn {
		h.conn = nil
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
