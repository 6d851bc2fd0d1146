package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/0xcro3dile/docintel-client/internal/domain/entities"
	"github.com/0xcro3dile/docintel-client/internal/domain/ports"
)

// ErrEmptyQuery is returned by Connect for a blank query.
var ErrEmptyQuery = errors.New("query must not be empty")

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	readBufferSize     = 4096
)

// Client implements ports.EventStream. It owns at most one read loop at a time.
type Client struct {
	opener      ports.StreamOpener
	maxAttempts int
	baseDelay   time.Duration
	log         zerolog.Logger

	mu     sync.Mutex
	active *connection
}

type connection struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithMaxAttempts sets how many times a connection-level failure is attempted in total.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the linear backoff unit: attempt i waits i*d before retrying.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.baseDelay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log.With().Str("component", "sse").Logger()
	}
}

// NewClient creates a streaming client reading from opener.
func NewClient(opener ports.StreamOpener, opts ...Option) *Client {
	c := &Client{
		opener:      opener,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect cancels the active connection, waits for its read loop to exit and
// starts a new one for q. Handlers run on the read loop goroutine in wire order
// and must not call Connect or Cancel themselves.
func (c *Client) Connect(ctx context.Context, q string, h ports.StreamHandlers) (<-chan struct{}, error) {
	if strings.TrimSpace(q) == "" {
		return nil, ErrEmptyQuery
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()

	connCtx, cancel := context.WithCancel(ctx)
	conn := &connection{cancel: cancel, done: make(chan struct{})}
	c.active = conn

	go c.run(connCtx, conn, q, handlers(h))
	return conn.done, nil
}

// Cancel aborts the active connection and waits until its close handler has run.
func (c *Client) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Client) stopLocked() {
	if c.active == nil {
		return
	}
	c.active.cancel()
	<-c.active.done
	c.active = nil
}

func (c *Client) run(ctx context.Context, conn *connection, q string, h handlers) {
	defer close(conn.done)
	defer conn.cancel()

	err := c.stream(ctx, q, h)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		c.log.Debug().Msg("stream cancelled")
	default:
		c.log.Error().Err(err).Msg("stream failed")
		h.fail(err.Error())
	}
	h.close()
}

// stream opens the connection, retrying failures that happen before any byte
// arrives, and runs the read loop.
// A nil return means the stream ended normally or a terminal event was handled.
func (c *Client) stream(ctx context.Context, q string, h handlers) error {
	attempt := 0
	connFailure := false
	opened := false

	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		connFailure = false

		body, err := c.opener.OpenStream(ctx, q)
		if err != nil {
			var statusErr *ports.StatusError
			if errors.As(err, &statusErr) || errors.Is(err, ports.ErrNotConfigured) || ctx.Err() != nil {
				return err
			}
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("stream connect failed")
			connFailure = true
			return retry.RetryableError(err)
		}

		if !opened {
			opened = true
			h.open()
		}
		received, err := c.read(ctx, body, h)
		if err != nil && received == 0 && ctx.Err() == nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("stream dropped before first byte")
			connFailure = true
			return retry.RetryableError(err)
		}
		return err
	})

	if err != nil && connFailure && ctx.Err() == nil {
		return fmt.Errorf("failed to connect after %d attempts: %w", attempt, err)
	}
	return err
}

// backoff waits attempt*baseDelay between attempts. A fresh counter per Connect.
func (c *Client) backoff() retry.Backoff {
	var n int64
	linear := retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return time.Duration(n) * c.baseDelay, false
	})
	return retry.WithMaxRetries(uint64(c.maxAttempts-1), linear)
}

// read drains body through a Tokenizer, dispatching events as lines complete.
func (c *Client) read(ctx context.Context, body io.ReadCloser, h handlers) (int, error) {
	defer body.Close()
	// Closing the body unblocks a Read stuck on a transport that ignores ctx.
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	var tok Tokenizer
	buf := make([]byte, readBufferSize)
	received := 0

	for {
		n, err := body.Read(buf)
		if n > 0 {
			received += n
			for _, ev := range tok.Feed(buf[:n]) {
				if c.dispatch(ev, h) {
					return received, nil
				}
			}
		}
		if errors.Is(err, io.EOF) {
			for _, ev := range tok.Flush() {
				if c.dispatch(ev, h) {
					return received, nil
				}
			}
			return received, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return received, ctx.Err()
			}
			return received, fmt.Errorf("reading stream: %w", err)
		}
	}
}

// dispatch fires the handler for ev and reports whether ev ends the stream.
func (c *Client) dispatch(ev Event, h handlers) bool {
	switch ev.Kind {
	case KindMessage:
		if ev.Continuation {
			h.message("\n" + ev.Data)
		} else {
			h.message(decodeMessage(ev.Data))
		}

	case KindCitations:
		citations, dropped, err := decodeCitations(ev.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed citations event")
			return false
		}
		if dropped > 0 {
			c.log.Warn().Int("dropped", dropped).Msg("discarded invalid citations")
		}
		h.citations(citations)

	case KindMetadata:
		meta, err := decodeObject(ev.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed metadata event")
			return false
		}
		h.metadata(meta)

	case KindError:
		h.fail(decodeError(ev.Data))
		return true

	case KindDone:
		payload, err := decodeObject(ev.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("done event with malformed payload")
			payload = map[string]any{}
		}
		h.done(payload)
		return true

	default:
		c.log.Debug().Str("kind", ev.Kind).Msg("ignoring unknown event")
	}
	return false
}

// handlers wraps ports.StreamHandlers with nil-safe calls.
type handlers ports.StreamHandlers

func (h handlers) open() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (h handlers) message(delta string) {
	if h.OnMessage != nil {
		h.OnMessage(delta)
	}
}

func (h handlers) citations(cs []entities.Citation) {
	if h.OnCitations != nil {
		h.OnCitations(cs)
	}
}

func (h handlers) metadata(meta map[string]any) {
	if h.OnMetadata != nil {
		h.OnMetadata(meta)
	}
}

func (h handlers) fail(msg string) {
	if h.OnError != nil {
		h.OnError(msg)
	}
}

func (h handlers) done(payload map[string]any) {
	if h.OnDone != nil {
		h.OnDone(payload)
	}
}

func (h handlers) close() {
	if h.OnClose != nil {
		h.OnClose()
	}
}

// Ensure Client implements the EventStream interface.
var _ ports.EventStream = (*Client)(nil)
