package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// conn is the transport-independent half of every Transport. Concrete transports embed it, supply
// a write primitive and feed every inbound frame to deliver from a single goroutine, which keeps
// delivery in arrival order.
type conn struct {
	id             string
	logger         *slog.Logger
	metrics        *Metrics
	requestTimeout time.Duration
	write          func(ctx context.Context, data []byte) error

	state     atomic.Int32
	versionMu sync.RWMutex
	version   ProtocolVersion
	lifecycle *Lifecycle
	pending   *pendingTable

	messageHandlers handlerList[func(Message)]
	errorHandlers   handlerList[func(error)]

	closeMu       sync.Mutex
	closed        bool
	closeHandlers handlerList[func()]
	closeOnce     sync.Once
	done          chan struct{}
}

type handlerList[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []handlerEntry[T]
}

type handlerEntry[T any] struct {
	id uint64
	fn T
}

func newConn(
	id, component string,
	opts transportOptions,
	write func(ctx context.Context, data []byte) error,
) *conn {
	if id == "" {
		id = uuid.New().String()
	}
	return &conn{
		id: id,
		logger: opts.logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", component),
			slog.String("sessionID", id),
		),
		metrics:        opts.metrics,
		requestTimeout: opts.requestTimeout,
		write:          write,
		version:        opts.version,
		lifecycle:      NewLifecycle(),
		pending:        newPendingTable(),
		done:           make(chan struct{}),
	}
}

// SessionID implements Transport.
func (c *conn) SessionID() string { return c.id }

// State implements Transport.
func (c *conn) State() TransportState { return TransportState(c.state.Load()) }

// Lifecycle implements Transport.
func (c *conn) Lifecycle() *Lifecycle { return c.lifecycle }

// Done returns a channel that is closed once the transport has closed.
func (c *conn) Done() <-chan struct{} { return c.done }

// ProtocolVersion implements Transport.
func (c *conn) ProtocolVersion() ProtocolVersion {
	c.versionMu.RLock()
	defer c.versionMu.RUnlock()
	return c.version
}

// SetProtocolVersion implements Transport.
func (c *conn) SetProtocolVersion(v ProtocolVersion) error {
	if !v.Supported() {
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocolVersion, v)
	}
	c.versionMu.Lock()
	defer c.versionMu.Unlock()
	c.version = v
	return nil
}

// OnMessage implements Transport.
func (c *conn) OnMessage(fn func(Message)) func() { return c.messageHandlers.add(fn) }

// OnError implements Transport.
func (c *conn) OnError(fn func(error)) func() { return c.errorHandlers.add(fn) }

// OnClose implements Transport.
func (c *conn) OnClose(fn func()) func() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		fn()
		return func() {}
	}
	unsubscribe := c.closeHandlers.add(fn)
	c.closeMu.Unlock()
	return unsubscribe
}

// Send implements Transport.
func (c *conn) Send(ctx context.Context, raw []byte) error {
	if st := c.State(); st != TransportStarted {
		return &TransportStateError{Op: "send", State: st}
	}
	msg, err := Decode(raw, c.ProtocolVersion())
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	// Re-encoded so the bytes on the wire carry the same version shaping as SendRequest.
	return c.sendMessage(ctx, msg)
}

// SendRequest implements Transport.
func (c *conn) SendRequest(ctx context.Context, req Request) (Response, error) {
	if st := c.State(); st != TransportStarted {
		return Response{}, &TransportStateError{Op: "send request", State: st}
	}
	if req.ID == "" {
		req.ID = MustString(uuid.New().String())
	}

	results, err := c.pending.register(req.ID)
	if err != nil {
		return Response{}, fmt.Errorf("failed to register request %s: %w", req.ID, err)
	}
	c.metrics.setPending(c.pending.len())
	defer func() { c.metrics.setPending(c.pending.len()) }()

	if err := c.sendMessage(ctx, req); err != nil {
		c.pending.abandon(req.ID)
		return Response{}, err
	}

	var timeout <-chan time.Time
	if c.requestTimeout > 0 {
		timer := time.NewTimer(c.requestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-results:
		if res.err != nil {
			return Response{}, res.err
		}
		if res.resp.Error != nil {
			return res.resp, res.resp.Error
		}
		return res.resp, nil
	case <-timeout:
		c.pending.abandon(req.ID)
		return Response{}, fmt.Errorf("%s request %s: %w", req.Method, req.ID, ErrRequestTimeout)
	case <-ctx.Done():
		c.pending.abandon(req.ID)
		return Response{}, ctx.Err()
	}
}

// SendNotification implements Transport.
func (c *conn) SendNotification(ctx context.Context, n Notification) error {
	if st := c.State(); st != TransportStarted {
		return &TransportStateError{Op: "send notification", State: st}
	}
	return c.sendMessage(ctx, n)
}

func (c *conn) sendMessage(ctx context.Context, msg Message) error {
	if err := c.lifecycle.Outbound(msg); err != nil {
		return err
	}
	bs, err := Encode(msg, c.ProtocolVersion())
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return c.writeMessage(ctx, msg.Kind(), bs)
}

func (c *conn) writeMessage(ctx context.Context, kind MessageKind, bs []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	if err := c.write(ctx, bs); err != nil {
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	c.metrics.observeMessage(directionSent, kind)
	return nil
}

// markStarted moves a not-started transport to started. Starting a started transport is a no-op.
func (c *conn) markStarted() error {
	if c.state.CompareAndSwap(int32(TransportNotStarted), int32(TransportStarted)) {
		c.metrics.sessionOpened()
		return nil
	}
	if st := c.State(); st != TransportStarted {
		return &TransportStateError{Op: "start", State: st}
	}
	return nil
}

// shutdown closes the transport once. teardown releases the concrete transport's resources and
// must not wait on the goroutine calling deliver, since shutdown may run on it. cause, when not nil,
// is wrapped into the error pending requests fail with.
func (c *conn) shutdown(cause error, teardown func() error) error {
	var err error
	c.closeOnce.Do(func() {
		wasStarted := c.State() == TransportStarted
		c.state.Store(int32(TransportClosing))

		if teardown != nil {
			err = teardown()
		}

		closedErr := ErrConnectionClosed
		if cause != nil {
			closedErr = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
		}
		c.lifecycle.Shutdown()
		c.pending.failAll(closedErr)
		c.metrics.setPending(0)

		c.state.Store(int32(TransportClosed))
		close(c.done)
		if wasStarted {
			c.metrics.sessionClosed()
		}

		c.closeMu.Lock()
		c.closed = true
		handlers := c.closeHandlers.snapshot()
		c.closeMu.Unlock()

		if cause != nil {
			c.logger.Info("transport closed", slog.String("cause", cause.Error()))
		} else {
			c.logger.Debug("transport closed")
		}
		for _, fn := range handlers {
			fn()
		}
	})
	return err
}

// deliver classifies one inbound frame and routes it: responses to the correlation table, pings to
// an immediate empty result, everything else to the message subscribers.
func (c *conn) deliver(data []byte) {
	select {
	case <-c.done:
		c.logger.Debug("dropping message received after close")
		return
	default:
	}

	msg, err := Decode(data, c.ProtocolVersion())
	if err != nil {
		c.metrics.observeParseError()
		c.logger.Warn("discarding malformed message", slog.String("err", err.Error()))
		c.reportError(err)
		return
	}
	c.metrics.observeMessage(directionReceived, msg.Kind())

	if err := c.lifecycle.Inbound(msg); err != nil {
		c.logger.Warn("message rejected by lifecycle", slog.String("err", err.Error()))
		c.reportError(err)
		if req, ok := msg.(Request); ok {
			var violation *LifecycleViolationError
			detail := map[string]any{"method": req.Method}
			if errors.As(err, &violation) {
				detail["state"] = violation.State.String()
			}
			c.reply(NewErrorResponse(req.ID, CodeLifecycleViolation, "lifecycle violation", detail))
		}
		return
	}

	switch m := msg.(type) {
	case Response:
		if err := c.pending.resolve(m); err != nil {
			c.metrics.observeUnmatched()
			c.logger.Debug("discarding response without pending request", slog.String("id", string(m.ID)))
			c.reportError(err)
		}
		return
	case Request:
		if m.Method == methodPing {
			resp, _ := NewResultResponse(m.ID, nil)
			c.reply(resp)
			return
		}
	}

	for _, fn := range c.messageHandlers.snapshot() {
		fn(msg)
	}
}

func (c *conn) reply(resp Response) {
	ctx, cancel := context.WithTimeout(context.Background(), c.replyTimeout())
	defer cancel()

	if err := c.sendMessage(ctx, resp); err != nil {
		c.logger.Warn("failed to send response",
			slog.String("id", string(resp.ID)),
			slog.String("err", err.Error()))
	}
}

func (c *conn) replyTimeout() time.Duration {
	if c.requestTimeout > 0 {
		return c.requestTimeout
	}
	return defaultRequestTimeout
}

func (c *conn) reportError(err error) {
	for _, fn := range c.errorHandlers.snapshot() {
		fn(err)
	}
}

func (h *handlerList[T]) add(fn T) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.entries = append(h.entries, handlerEntry[T]{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.entries = slices.DeleteFunc(slices.Clone(h.entries), func(e handlerEntry[T]) bool {
				return e.id == id
			})
		})
	}
}

func (h *handlerList[T]) snapshot() []T {
	h.mu.Lock()
	defer h.mu.Unlock()
	fns := make([]T, len(h.entries))
	for i, e := range h.entries {
		fns[i] = e.fn
	}
	return fns
}
