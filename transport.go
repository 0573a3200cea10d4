package mcp

import (
	"context"
	"log/slog"
	"time"
)

// Transport carries JSON-RPC messages for exactly one session between two peers. Every Transport in
// this package shares the same core: a correlation table for outbound requests, ordered fan-out of
// inbound messages to subscribers, the negotiated protocol version and the session Lifecycle.
//
// A Transport starts in TransportNotStarted. Start makes it ready; Stop moves it through
// TransportClosing to TransportClosed, fails every pending request with ErrConnectionClosed and runs
// the close callbacks exactly once. Closing is also triggered by the peer going away.
type Transport interface {
	// Start makes the transport ready to send and receive. It is idempotent while started and fails
	// with *TransportStateError once the transport is closing or closed.
	Start(ctx context.Context) error

	// Stop closes the transport. It is idempotent.
	Stop() error

	// Send writes one fully serialised JSON-RPC message. The message still passes the lifecycle
	// gate and is shaped for the session's protocol version, but a request sent this way is not
	// correlated and its response is discarded.
	Send(ctx context.Context, raw []byte) error

	// SendRequest writes req and blocks until the matching response arrives, the context is done,
	// the request timeout elapses or the transport closes. An empty req.ID is replaced with a fresh
	// one. A response carrying a JSON-RPC error is returned together with that *JSONRPCError.
	SendRequest(ctx context.Context, req Request) (Response, error)

	// SendNotification writes a one-way message.
	SendNotification(ctx context.Context, n Notification) error

	// OnMessage subscribes fn to inbound requests and notifications. Responses are consumed by the
	// correlation table, and ping requests are answered by the transport itself. Subscribers are
	// invoked in registration order on the transport's delivery goroutine and must not block.
	OnMessage(fn func(Message)) (unsubscribe func())

	// OnError subscribes fn to non-fatal errors: malformed inbound data, unmatched responses and
	// lifecycle violations by the peer.
	OnError(fn func(error)) (unsubscribe func())

	// OnClose subscribes fn to the transport closing. fn runs once; when the transport is already
	// closed it runs immediately.
	OnClose(fn func()) (unsubscribe func())

	// State returns the current transport state.
	State() TransportState

	// SessionID returns the identifier of the session this transport carries.
	SessionID() string

	// ProtocolVersion returns the version used to shape version-sensitive payloads.
	ProtocolVersion() ProtocolVersion

	// SetProtocolVersion records the negotiated version. Unsupported versions are rejected.
	SetProtocolVersion(v ProtocolVersion) error

	// Lifecycle returns the lifecycle of the session.
	Lifecycle() *Lifecycle
}

// TransportState is the connection state of a Transport.
type TransportState int32

// TransportOption configures the transports constructed by this package.
type TransportOption func(*transportOptions)

type transportOptions struct {
	logger         *slog.Logger
	requestTimeout time.Duration
	metrics        *Metrics
	version        ProtocolVersion

	maxEventSize   int
	connectRetries uint
	waitDelay      time.Duration
}

// Transport states.
const (
	TransportNotStarted TransportState = iota
	TransportStarted
	TransportClosing
	TransportClosed
)

var (
	defaultRequestTimeout    = 30 * time.Second
	defaultSSEConnectRetries = uint(3)
	defaultCommandWaitDelay  = 5 * time.Second
)

var (
	_ Transport = (*MemoryTransport)(nil)
	_ Transport = (*StdIO)(nil)
	_ Transport = (*CommandTransport)(nil)
	_ Transport = (*SSEClient)(nil)
	_ Transport = (*sseServerTransport)(nil)
)

// WithTransportLogger sets the logger of the transport.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(o *transportOptions) {
		o.logger = logger
	}
}

// WithRequestTimeout sets how long SendRequest waits for a response before giving up with
// ErrRequestTimeout. A negative value disables the timeout, leaving only the context.
func WithRequestTimeout(timeout time.Duration) TransportOption {
	return func(o *transportOptions) {
		o.requestTimeout = timeout
	}
}

// WithTransportMetrics records message counters on m. Several transports may share one Metrics.
func WithTransportMetrics(m *Metrics) TransportOption {
	return func(o *transportOptions) {
		o.metrics = m
	}
}

// WithInitialProtocolVersion sets the protocol version used before negotiation completes.
func WithInitialProtocolVersion(v ProtocolVersion) TransportOption {
	return func(o *transportOptions) {
		o.version = v
	}
}

// WithSSEMaxEventSize sets the maximum size of an event the SSE client accepts. An oversized event
// closes the transport.
func WithSSEMaxEventSize(size int) TransportOption {
	return func(o *transportOptions) {
		o.maxEventSize = size
	}
}

// WithSSEConnectRetries sets how many times the SSE client retries establishing the event stream.
func WithSSEConnectRetries(retries uint) TransportOption {
	return func(o *transportOptions) {
		o.connectRetries = retries
	}
}

// WithCommandWaitDelay sets how long a command transport waits for the child process to exit after
// its stdin is closed before killing it.
func WithCommandWaitDelay(delay time.Duration) TransportOption {
	return func(o *transportOptions) {
		o.waitDelay = delay
	}
}

func newTransportOptions(options []TransportOption) transportOptions {
	var o transportOptions
	for _, opt := range options {
		opt(&o)
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.requestTimeout == 0 {
		o.requestTimeout = defaultRequestTimeout
	}
	if o.version == "" {
		o.version = LatestProtocolVersion
	}
	if o.connectRetries == 0 {
		o.connectRetries = defaultSSEConnectRetries
	}
	if o.waitDelay == 0 {
		o.waitDelay = defaultCommandWaitDelay
	}
	return o
}

func (s TransportState) String() string {
	switch s {
	case TransportNotStarted:
		return "not started"
	case TransportStarted:
		return "started"
	case TransportClosing:
		return "closing"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}
