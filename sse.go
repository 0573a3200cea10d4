package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server for managing
// bidirectional client communication. It handles server-to-client streaming through SSE
// and client-to-server messaging via HTTP POST endpoints.
//
// Each GET to HandleSSE creates one server-side Transport, yielded by Sessions. The stream first
// carries an "endpoint" event with the URL the client must POST its messages to, then one "message"
// event per JSON-RPC message.
//
// Instances should be created using NewSSEServer and shut down using Shutdown.
type SSEServer struct {
	messageURL    string
	logger        *slog.Logger
	transportOpts []TransportOption
	maxBodySize   int64

	sessions chan *sseServerTransport

	mu     sync.RWMutex
	active map[string]*sseServerTransport

	handlers  sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements a Server-Sent Events (SSE) client transport. It receives server messages
// from the event stream at the connect URL and POSTs its own messages to the endpoint announced
// by the server. Instances should be created using NewSSEClient.
type SSEClient struct {
	*conn

	httpClient     *http.Client
	connectURL     string
	maxEventSize   int
	connectRetries uint

	mu         sync.RWMutex
	messageURL string
	cancel     context.CancelFunc

	startOnce sync.Once
	startErr  error
}

type sseServerTransport struct {
	*conn

	sendMsgs  chan sseServerSendMsg
	inbox     *frameQueue
	stop      chan struct{}
	startOnce sync.Once
}

type sseServerSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

var (
	defaultSSEMaxBodySize = int64(4 << 20)

	errClientDisconnected = errors.New("client disconnected")
	errServerShutdown     = errors.New("server shutting down")
)

// NewSSEServer creates an SSE server that tells clients to POST their messages to messageURL.
// Mount HandleSSE and HandleMessage on the router of your choice.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL: messageURL,
		sessions:   make(chan *sseServerTransport),
		active:     make(map[string]*sseServerTransport),
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.maxBodySize == 0 {
		s.maxBodySize = defaultSSEMaxBodySize
	}
	s.logger = s.logger.With(slog.String("package", "go-mcp"), slog.String("component", "sse-server"))

	return s
}

// WithSSEServerLogger sets the logger of the SSE server and of the transports it creates.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger
		s.transportOpts = append(s.transportOpts, WithTransportLogger(logger))
	}
}

// WithSSEServerTransportOptions applies options to every transport the server creates.
func WithSSEServerTransportOptions(options ...TransportOption) SSEServerOption {
	return func(s *SSEServer) {
		s.transportOpts = append(s.transportOpts, options...)
	}
}

// WithSSEServerMaxBodySize limits the size of a POSTed message.
func WithSSEServerMaxBodySize(size int64) SSEServerOption {
	return func(s *SSEServer) {
		s.maxBodySize = size
	}
}

// NewSSEClient creates an SSE client transport that connects to connectURL. The optional
// httpClient parameter allows custom HTTP client configuration; if nil, the default HTTP
// client is used. Start establishes the event stream.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...TransportOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	opts := newTransportOptions(options)

	s := &SSEClient{
		httpClient:     cli,
		connectURL:     connectURL,
		maxEventSize:   opts.maxEventSize,
		connectRetries: opts.connectRetries,
	}
	s.conn = newConn("", "sse-client", opts, s.write)
	return s
}

// Sessions returns an iterator over server transports, one per connected client. Each transport is
// yielded before it is started; the caller starts it, typically through Server.ServeSessions. The
// iteration ends when the server shuts down.
func (s *SSEServer) Sessions() iter.Seq[Transport] {
	return func(yield func(Transport) bool) {
		for {
			select {
			case <-s.done:
				return
			case t := <-s.sessions:
				if !yield(t) {
					return
				}
			}
		}
	}
}

// Shutdown stops every active transport and waits for their handlers to return.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.RLock()
	transports := make([]*sseServerTransport, 0, len(s.active))
	for _, t := range s.active {
		transports = append(transports, t)
	}
	s.mu.RUnlock()

	for _, t := range transports {
		_ = t.shutdown(errServerShutdown, t.teardown)
	}

	waited := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(waited)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-waited:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, creates a transport with a unique session ID,
// and provides the client with its message endpoint. The connection remains open until the
// client disconnects, the transport is stopped or the server shuts down.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.done:
			http.Error(w, errServerShutdown.Error(), http.StatusServiceUnavailable)
			return
		default:
		}
		s.handlers.Add(1)
		defer s.handlers.Done()

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		t := s.newTransport()

		// Registered before the endpoint is announced, so the client's first POST finds it.
		s.mu.Lock()
		s.active[t.SessionID()] = t
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.active, t.SessionID())
			s.mu.Unlock()
		}()

		// Use the type "endpoint" to indicate the endpoint URL.
		endpoint := &sse.Message{Type: sse.Type("endpoint")}
		endpoint.AppendData(fmt.Sprintf("%s?sessionID=%s", s.messageURL, t.SessionID()))
		if err := sess.Send(endpoint); err != nil {
			s.logger.Error("failed to write SSE endpoint", slog.String("err", err.Error()))
			_ = t.shutdown(err, t.teardown)
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush SSE", slog.String("err", err.Error()))
			_ = t.shutdown(err, t.teardown)
			return
		}

		// Hand the transport to the Sessions iterator.
		select {
		case s.sessions <- t:
		case <-s.done:
			_ = t.shutdown(errServerShutdown, t.teardown)
			return
		case <-r.Context().Done():
			_ = t.shutdown(errClientDisconnected, t.teardown)
			return
		}

		for {
			select {
			case sm := <-t.sendMsgs:
				err := sess.Send(sm.msg)
				if err == nil {
					err = sess.Flush()
				}
				if err != nil {
					s.logger.Warn("failed to send message", slog.String("err", err.Error()))
				}
				sm.errs <- err
			case <-t.stop:
				return
			case <-r.Context().Done():
				_ = t.shutdown(errClientDisconnected, t.teardown)
				return
			}
		}
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionID query parameter and a JSON-RPC message body,
// which is queued for delivery on that session's transport.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		s.mu.RLock()
		t, ok := s.active[sessID]
		s.mu.RUnlock()
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodySize+1))
		if err != nil {
			nErr := fmt.Errorf("failed to read message: %w", err)
			s.logger.Warn("failed to read message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}
		if int64(len(body)) > s.maxBodySize {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		if _, err := Classify(body); err != nil {
			s.logger.Warn("rejecting malformed message", slog.String("sessionID", sessID), slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-t.Done():
			http.Error(w, ErrConnectionClosed.Error(), http.StatusGone)
			return
		default:
		}
		t.inbox.push(body)
		w.WriteHeader(http.StatusAccepted)
	})
}

func (s *SSEServer) newTransport() *sseServerTransport {
	t := &sseServerTransport{
		sendMsgs: make(chan sseServerSendMsg),
		inbox:    newFrameQueue(),
		stop:     make(chan struct{}),
	}
	t.conn = newConn(uuid.New().String(), "sse-session", newTransportOptions(s.transportOpts), t.write)
	return t
}

// Start implements Transport. Messages POSTed before Start are queued and delivered once started.
func (t *sseServerTransport) Start(context.Context) error {
	if err := t.markStarted(); err != nil {
		return err
	}
	t.startOnce.Do(func() {
		go t.inbox.dispatch(t.conn)
	})
	return nil
}

// Stop implements Transport. The event stream ends when the handler notices the stop.
func (t *sseServerTransport) Stop() error {
	return t.shutdown(nil, t.teardown)
}

func (t *sseServerTransport) teardown() error {
	close(t.stop)
	return nil
}

func (t *sseServerTransport) write(ctx context.Context, data []byte) error {
	msg := &sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(data))

	errs := make(chan error, 1)

	// Queue the message for the handler goroutine that owns the stream.
	select {
	case t.sendMsgs <- sseServerSendMsg{msg: msg, errs: errs}:
	case <-t.stop:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errs:
		return err
	case <-t.stop:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start implements Transport by opening the event stream, retrying with exponential backoff, and
// waiting for the endpoint event. The stream outlives ctx; it ends on Stop.
func (s *SSEClient) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startErr = s.connect(ctx)
	})
	if s.startErr != nil {
		return s.startErr
	}
	return s.markStarted()
}

// Stop implements Transport.
func (s *SSEClient) Stop() error {
	return s.shutdown(nil, s.teardown)
}

func (s *SSEClient) teardown() error {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *SSEClient) connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopConnecting := context.AfterFunc(ctx, cancel)
	defer stopConnecting()

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	body, err := backoff.Retry[io.ReadCloser](ctx, func() (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			err := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp.Body, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(s.connectRetries))
	if err != nil {
		cancel()
		return fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	ready := make(chan error, 1)
	go s.listenSSEMessages(body, ready)

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return err
		}
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
	return nil
}

func (s *SSEClient) listenSSEMessages(body io.ReadCloser, ready chan<- error) {
	defer body.Close()

	var config *sse.ReadConfig
	if s.maxEventSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxEventSize,
		}
	}

	base, err := url.Parse(s.connectURL)
	if err != nil {
		ready <- fmt.Errorf("parse connect URL: %w", err)
		return
	}

	endpointSeen := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !endpointSeen {
				ready <- fmt.Errorf("failed to read SSE stream: %w", err)
				return
			}
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			}
			_ = s.shutdown(fmt.Errorf("read event stream: %w", err), s.teardown)
			return
		}

		switch ev.Type {
		case "endpoint":
			// The endpoint may be relative to the connect URL.
			u, err := base.Parse(ev.Data)
			if err != nil || u.String() == "" {
				if !endpointSeen {
					ready <- fmt.Errorf("invalid endpoint URL %q", ev.Data)
					return
				}
				s.logger.Warn("ignoring invalid endpoint URL", slog.String("url", ev.Data))
				continue
			}
			s.mu.Lock()
			s.messageURL = u.String()
			s.mu.Unlock()
			if !endpointSeen {
				endpointSeen = true
				ready <- nil
			}
		case "message":
			if !endpointSeen {
				s.logger.Error("received message before endpoint URL")
				continue
			}
			s.deliver([]byte(ev.Data))
		default:
			s.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}

	if !endpointSeen {
		ready <- errors.New("event stream ended before endpoint event")
		return
	}
	_ = s.shutdown(io.EOF, s.teardown)
}

func (s *SSEClient) write(ctx context.Context, data []byte) error {
	s.mu.RLock()
	messageURL := s.messageURL
	s.mu.RUnlock()
	if messageURL == "" {
		return errors.New("message endpoint not known yet")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
