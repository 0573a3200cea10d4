package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server that enables communication
// between LLM applications and external data sources and tools. It answers the
// initialization handshake, dispatches client requests to the configured implementations
// and forwards list changes and log messages to connected clients.
//
// A Server serves any number of sessions, each carried by its own Transport. Server must be
// created with NewServer.
type Server struct {
	info Info

	instructions string
	capabilities ServerCapabilities

	promptServer      PromptServer
	promptListUpdater PromptListUpdater

	resourceServer      ResourceServer
	resourceListUpdater ResourceListUpdater

	toolServer      ToolServer
	toolListUpdater ToolListUpdater

	rootsListWatcher RootsListWatcher

	logHandler LogHandler

	pingInterval         time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	mu       sync.RWMutex
	sessions map[string]*ServerSession

	listenOnce sync.Once
	listeners  sync.WaitGroup
	done       chan struct{}
	closeOnce  sync.Once
}

// ServerSession is the server side of one client session. It is handed to the server
// implementations so they can issue requests and notifications to that client.
type ServerSession struct {
	server    *Server
	transport Transport
	logger    *slog.Logger

	mu                 sync.RWMutex
	clientInfo         Info
	clientCapabilities ClientCapabilities
	cancels            map[MustString]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second

	errRootsNotSupported = errors.New("client does not support roots")
)

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
// The capabilities announced to clients are derived from the implementations provided through
// the options.
func NewServer(info Info, options ...ServerOption) *Server {
	s := &Server{
		info:     info,
		sessions: make(map[string]*ServerSession),
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(
		slog.String("package", "go-mcp"),
		slog.String("component", "server"),
	)
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	// Prepares the server's capabilities based on the provided server implementations.

	s.capabilities = ServerCapabilities{}

	if s.promptServer != nil {
		s.capabilities.Prompts = &PromptsCapability{}
		if s.promptListUpdater != nil {
			s.capabilities.Prompts.ListChanged = true
		}
	}
	if s.resourceServer != nil {
		s.capabilities.Resources = &ResourcesCapability{}
		if s.resourceListUpdater != nil {
			s.capabilities.Resources.ListChanged = true
		}
	}
	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
		if s.toolListUpdater != nil {
			s.capabilities.Tools.ListChanged = true
		}
	}
	if s.logHandler != nil {
		s.capabilities.Logging = &LoggingCapability{}
	}

	return s
}

// WithPromptServer returns a ServerOption that configures the prompt server implementation.
func WithPromptServer(srv PromptServer) ServerOption {
	return func(s *Server) {
		s.promptServer = srv
	}
}

// WithPromptListUpdater returns a ServerOption that configures the prompt list updater implementation.
func WithPromptListUpdater(updater PromptListUpdater) ServerOption {
	return func(s *Server) {
		s.promptListUpdater = updater
	}
}

// WithResourceServer returns a ServerOption that configures the resource server implementation.
func WithResourceServer(srv ResourceServer) ServerOption {
	return func(s *Server) {
		s.resourceServer = srv
	}
}

// WithResourceListUpdater returns a ServerOption that configures the resource list updater implementation.
func WithResourceListUpdater(updater ResourceListUpdater) ServerOption {
	return func(s *Server) {
		s.resourceListUpdater = updater
	}
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithToolListUpdater returns a ServerOption that configures the tool list updater implementation.
func WithToolListUpdater(updater ToolListUpdater) ServerOption {
	return func(s *Server) {
		s.toolListUpdater = updater
	}
}

// WithRootsListWatcher returns a ServerOption that configures the roots list watcher implementation.
func WithRootsListWatcher(watcher RootsListWatcher) ServerOption {
	return func(s *Server) {
		s.rootsListWatcher = watcher
	}
}

// WithLogHandler returns a ServerOption that configures the log handler implementation.
func WithLogHandler(handler LogHandler) ServerOption {
	return func(s *Server) {
		s.logHandler = handler
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPingInterval returns a ServerOption that configures the server's ping interval.
// A negative interval disables pings.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the server.
// If the number of consecutive ping timeouts exceeds the threshold, the server will close the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a client completes initialization.
// The callback's parameter is the session ID and Info of the client.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the session ID of the client.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// Serve runs one session over t until the transport closes or ctx is done, in which case the
// transport is stopped. t must not have been started; Serve starts it.
//
// Serve returns nil when the session ends because the transport closed, and ctx.Err() when it
// ends because ctx is done.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	select {
	case <-s.done:
		return errServerShutdown
	default:
	}
	s.listenOnce.Do(s.listenUpdates)

	sess := s.newSession(t)
	closed := make(chan struct{})
	unsubscribes := []func(){
		t.OnMessage(sess.handleMessage),
		t.OnClose(func() { close(closed) }),
	}
	defer func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}()

	s.mu.Lock()
	s.sessions[t.SessionID()] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, t.SessionID())
		s.mu.Unlock()
	}()
	defer sess.cancel()

	if err := t.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	sess.logger.Debug("session started")

	var err error
	select {
	case <-closed:
	case <-s.done:
		_ = t.Stop()
	case <-ctx.Done():
		err = ctx.Err()
		_ = t.Stop()
	}

	sess.logger.Debug("session ended")
	if s.onClientDisconnected != nil {
		s.onClientDisconnected(t.SessionID())
	}
	return err
}

// ServeSessions serves every transport yielded by sessions, each in its own goroutine, typically
// the Sessions of an SSEServer. It returns when the iteration ends and every session has finished.
// Cancelling ctx ends the sessions, but the iteration ends only when its source shuts down.
func (s *Server) ServeSessions(ctx context.Context, sessions iter.Seq[Transport]) error {
	var group errgroup.Group
	for t := range sessions {
		group.Go(func() error {
			if err := s.Serve(ctx, t); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("session failed",
					slog.String("sessionID", t.SessionID()),
					slog.String("err", err.Error()))
			}
			return nil
		})
	}
	return group.Wait()
}

// Broadcast sends a notification to every operational session.
func (s *Server) Broadcast(ctx context.Context, method string, params any) {
	for _, sess := range s.Sessions() {
		if sess.transport.Lifecycle().State() != StateOperational {
			continue
		}
		if err := sess.Notify(ctx, method, params); err != nil {
			sess.logger.Warn("failed to broadcast notification",
				slog.String("method", method),
				slog.String("err", err.Error()))
		}
	}
}

// Sessions returns the sessions currently being served.
func (s *Server) Sessions() []*ServerSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Collect(maps.Values(s.sessions))
}

// Shutdown stops every session and waits for the list change and log listeners to finish. It
// returns an error if ctx is done before they finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	for _, sess := range s.Sessions() {
		_ = sess.transport.Stop()
	}

	waited := make(chan struct{})
	go func() {
		s.listeners.Wait()
		close(waited)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close update listeners: %w", ctx.Err())
	case <-waited:
	}
	return nil
}

func (s *Server) listenUpdates() {
	if s.promptListUpdater != nil {
		s.listen(MethodNotificationsPromptsListChanged, s.promptListUpdater.PromptListUpdates())
	}
	if s.resourceListUpdater != nil {
		s.listen(MethodNotificationsResourcesListChanged, s.resourceListUpdater.ResourceListUpdates())
	}
	if s.toolListUpdater != nil {
		s.listen(MethodNotificationsToolsListChanged, s.toolListUpdater.ToolListUpdates())
	}
	if s.logHandler != nil {
		s.listeners.Add(1)
		go func() {
			defer s.listeners.Done()
			for params := range s.logHandler.LogStreams() {
				if s.isDone() {
					return
				}
				s.broadcast(MethodNotificationsMessage, params)
			}
		}()
	}
}

func (s *Server) listen(method string, updates iter.Seq[struct{}]) {
	s.listeners.Add(1)
	go func() {
		defer s.listeners.Done()
		for range updates {
			if s.isDone() {
				return
			}
			s.broadcast(method, nil)
		}
	}()
}

func (s *Server) broadcast(method string, params any) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()
	s.Broadcast(ctx, method, params)
}

func (s *Server) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Server) newSession(t Transport) *ServerSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &ServerSession{
		server:    s,
		transport: t,
		logger:    s.logger.With(slog.String("sessionID", t.SessionID())),
		cancels:   make(map[MustString]context.CancelFunc),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ID returns the identifier of the session.
func (s *ServerSession) ID() string {
	return s.transport.SessionID()
}

// ClientInfo returns the info the client sent in its initialize request.
func (s *ServerSession) ClientInfo() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientInfo
}

// ClientCapabilities returns the capabilities the client declared in its initialize request.
func (s *ServerSession) ClientCapabilities() ClientCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientCapabilities
}

// ProtocolVersion returns the negotiated protocol version of the session.
func (s *ServerSession) ProtocolVersion() ProtocolVersion {
	return s.transport.ProtocolVersion()
}

// ListRoots asks the client for its roots. The client must have declared the roots capability.
// It blocks until the client answers, so it must not be called from an OnMessage subscriber.
func (s *ServerSession) ListRoots(ctx context.Context) (RootList, error) {
	if s.ClientCapabilities().Roots == nil {
		return RootList{}, errRootsNotSupported
	}
	req, err := NewRequest(MethodRootsList, nil)
	if err != nil {
		return RootList{}, err
	}
	res, err := s.transport.SendRequest(ctx, req)
	if err != nil {
		return RootList{}, fmt.Errorf("failed to list roots: %w", err)
	}
	var roots RootList
	if err := json.Unmarshal(res.Result, &roots); err != nil {
		return RootList{}, fmt.Errorf("failed to unmarshal roots: %w", err)
	}
	return roots, nil
}

// Notify sends a notification to the client.
func (s *ServerSession) Notify(ctx context.Context, method string, params any) error {
	notif, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.transport.SendNotification(ctx, notif)
}

// Log sends a log message to the client.
func (s *ServerSession) Log(ctx context.Context, params LogParams) error {
	return s.Notify(ctx, MethodNotificationsMessage, params)
}

// Close stops the session's transport.
func (s *ServerSession) Close() error {
	return s.transport.Stop()
}

// handleMessage runs on the transport's delivery goroutine. Initialize is answered inline so its
// response is written before any later message is handled; other requests get their own goroutine.
func (s *ServerSession) handleMessage(msg Message) {
	switch m := msg.(type) {
	case Request:
		if m.Method == methodInitialize {
			s.handleInitialize(m)
			return
		}
		ctx, cancel := context.WithCancel(s.ctx)
		s.mu.Lock()
		s.cancels[m.ID] = cancel
		s.mu.Unlock()
		go s.handleRequest(ctx, m)
	case Notification:
		s.handleNotification(m)
	}
}

func (s *ServerSession) handleNotification(msg Notification) {
	switch msg.Method {
	case methodNotificationsInitialized:
		s.logger.Info("client initialized", slog.String("client", s.ClientInfo().Name))
		if s.server.onClientConnected != nil {
			s.server.onClientConnected(s.ID(), s.ClientInfo())
		}
		go keepAlive(s.ctx, s.transport, s.server.pingInterval, s.server.pingTimeoutThreshold, s.logger)
	case MethodNotificationsCancelled:
		var params CancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.logger.Warn("failed to unmarshal cancelled params", slog.String("err", err.Error()))
			return
		}
		s.mu.RLock()
		cancel, ok := s.cancels[params.RequestID]
		s.mu.RUnlock()
		if ok {
			s.logger.Debug("cancelling request",
				slog.String("id", string(params.RequestID)),
				slog.String("reason", params.Reason))
			cancel()
		}
	case MethodNotificationsRootsListChanged:
		if s.server.rootsListWatcher != nil {
			go s.server.rootsListWatcher.OnRootsListChanged(s)
		}
	default:
		s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (s *ServerSession) handleInitialize(msg Request) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		s.sendResponse(NewErrorResponse(msg.ID, CodeInvalidParams, errMsgInvalidParams,
			map[string]any{"error": err.Error()}))
		return
	}

	version := Negotiate(params.ProtocolVersion)
	if version != params.ProtocolVersion {
		s.logger.Info("client requested an unsupported protocol version",
			slog.String("requested", string(params.ProtocolVersion)),
			slog.String("selected", string(version)))
	}
	// Set before encoding the result so it is shaped for the negotiated version.
	if err := s.transport.SetProtocolVersion(version); err != nil {
		s.sendResponse(NewErrorResponse(msg.ID, CodeInternalError, errMsgInternalError, nil))
		return
	}

	s.mu.Lock()
	s.clientInfo = params.ClientInfo
	s.clientCapabilities = params.Capabilities
	s.mu.Unlock()

	res, err := NewResultResponse(msg.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities:    s.server.capabilities,
		ServerInfo:      s.server.info,
		Instructions:    s.server.instructions,
	})
	if err != nil {
		s.logger.Error("failed to build initialize result", slog.String("err", err.Error()))
		return
	}
	s.sendResponse(res)
}

func (s *ServerSession) handleRequest(ctx context.Context, msg Request) {
	defer func() {
		s.mu.Lock()
		if cancel, ok := s.cancels[msg.ID]; ok {
			cancel()
			delete(s.cancels, msg.ID)
		}
		s.mu.Unlock()
	}()

	reporter := s.progressReporter(msg.Params)

	var result any
	var err error

	switch msg.Method {
	case MethodPromptsList:
		if s.server.promptServer == nil {
			break
		}
		result, err = dispatch(ctx, s, msg, reporter, s.server.promptServer.ListPrompts)
	case MethodPromptsGet:
		if s.server.promptServer == nil {
			break
		}
		result, err = dispatch(ctx, s, msg, reporter, s.server.promptServer.GetPrompt)
	case MethodResourcesList:
		if s.server.resourceServer == nil {
			break
		}
		result, err = dispatch(ctx, s, msg, reporter, s.server.resourceServer.ListResources)
	case MethodResourcesRead:
		if s.server.resourceServer == nil {
			break
		}
		result, err = dispatch(ctx, s, msg, reporter, s.server.resourceServer.ReadResource)
	case MethodToolsList:
		if s.server.toolServer == nil {
			break
		}
		result, err = dispatch(ctx, s, msg, reporter, s.server.toolServer.ListTools)
	case MethodToolsCall:
		if s.server.toolServer == nil {
			break
		}
		result, err = s.callTool(ctx, msg, reporter)
	case MethodLoggingSetLevel:
		if s.server.logHandler == nil {
			break
		}
		result, err = s.setLogLevel(msg)
	}

	if result == nil && err == nil {
		s.sendResponse(NewErrorResponse(msg.ID, CodeMethodNotFound, errMsgMethodNotFound,
			map[string]any{"method": msg.Method}))
		return
	}

	if err != nil {
		// A request the client cancelled gets no response.
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			s.logger.Debug("request cancelled", slog.String("id", string(msg.ID)), slog.String("method", msg.Method))
			return
		}
		s.logger.Error("failed to call server implementation",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		var jErr *JSONRPCError
		if !errors.As(err, &jErr) {
			jErr = &JSONRPCError{Code: CodeInternalError, Message: errMsgInternalError, Data: map[string]any{"error": err.Error()}}
		}
		s.sendResponse(Response{ID: msg.ID, Error: jErr})
		return
	}

	res, err := NewResultResponse(msg.ID, result)
	if err != nil {
		s.sendResponse(NewErrorResponse(msg.ID, CodeInternalError, errMsgInternalError,
			map[string]any{"error": err.Error()}))
		return
	}
	s.sendResponse(res)
}

// dispatch decodes the params of msg into P and calls fn.
func dispatch[P, R any](
	ctx context.Context,
	s *ServerSession,
	msg Request,
	reporter ProgressReporter,
	fn func(context.Context, P, ProgressReporter, *ServerSession) (R, error),
) (any, error) {
	var params P
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return nil, err
	}
	return fn(ctx, params, reporter, s)
}

func (s *ServerSession) callTool(ctx context.Context, msg Request, reporter ProgressReporter) (any, error) {
	var params CallToolParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return nil, err
	}
	result, err := s.server.toolServer.CallTool(ctx, params, reporter, s)
	if err == nil {
		return result, nil
	}
	var jErr *JSONRPCError
	if errors.As(err, &jErr) || ctx.Err() != nil {
		return nil, err
	}
	// Tool failures are reported to the model as an error result rather than a protocol error.
	return CallToolResult{
		Content: []Content{{Type: ContentTypeText, Text: err.Error()}},
		IsError: true,
	}, nil
}

func (s *ServerSession) setLogLevel(msg Request) (any, error) {
	var params SetLogLevelParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return nil, err
	}
	s.server.logHandler.SetLogLevel(params.Level)
	return struct{}{}, nil
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &JSONRPCError{
			Code:    CodeInvalidParams,
			Message: errMsgInvalidParams,
			Data:    map[string]any{"error": err.Error()},
		}
	}
	return nil
}

// progressReporter returns a reporter sending notifications/progress for the token in the request
// params, or a no-op when the request carries none.
func (s *ServerSession) progressReporter(raw json.RawMessage) ProgressReporter {
	var params struct {
		Meta *ParamsMeta `json:"_meta"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &params)
	}
	if params.Meta == nil || params.Meta.ProgressToken == "" {
		return func(ProgressParams) {}
	}
	token := params.Meta.ProgressToken

	return func(progress ProgressParams) {
		progress.ProgressToken = token

		ctx, cancel := context.WithTimeout(context.Background(), s.server.sendTimeout)
		defer cancel()

		if err := s.Notify(ctx, MethodNotificationsProgress, progress); err != nil {
			s.logger.Error("failed to send progress", slog.String("err", err.Error()))
		}
	}
}

func (s *ServerSession) sendResponse(res Response) {
	if err := sendResponse(s.transport, res, s.server.sendTimeout); err != nil {
		s.logger.Error("failed to send response",
			slog.String("id", string(res.ID)),
			slog.String("err", err.Error()))
	}
}
