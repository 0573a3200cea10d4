package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client that enables communication
// between LLM applications and external data sources and tools. It manages the
// connection lifecycle, handles protocol messages, and provides access to MCP
// server capabilities.
//
// The client supports various server interactions including prompt management,
// resource handling, tool execution, and logging. It maintains session state and
// provides automatic connection health monitoring through periodic pings.
//
// A Client must be created using NewClient() and requires Connect() to be called
// before any operations can be performed. The client should be properly closed
// using Close() when it's no longer needed.
type Client struct {
	capabilities ClientCapabilities
	info         Info
	transport    Transport

	rootsListHandler RootsListHandler
	rootsListUpdater RootsListUpdater

	promptListWatcher   PromptListWatcher
	resourceListWatcher ResourceListWatcher
	toolListWatcher     ToolListWatcher

	progressListener ProgressListener
	logReceiver      LogReceiver

	writeTimeout         time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int

	logger *slog.Logger

	mu                 sync.RWMutex
	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string

	notifications *notificationQueue

	cancel      context.CancelFunc
	unsubscribe []func()
	closeOnce   sync.Once
	background  sync.WaitGroup
}

var (
	defaultClientWriteTimeout = 30 * time.Second
	defaultClientPingInterval = 30 * time.Second

	defaultClientPingTimeoutThreshold = 3
)

// WithRootsListHandler sets the roots list handler for the client. Setting it makes the client
// declare the roots capability.
func WithRootsListHandler(handler RootsListHandler) ClientOption {
	return func(c *Client) {
		c.rootsListHandler = handler
	}
}

// WithRootsListUpdater sets the roots list updater for the client.
func WithRootsListUpdater(updater RootsListUpdater) ClientOption {
	return func(c *Client) {
		c.rootsListUpdater = updater
	}
}

// WithPromptListWatcher sets the prompt list watcher for the client.
func WithPromptListWatcher(watcher PromptListWatcher) ClientOption {
	return func(c *Client) {
		c.promptListWatcher = watcher
	}
}

// WithResourceListWatcher sets the resource list watcher for the client.
func WithResourceListWatcher(watcher ResourceListWatcher) ClientOption {
	return func(c *Client) {
		c.resourceListWatcher = watcher
	}
}

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithProgressListener sets the progress listener for the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the log receiver for the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithClientWriteTimeout sets the timeout for messages the client sends without waiting for a
// response, such as notifications and replies to server requests.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientPingInterval sets the ping interval for the client. A negative interval disables pings.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeoutThreshold sets the ping timeout threshold for the client.
// If the number of consecutive ping timeouts exceeds the threshold, the client will close the session.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new Model Context Protocol (MCP) client with the specified configuration.
//
// The info parameter provides client identification and version information. The transport
// parameter defines how the client communicates with the server; it must not have been started.
//
// Optional client behaviors can be configured through ClientOption functions. These include
// handlers for roots management, list change watchers, progress tracking, and logging.
//
// The client will not be connected until Connect() is called.
func NewClient(
	info Info,
	transport Transport,
	options ...ClientOption,
) *Client {
	c := &Client{
		info:          info,
		transport:     transport,
		notifications: newNotificationQueue(),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(
		slog.String("package", "go-mcp"),
		slog.String("component", "client"),
		slog.String("sessionID", transport.SessionID()),
	)
	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.pingInterval == 0 {
		c.pingInterval = defaultClientPingInterval
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}

	c.capabilities = ClientCapabilities{}

	if c.rootsListHandler != nil {
		c.capabilities.Roots = &RootsCapability{}
		if c.rootsListUpdater != nil {
			c.capabilities.Roots.ListChanged = true
		}
	}

	return c
}

// Connect starts the transport and performs the initialization handshake: it sends the initialize
// request proposing the transport's protocol version, checks the version the server answered
// with, records it on the transport and sends the initialized notification. On success the
// session is operational and background routines for pings and roots updates are running.
//
// A server answering with a protocol version this package does not support makes Connect fail
// with ErrUnsupportedProtocolVersion and stop the transport.
func (c *Client) Connect(ctx context.Context) (err error) {
	unsubscribe := c.transport.OnMessage(c.handleMessage)
	defer func() {
		if err != nil {
			unsubscribe()
			return
		}
		c.unsubscribe = append(c.unsubscribe, unsubscribe)
	}()

	if err := c.transport.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	req, err := NewRequest(methodInitialize, initializeParams{
		ProtocolVersion: c.transport.ProtocolVersion(),
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		return err
	}
	res, err := c.transport.SendRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if err := c.transport.SetProtocolVersion(result.ProtocolVersion); err != nil {
		c.logger.Error("server selected an unsupported protocol version",
			slog.String("version", string(result.ProtocolVersion)))
		_ = c.transport.Stop()
		return err
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions
	c.mu.Unlock()

	if err := c.sendNotification(ctx, methodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}
	c.logger.Info("session initialized",
		slog.String("protocolVersion", string(result.ProtocolVersion)),
		slog.String("server", result.ServerInfo.Name))

	c.start()
	return nil
}

// Ping checks that the server is responsive. Ping is permitted in every lifecycle state except
// after shutdown.
func (c *Client) Ping(ctx context.Context) error {
	return ping(ctx, c.transport, c.writeTimeout)
}

// ListPrompts retrieves a paginated list of available prompts from the server.
// It returns a ListPromptsResult containing prompt metadata and pagination information.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// notification will be sent to the server to stop processing.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error) {
	if err := c.admit(MethodPromptsList, c.PromptServerSupported, "prompts"); err != nil {
		return ListPromptResult{}, err
	}
	return request[ListPromptResult](ctx, c, MethodPromptsList, params)
}

// GetPrompt retrieves a specific prompt by name with the given arguments.
// It returns a GetPromptResult containing the prompt's content and metadata.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// notification will be sent to the server to stop processing.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if err := c.admit(MethodPromptsGet, c.PromptServerSupported, "prompts"); err != nil {
		return GetPromptResult{}, err
	}
	return request[GetPromptResult](ctx, c, MethodPromptsGet, params)
}

// ListResources retrieves a paginated list of available resources from the server.
// It returns a ListResourcesResult containing resource metadata and pagination information.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if err := c.admit(MethodResourcesList, c.ResourceServerSupported, "resources"); err != nil {
		return ListResourcesResult{}, err
	}
	return request[ListResourcesResult](ctx, c, MethodResourcesList, params)
}

// ReadResource retrieves the content of a specific resource.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if err := c.admit(MethodResourcesRead, c.ResourceServerSupported, "resources"); err != nil {
		return ReadResourceResult{}, err
	}
	return request[ReadResourceResult](ctx, c, MethodResourcesRead, params)
}

// ListTools retrieves a paginated list of available tools from the server.
// It returns a ListToolsResult containing tool metadata and pagination information.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// notification will be sent to the server to stop processing.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if err := c.admit(MethodToolsList, c.ToolServerSupported, "tools"); err != nil {
		return ListToolsResult{}, err
	}
	return request[ListToolsResult](ctx, c, MethodToolsList, params)
}

// CallTool executes a specific tool and returns its result.
//
// When the client has a ProgressListener and params carries no progress token, a fresh token is
// attached so the server can report progress. The request can be cancelled via the context.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if err := c.admit(MethodToolsCall, c.ToolServerSupported, "tools"); err != nil {
		return CallToolResult{}, err
	}
	if c.progressListener != nil && (params.Meta == nil || params.Meta.ProgressToken == "") {
		params.Meta = &ParamsMeta{ProgressToken: MustString(ulid.Make().String())}
	}
	return request[CallToolResult](ctx, c, MethodToolsCall, params)
}

// SetLogLevel configures the logging level for the MCP server.
// The server will adjust its logging output to match the requested level.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	if err := c.admit(MethodLoggingSetLevel, c.LoggingServerSupported, "logging"); err != nil {
		return err
	}
	_, err := request[json.RawMessage](ctx, c, MethodLoggingSetLevel, SetLogLevelParams{Level: level})
	return err
}

// Cancel asks the server to stop processing the request with requestID. Requests issued by the
// client's own operations are cancelled automatically when their context is cancelled.
func (c *Client) Cancel(ctx context.Context, requestID MustString, reason string) error {
	return c.sendNotification(ctx, MethodNotificationsCancelled, CancelledParams{
		RequestID: requestID,
		Reason:    reason,
	})
}

// Close stops the background routines and the transport. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		err = c.transport.Stop()
		for _, unsubscribe := range c.unsubscribe {
			unsubscribe()
		}
		c.background.Wait()
	})
	return err
}

// ServerInfo returns the server's info.
func (c *Client) ServerInfo() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Instructions returns the usage instructions the server sent during initialization.
func (c *Client) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instructions
}

// ProtocolVersion returns the protocol version of the session.
func (c *Client) ProtocolVersion() ProtocolVersion {
	return c.transport.ProtocolVersion()
}

// PromptServerSupported returns true if the server supports prompt management.
func (c *Client) PromptServerSupported() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities.Prompts != nil
}

// ResourceServerSupported returns true if the server supports resource management.
func (c *Client) ResourceServerSupported() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities.Resources != nil
}

// ToolServerSupported returns true if the server supports tool management.
func (c *Client) ToolServerSupported() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities.Tools != nil
}

// LoggingServerSupported returns true if the server supports logging.
func (c *Client) LoggingServerSupported() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities.Logging != nil
}

func (c *Client) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.unsubscribe = append(c.unsubscribe, c.transport.OnClose(cancel))

	c.background.Add(2)
	go func() {
		defer c.background.Done()
		keepAlive(ctx, c.transport, c.pingInterval, c.pingTimeoutThreshold, c.logger)
	}()
	go func() {
		defer c.background.Done()
		c.dispatchNotifications(ctx)
	}()

	if c.rootsListUpdater != nil {
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			c.listenListRootUpdates(ctx)
		}()
	}
}

func (c *Client) listenListRootUpdates(ctx context.Context) {
	for range c.rootsListUpdater.RootsListUpdates() {
		if ctx.Err() != nil {
			return
		}
		if err := c.sendNotification(ctx, MethodNotificationsRootsListChanged, nil); err != nil {
			c.logger.Error("failed to send notification on roots list change", slog.String("err", err.Error()))
		}
	}
}

// admit rejects method locally when the lifecycle does not permit it, then when the server did not
// declare the capability it belongs to.
func (c *Client) admit(method string, supported func() bool, capability string) error {
	if err := c.transport.Lifecycle().Admit(method); err != nil {
		return err
	}
	if !supported() {
		return fmt.Errorf("%s not supported by server", capability)
	}
	return nil
}

// request sends method with params and decodes the result into R. Cancelling ctx sends a
// cancellation notification for the request to the server.
func request[R any](ctx context.Context, c *Client, method string, params any) (R, error) {
	var result R

	req, err := NewRequest(method, params)
	if err != nil {
		return result, err
	}
	req.ID = MustString(uuid.New().String())

	res, err := c.transport.SendRequest(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			nCtx, nCancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
			defer nCancel()
			if nErr := c.Cancel(nCtx, req.ID, userCancelledReason); nErr != nil {
				err = fmt.Errorf("%w: failed to send notification: %w", err, nErr)
			}
			return result, err
		}
		var jErr *JSONRPCError
		if errors.As(err, &jErr) {
			return result, fmt.Errorf("result error: %w", err)
		}
		return result, err
	}

	if err := json.Unmarshal(res.Result, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return result, nil
}

// handleMessage runs on the transport's delivery goroutine, so anything that may block is moved to
// its own goroutine.
func (c *Client) handleMessage(msg Message) {
	switch m := msg.(type) {
	case Request:
		switch m.Method {
		case MethodRootsList:
			go c.handleListRoots(m)
		default:
			go c.sendResponse(NewErrorResponse(m.ID, CodeMethodNotFound, errMsgMethodNotFound,
				map[string]any{"method": m.Method}))
		}
	case Notification:
		c.notifications.push(m)
	}
}

// dispatchNotifications hands queued notifications to the watchers and listeners one at a time, in
// arrival order, off the delivery goroutine so they may call back into the client. Notifications
// still queued when ctx ends are dispatched before it returns.
func (c *Client) dispatchNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, n := range c.notifications.drain() {
				c.handleNotification(n)
			}
			return
		case <-c.notifications.ready:
			for _, n := range c.notifications.drain() {
				c.handleNotification(n)
			}
		}
	}
}

func (c *Client) handleNotification(msg Notification) {
	switch msg.Method {
	case MethodNotificationsPromptsListChanged:
		if c.promptListWatcher != nil {
			c.promptListWatcher.OnPromptListChanged()
		}
	case MethodNotificationsResourcesListChanged:
		if c.resourceListWatcher != nil {
			c.resourceListWatcher.OnResourceListChanged()
		}
	case MethodNotificationsToolsListChanged:
		if c.toolListWatcher != nil {
			c.toolListWatcher.OnToolListChanged()
		}
	case MethodNotificationsProgress:
		if c.progressListener == nil {
			return
		}
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal progress params", slog.String("err", err.Error()))
			return
		}
		c.progressListener.OnProgress(params)
	case MethodNotificationsMessage:
		if c.logReceiver == nil {
			return
		}
		var params LogParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal log params", slog.String("err", err.Error()))
			return
		}
		c.logReceiver.OnLog(params)
	case MethodNotificationsCancelled:
		// The client runs no long requests for the server besides roots/list.
	default:
		c.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (c *Client) handleListRoots(msg Request) {
	if c.rootsListHandler == nil {
		c.sendResponse(NewErrorResponse(msg.ID, CodeMethodNotFound, errMsgMethodNotFound,
			map[string]any{"method": msg.Method}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	roots, err := c.rootsListHandler.RootsList(ctx)
	if err != nil {
		c.logger.Error("failed to list roots", slog.String("err", err.Error()))
		c.sendResponse(NewErrorResponse(msg.ID, CodeInternalError, errMsgInternalError,
			map[string]any{"error": err.Error()}))
		return
	}
	if roots.Roots == nil {
		roots.Roots = []Root{}
	}
	res, err := NewResultResponse(msg.ID, roots)
	if err != nil {
		c.logger.Error("failed to build roots result", slog.String("err", err.Error()))
		return
	}
	c.sendResponse(res)
}

func (c *Client) sendNotification(ctx context.Context, method string, params any) error {
	notif, err := NewNotification(method, params)
	if err != nil {
		return err
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.transport.SendNotification(sCtx, notif); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

func (c *Client) sendResponse(res Response) {
	if err := sendResponse(c.transport, res, c.writeTimeout); err != nil {
		c.logger.Error("failed to send response",
			slog.String("id", string(res.ID)),
			slog.String("err", err.Error()))
	}
}

// sendResponse encodes res with the session's protocol version and writes it on t.
func sendResponse(t Transport, res Response, timeout time.Duration) error {
	bs, err := Encode(res, t.ProtocolVersion())
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return t.Send(ctx, bs)
}

// notificationQueue is an unbounded FIFO, so a slow listener never blocks the delivery goroutine.
type notificationQueue struct {
	mu    sync.Mutex
	items []Notification
	ready chan struct{}
}

func newNotificationQueue() *notificationQueue {
	return &notificationQueue{ready: make(chan struct{}, 1)}
}

func (q *notificationQueue) push(n Notification) {
	q.mu.Lock()
	q.items = append(q.items, n)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *notificationQueue) drain() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
