package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcpwire/go-mcp"
	"github.com/stretchr/testify/require"
)

type testSuite struct {
	cfg testSuiteConfig

	server          *mcp.Server
	client          *mcp.Client
	clientTransport mcp.Transport

	serveErrs chan error
	cleanups  []func()
}

type testSuiteConfig struct {
	transportName string

	serverOptions    []mcp.ServerOption
	clientOptions    []mcp.ClientOption
	transportOptions []mcp.TransportOption

	// onTeardown runs first on teardown, typically ending the iterators of mocks and registries so
	// that the client and server background routines can finish.
	onTeardown []func()
}

type mockToolServer struct {
	started   chan struct{}
	cancelled chan struct{}
}

type mockPromptServer struct{}

type mockResourceServer struct{}

type mockLogHandler struct {
	levels chan mcp.LogLevel
	logs   chan mcp.LogParams
	done   chan struct{}
}

type mockListUpdater struct {
	updates chan struct{}
	done    chan struct{}
}

type mockListWatcher struct {
	changes chan string
}

type mockProgressListener struct {
	progress chan mcp.ProgressParams
}

type mockLogReceiver struct {
	logs chan mcp.LogParams
}

type mockRootsListWatcher struct {
	roots chan mcp.RootList
	errs  chan error
}

var transportNames = []string{"Memory", "StdIO", "SSE"}

var testTools = []mcp.Tool{
	{Name: "echo", InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}}}`)},
	{Name: "fail", InputSchema: json.RawMessage(`{"type":"object"}`)},
	{Name: "invalid", InputSchema: json.RawMessage(`{"type":"object"}`)},
	{Name: "progress", InputSchema: json.RawMessage(`{"type":"object"}`)},
	{Name: "block", InputSchema: json.RawMessage(`{"type":"object"}`)},
	{Name: "roots", InputSchema: json.RawMessage(`{"type":"object"}`)},
}

// forEachTransport runs test once per transport, each with a connected client and server.
func forEachTransport(t *testing.T, cfg testSuiteConfig, test func(*testing.T, *testSuite)) {
	for _, name := range transportNames {
		cfg := cfg
		cfg.transportName = name
		t.Run(name, testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			require.NoError(t, s.connect())
			test(t, s)
		}))
	}
}

func testSuiteCase(cfg testSuiteConfig, test func(*testing.T, *testSuite)) func(*testing.T) {
	return func(t *testing.T) {
		s := &testSuite{cfg: cfg}
		s.setup(t)
		defer s.teardown()

		test(t, s)
	}
}

func (s *testSuite) setup(t *testing.T) {
	t.Helper()

	s.server = mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, s.cfg.serverOptions...)
	s.serveErrs = make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	s.cleanups = append(s.cleanups, cancel)

	switch s.cfg.transportName {
	case "Memory":
		cli, srv := mcp.NewMemoryTransports(s.cfg.transportOptions...)
		s.clientTransport = cli
		go func() { s.serveErrs <- s.server.Serve(ctx, srv) }()
	case "StdIO":
		srvReader, srvWriter := io.Pipe()
		cliReader, cliWriter := io.Pipe()
		srvIO := mcp.NewStdIO(srvReader, cliWriter)
		s.clientTransport = mcp.NewStdIO(cliReader, srvWriter, s.cfg.transportOptions...)
		go func() { s.serveErrs <- s.server.Serve(ctx, srvIO) }()
		s.cleanups = append(s.cleanups, func() {
			_ = srvWriter.Close()
			_ = cliWriter.Close()
		})
	case "SSE":
		mux := http.NewServeMux()
		httpSrv := httptest.NewServer(mux)
		sseSrv := mcp.NewSSEServer(httpSrv.URL + "/message")
		mux.Handle("/sse", sseSrv.HandleSSE())
		mux.Handle("/message", sseSrv.HandleMessage())
		s.clientTransport = mcp.NewSSEClient(httpSrv.URL+"/sse", httpSrv.Client(), s.cfg.transportOptions...)
		go func() { s.serveErrs <- s.server.ServeSessions(ctx, sseSrv.Sessions()) }()
		s.cleanups = append(s.cleanups, func() {
			sCtx, sCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer sCancel()
			_ = sseSrv.Shutdown(sCtx)
			httpSrv.Close()
		})
	default:
		t.Fatalf("unknown transport %q", s.cfg.transportName)
	}

	s.client = mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, s.clientTransport, s.cfg.clientOptions...)
}

func (s *testSuite) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Connect(ctx)
}

func (s *testSuite) teardown() {
	for _, fn := range s.cfg.onTeardown {
		fn()
	}
	_ = s.client.Close()
	for _, cleanup := range s.cleanups {
		cleanup()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}

// session waits for the server to have exactly one session and returns it.
func (s *testSuite) session(t *testing.T) *mcp.ServerSession {
	t.Helper()

	var sessions []*mcp.ServerSession
	require.Eventually(t, func() bool {
		sessions = s.server.Sessions()
		return len(sessions) == 1
	}, 5*time.Second, 10*time.Millisecond)
	return sessions[0]
}

func newMockToolServer() *mockToolServer {
	return &mockToolServer{
		started:   make(chan struct{}, 1),
		cancelled: make(chan struct{}, 1),
	}
}

func (m *mockToolServer) ListTools(
	context.Context,
	mcp.ListToolsParams,
	mcp.ProgressReporter,
	*mcp.ServerSession,
) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{Tools: testTools}, nil
}

func (m *mockToolServer) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	progress mcp.ProgressReporter,
	session *mcp.ServerSession,
) (mcp.CallToolResult, error) {
	switch params.Name {
	case "echo":
		var args struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return mcp.CallToolResult{}, err
		}
		return textResult(args.Message), nil
	case "fail":
		return mcp.CallToolResult{}, errors.New("tool exploded")
	case "invalid":
		return mcp.CallToolResult{}, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: "bad arguments"}
	case "progress":
		for i := range 3 {
			progress(mcp.ProgressParams{Progress: float64(i + 1), Total: 3})
		}
		return textResult("done"), nil
	case "block":
		m.started <- struct{}{}
		<-ctx.Done()
		m.cancelled <- struct{}{}
		return mcp.CallToolResult{}, ctx.Err()
	case "roots":
		roots, err := session.ListRoots(ctx)
		if err != nil {
			return mcp.CallToolResult{}, err
		}
		return textResult(fmt.Sprintf("%d roots", len(roots.Roots))), nil
	}
	return mcp.CallToolResult{}, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: "unknown tool"}
}

func (mockPromptServer) ListPrompts(
	context.Context,
	mcp.ListPromptsParams,
	mcp.ProgressReporter,
	*mcp.ServerSession,
) (mcp.ListPromptResult, error) {
	return mcp.ListPromptResult{Prompts: []mcp.Prompt{{Name: "greeting"}}}, nil
}

func (mockPromptServer) GetPrompt(
	_ context.Context,
	params mcp.GetPromptParams,
	_ mcp.ProgressReporter,
	_ *mcp.ServerSession,
) (mcp.GetPromptResult, error) {
	return mcp.GetPromptResult{
		Messages: []mcp.PromptMessage{{
			Role:    mcp.RoleUser,
			Content: mcp.Content{Type: mcp.ContentTypeText, Text: "hello " + params.Arguments["name"]},
		}},
	}, nil
}

func (mockResourceServer) ListResources(
	context.Context,
	mcp.ListResourcesParams,
	mcp.ProgressReporter,
	*mcp.ServerSession,
) (mcp.ListResourcesResult, error) {
	return mcp.ListResourcesResult{Resources: []mcp.Resource{{URI: "test://one", Name: "one"}}}, nil
}

func (mockResourceServer) ReadResource(
	_ context.Context,
	params mcp.ReadResourceParams,
	_ mcp.ProgressReporter,
	_ *mcp.ServerSession,
) (mcp.ReadResourceResult, error) {
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{{URI: params.URI, Text: "contents of " + params.URI}},
	}, nil
}

func newMockLogHandler() *mockLogHandler {
	return &mockLogHandler{
		levels: make(chan mcp.LogLevel, 1),
		logs:   make(chan mcp.LogParams),
		done:   make(chan struct{}),
	}
}

func (m *mockLogHandler) LogStreams() iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		for {
			select {
			case <-m.done:
				return
			case params := <-m.logs:
				if !yield(params) {
					return
				}
			}
		}
	}
}

func (m *mockLogHandler) close() { close(m.done) }

func (m *mockLogHandler) SetLogLevel(level mcp.LogLevel) {
	m.levels <- level
}

func newMockListUpdater() *mockListUpdater {
	return &mockListUpdater{
		updates: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (m *mockListUpdater) updatesSeq() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for {
			select {
			case <-m.done:
				return
			case <-m.updates:
				if !yield(struct{}{}) {
					return
				}
			}
		}
	}
}

func (m *mockListUpdater) close() { close(m.done) }

func (m *mockListUpdater) PromptListUpdates() iter.Seq[struct{}] { return m.updatesSeq() }

func (m *mockListUpdater) ResourceListUpdates() iter.Seq[struct{}] { return m.updatesSeq() }

func (m *mockListUpdater) ToolListUpdates() iter.Seq[struct{}] { return m.updatesSeq() }

func newMockListWatcher() *mockListWatcher {
	return &mockListWatcher{changes: make(chan string, 16)}
}

func (m *mockListWatcher) OnPromptListChanged() { m.changes <- "prompts" }

func (m *mockListWatcher) OnResourceListChanged() { m.changes <- "resources" }

func (m *mockListWatcher) OnToolListChanged() { m.changes <- "tools" }

func (m *mockProgressListener) OnProgress(params mcp.ProgressParams) { m.progress <- params }

func (m *mockLogReceiver) OnLog(params mcp.LogParams) { m.logs <- params }

func (m *mockRootsListWatcher) OnRootsListChanged(session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx)
	if err != nil {
		m.errs <- err
		return
	}
	m.roots <- roots
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}}}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}
