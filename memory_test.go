package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mcpwire/go-mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTransportHandshakeScenario(t *testing.T) {
	client, server := startedMemoryPair(t)

	server.OnMessage(func(msg mcp.Message) {
		req, ok := msg.(mcp.Request)
		if !ok || req.Method != "initialize" {
			return
		}
		raw := `{"jsonrpc":"2.0","id":"1","result":{"protocolVersion":"2025-06-18",` +
			`"serverInfo":{"name":"s","version":"1"},"capabilities":{}}}`
		assert.NoError(t, server.Send(context.Background(), []byte(raw)))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.SendRequest(ctx, mcp.Request{
		ID:     "1",
		Method: "initialize",
		Params: json.RawMessage(`{"protocolVersion":"2025-06-18","clientInfo":{"name":"c","version":"1"},"capabilities":{}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, mcp.MustString("1"), resp.ID)
	assert.JSONEq(t, `{"protocolVersion":"2025-06-18","serverInfo":{"name":"s","version":"1"},"capabilities":{}}`,
		string(resp.Result))

	require.NoError(t, client.Send(ctx, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized","params":{}}`)))

	assert.Equal(t, mcp.StateOperational, client.Lifecycle().State())
	require.Eventually(t, func() bool {
		return server.Lifecycle().State() == mcp.StateOperational
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, mcp.SideClient, client.Lifecycle().Side())
	assert.Equal(t, mcp.SideServer, server.Lifecycle().Side())
}

func TestMemoryTransportPingInEveryPhase(t *testing.T) {
	client, server := startedMemoryPair(t)
	answerInitialize(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ping := func(id mcp.MustString) {
		t.Helper()
		resp, err := client.SendRequest(ctx, mcp.Request{ID: id, Method: "ping"})
		require.NoError(t, err)
		assert.Equal(t, id, resp.ID)
		assert.JSONEq(t, `{}`, string(resp.Result))
	}

	ping("uninitialized")

	// Move the server side to initializing without answering yet.
	hold := make(chan struct{})
	server.OnMessage(func(msg mcp.Message) {
		if req, ok := msg.(mcp.Request); ok && req.Method == "initialize" {
			close(hold)
		}
	})
	initDone := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(ctx, mcp.Request{ID: "init", Method: "initialize", Params: json.RawMessage(`{}`)})
		initDone <- err
	}()
	<-hold
	ping("initializing")

	require.NoError(t, <-initDone)
	require.NoError(t, client.SendNotification(ctx, mcp.Notification{Method: "notifications/initialized"}))
	ping("operational")
}

func TestMemoryTransportUnknownResponse(t *testing.T) {
	client, server := startedMemoryPair(t)

	errs := make(chan error, 1)
	client.OnError(func(err error) { errs <- err })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, server.Send(ctx, []byte(`{"jsonrpc":"2.0","id":"nobody","result":{}}`)))

	select {
	case err := <-errs:
		var unmatched *mcp.UnmatchedResponseError
		require.ErrorAs(t, err, &unmatched)
		assert.Equal(t, mcp.MustString("nobody"), unmatched.ID)
	case <-ctx.Done():
		t.Fatal("no error reported for the unmatched response")
	}

	// The transport is still usable.
	_, err := client.SendRequest(ctx, mcp.Request{Method: "ping"})
	require.NoError(t, err)
	assert.Equal(t, mcp.TransportStarted, client.State())
}

func TestMemoryTransportJSONRPCError(t *testing.T) {
	client, server := startedMemoryPair(t)

	server.OnMessage(func(msg mcp.Message) {
		req, ok := msg.(mcp.Request)
		if !ok {
			return
		}
		resp := mcp.NewErrorResponse(req.ID, mcp.CodeInvalidParams, "Invalid params", map[string]any{"field": "x"})
		bs, err := mcp.Encode(resp, server.ProtocolVersion())
		assert.NoError(t, err)
		assert.NoError(t, server.Send(context.Background(), bs))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.SendRequest(ctx, mcp.Request{Method: "initialize", Params: json.RawMessage(`{}`)})
	var jErr *mcp.JSONRPCError
	require.ErrorAs(t, err, &jErr)
	assert.Equal(t, mcp.CodeInvalidParams, jErr.Code)
	assert.Equal(t, jErr, resp.Error)
}

func TestMemoryTransportStopFailsPending(t *testing.T) {
	client, server := startedMemoryPair(t)
	received := receivedRequests(server)

	errs := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(context.Background(), mcp.Request{Method: "initialize", Params: json.RawMessage(`{}`)})
		errs <- err
	}()
	<-received

	require.NoError(t, client.Stop())

	select {
	case err := <-errs:
		require.ErrorIs(t, err, mcp.ErrConnectionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request not failed on stop")
	}

	assert.Equal(t, mcp.TransportClosed, client.State())
	assert.Equal(t, mcp.StateShutdown, client.Lifecycle().State())
	// Stopping one endpoint closes its peer.
	assert.Equal(t, mcp.TransportClosed, server.State())
	require.NoError(t, client.Stop())
}

func TestMemoryTransportPeerStopFailsPending(t *testing.T) {
	client, server := startedMemoryPair(t)
	received := receivedRequests(server)

	errs := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(context.Background(), mcp.Request{Method: "initialize", Params: json.RawMessage(`{}`)})
		errs <- err
	}()
	<-received

	require.NoError(t, server.Stop())
	require.ErrorIs(t, <-errs, mcp.ErrConnectionClosed)
}

func TestMemoryTransportRequestTimeout(t *testing.T) {
	client, server := startedMemoryPair(t, mcp.WithRequestTimeout(50*time.Millisecond))
	received := receivedRequests(server)

	errs := make(chan error, 1)
	client.OnError(func(err error) { errs <- err })

	_, err := client.SendRequest(context.Background(), mcp.Request{ID: "slow", Method: "initialize", Params: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, mcp.ErrRequestTimeout)
	<-received

	// A response arriving after the caller gave up is discarded.
	require.NoError(t, server.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":"slow","result":{}}`)))
	select {
	case err := <-errs:
		var unmatched *mcp.UnmatchedResponseError
		require.ErrorAs(t, err, &unmatched)
	case <-time.After(5 * time.Second):
		t.Fatal("late response not reported")
	}
}

func TestMemoryTransportContextCancel(t *testing.T) {
	client, server := startedMemoryPair(t)
	received := receivedRequests(server)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(ctx, mcp.Request{Method: "initialize", Params: json.RawMessage(`{}`)})
		errs <- err
	}()
	<-received
	cancel()

	require.ErrorIs(t, <-errs, context.Canceled)
}

func TestMemoryTransportDuplicateRequestID(t *testing.T) {
	client, server := startedMemoryPair(t)
	received := receivedRequests(server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_, _ = client.SendRequest(ctx, mcp.Request{ID: "dup", Method: "initialize", Params: json.RawMessage(`{}`)})
	}()
	<-received

	_, err := client.SendRequest(ctx, mcp.Request{ID: "dup", Method: "ping"})
	require.ErrorIs(t, err, mcp.ErrDuplicateRequestID)
}

func TestMemoryTransportConcurrentRequests(t *testing.T) {
	client, _ := startedMemoryPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.SendRequest(ctx, mcp.Request{Method: "ping"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestMemoryTransportStateErrors(t *testing.T) {
	a, b := mcp.NewMemoryTransports()
	ctx := context.Background()

	var stateErr *mcp.TransportStateError
	err := a.SendNotification(ctx, mcp.Notification{Method: "notifications/progress"})
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, mcp.TransportNotStarted, stateErr.State)

	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Start(ctx), "start is idempotent")
	require.NoError(t, b.Start(ctx))
	require.NoError(t, a.Stop())

	_, err = a.SendRequest(ctx, mcp.Request{Method: "ping"})
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, mcp.TransportClosed, stateErr.State)

	err = a.Start(ctx)
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, mcp.TransportClosed, stateErr.State)
}

func TestMemoryTransportSendRejectsMalformed(t *testing.T) {
	client, _ := startedMemoryPair(t)

	err := client.Send(context.Background(), []byte(`{"id":"1","method":"ping"}`))
	var parseErr *mcp.ParseError
	require.ErrorAs(t, err, &parseErr)

	err = client.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":"1","method":"tools/call"}`))
	var violation *mcp.LifecycleViolationError
	require.ErrorAs(t, err, &violation)
}

func TestMemoryTransportSendShapesForVersion(t *testing.T) {
	client, server := startedMemoryPair(t)
	require.NoError(t, client.SetProtocolVersion(mcp.ProtocolVersion20241105))

	params := make(chan json.RawMessage, 1)
	server.OnMessage(func(msg mcp.Message) {
		if req, ok := msg.(mcp.Request); ok {
			params <- req.Params
		}
	})

	require.NoError(t, client.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":"1","method":"initialize",`+
		`"params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"c","version":"1"},`+
		`"capabilities":{"roots":{},"elicitation":{}}}}`)))

	var got struct {
		Capabilities map[string]any `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(receive(t, params), &got))
	assert.Contains(t, got.Capabilities, "roots")
	assert.NotContains(t, got.Capabilities, "elicitation")
}

func TestMemoryTransportSubscribers(t *testing.T) {
	client, server := startedMemoryPair(t)

	var mu sync.Mutex
	var calls []string
	record := func(name string) func(mcp.Message) {
		return func(mcp.Message) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name)
		}
	}
	server.OnMessage(record("first"))
	unsubscribe := server.OnMessage(record("second"))
	server.OnMessage(record("third"))

	ctx := context.Background()
	notif := mcp.Notification{Method: mcp.MethodNotificationsProgress, Params: json.RawMessage(`{}`)}
	require.NoError(t, client.SendNotification(ctx, notif))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 3
	}, time.Second, 10*time.Millisecond)

	unsubscribe()
	unsubscribe()
	require.NoError(t, client.SendNotification(ctx, notif))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 5
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third", "first", "third"}, calls)
}

func TestMemoryTransportDeliveryOrder(t *testing.T) {
	client, server := startedMemoryPair(t)

	got := make(chan string, 100)
	server.OnMessage(func(msg mcp.Message) {
		if n, ok := msg.(mcp.Notification); ok {
			got <- string(n.Params)
		}
	})

	ctx := context.Background()
	for i := range 100 {
		params, err := json.Marshal(i)
		require.NoError(t, err)
		require.NoError(t, client.SendNotification(ctx, mcp.Notification{Method: "notifications/progress", Params: params}))
	}
	for i := range 100 {
		select {
		case p := <-got:
			want, _ := json.Marshal(i)
			assert.Equal(t, string(want), p)
		case <-time.After(5 * time.Second):
			t.Fatalf("notification %d not delivered", i)
		}
	}
}

func TestMemoryTransportOnClose(t *testing.T) {
	client, server := startedMemoryPair(t)

	var closes int
	var mu sync.Mutex
	client.OnClose(func() {
		mu.Lock()
		defer mu.Unlock()
		closes++
	})

	require.NoError(t, server.Stop())
	require.NoError(t, client.Stop())

	mu.Lock()
	assert.Equal(t, 1, closes)
	mu.Unlock()

	// Subscribing after close runs the callback immediately.
	ran := false
	client.OnClose(func() { ran = true })
	assert.True(t, ran)
	assert.Equal(t, client.SessionID(), server.SessionID())
}

func startedMemoryPair(t *testing.T, options ...mcp.TransportOption) (*mcp.MemoryTransport, *mcp.MemoryTransport) {
	t.Helper()

	a, b := mcp.NewMemoryTransports(options...)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop() })
	return a, b
}

// answerInitialize makes t answer every initialize request with a minimal successful result.
func answerInitialize(tb testing.TB, t mcp.Transport) {
	t.OnMessage(func(msg mcp.Message) {
		req, ok := msg.(mcp.Request)
		if !ok || req.Method != "initialize" {
			return
		}
		resp, err := mcp.NewResultResponse(req.ID, map[string]any{
			"protocolVersion": mcp.LatestProtocolVersion,
			"serverInfo":      map[string]any{"name": "s", "version": "1"},
			"capabilities":    map[string]any{},
		})
		assert.NoError(tb, err)
		bs, err := mcp.Encode(resp, t.ProtocolVersion())
		assert.NoError(tb, err)
		if err := t.Send(context.Background(), bs); err != nil && !errors.Is(err, mcp.ErrConnectionClosed) {
			tb.Errorf("failed to answer initialize: %v", err)
		}
	})
}

// receivedRequests returns a channel signalled for every request t receives.
func receivedRequests(t mcp.Transport) <-chan struct{} {
	ch := make(chan struct{}, 16)
	t.OnMessage(func(msg mcp.Message) {
		if _, ok := msg.(mcp.Request); ok {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	return ch
}
