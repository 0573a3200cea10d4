package mcp_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/mcpwire/go-mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	initializeRequest     = mcp.Request{ID: "1", Method: "initialize", Params: json.RawMessage(`{}`)}
	initializeResponse    = mcp.Response{ID: "1", Result: json.RawMessage(`{}`)}
	initializedNotif      = mcp.Notification{Method: "notifications/initialized"}
	toolsCallRequest      = mcp.Request{ID: "2", Method: mcp.MethodToolsCall, Params: json.RawMessage(`{}`)}
	pingRequest           = mcp.Request{ID: "3", Method: "ping"}
	progressNotification  = mcp.Notification{Method: mcp.MethodNotificationsProgress}
	initializeErrResponse = mcp.NewErrorResponse("1", mcp.CodeInvalidParams, "Invalid params", nil)
)

func TestLifecycleClientHandshake(t *testing.T) {
	l := mcp.NewLifecycle()
	assert.Equal(t, mcp.StateUninitialized, l.State())
	assert.Equal(t, mcp.SideUnknown, l.Side())

	require.NoError(t, l.Outbound(initializeRequest))
	assert.Equal(t, mcp.StateInitializing, l.State())
	assert.Equal(t, mcp.SideClient, l.Side())

	// The initialized notification must wait for the initialize response.
	assertViolation(t, l.Outbound(initializedNotif), mcp.StateInitializing)
	assertViolation(t, l.Outbound(toolsCallRequest), mcp.StateInitializing)

	require.NoError(t, l.Inbound(initializeResponse))
	assert.Equal(t, mcp.StateInitializing, l.State())

	require.NoError(t, l.Outbound(initializedNotif))
	assert.Equal(t, mcp.StateOperational, l.State())

	require.NoError(t, l.Admit(mcp.MethodToolsCall))
	require.NoError(t, l.Outbound(toolsCallRequest))
}

func TestLifecycleServerHandshake(t *testing.T) {
	l := mcp.NewLifecycle()

	require.NoError(t, l.Inbound(initializeRequest))
	assert.Equal(t, mcp.SideServer, l.Side())

	assertViolation(t, l.Inbound(toolsCallRequest), mcp.StateInitializing)
	assertViolation(t, l.Inbound(initializedNotif), mcp.StateInitializing)

	require.NoError(t, l.Outbound(initializeResponse))
	require.NoError(t, l.Inbound(initializedNotif))
	assert.Equal(t, mcp.StateOperational, l.State())

	require.NoError(t, l.Inbound(toolsCallRequest))
}

func TestLifecycleInitializedDirection(t *testing.T) {
	// A server must not send the initialized notification.
	l := mcp.NewLifecycle()
	require.NoError(t, l.Inbound(initializeRequest))
	require.NoError(t, l.Outbound(initializeResponse))
	assertViolation(t, l.Outbound(initializedNotif), mcp.StateInitializing)
}

func TestLifecycleFailedInitialize(t *testing.T) {
	l := mcp.NewLifecycle()
	require.NoError(t, l.Outbound(initializeRequest))
	require.NoError(t, l.Inbound(initializeErrResponse))

	assertViolation(t, l.Outbound(initializedNotif), mcp.StateInitializing)
	assert.Equal(t, mcp.StateInitializing, l.State())
}

func TestLifecycleRejectsSecondInitialize(t *testing.T) {
	l := mcp.NewLifecycle()
	require.NoError(t, l.Outbound(initializeRequest))
	assertViolation(t, l.Outbound(initializeRequest), mcp.StateInitializing)

	require.NoError(t, l.Inbound(initializeResponse))
	require.NoError(t, l.Outbound(initializedNotif))
	assertViolation(t, l.Admit("initialize"), mcp.StateOperational)
}

func TestLifecyclePing(t *testing.T) {
	l := mcp.NewLifecycle()

	require.NoError(t, l.Admit("ping"))
	require.NoError(t, l.Outbound(pingRequest))

	require.NoError(t, l.Outbound(initializeRequest))
	require.NoError(t, l.Inbound(pingRequest))

	require.NoError(t, l.Inbound(initializeResponse))
	require.NoError(t, l.Outbound(initializedNotif))
	require.NoError(t, l.Outbound(pingRequest))

	l.Shutdown()
	assertViolation(t, l.Admit("ping"), mcp.StateShutdown)
	assertViolation(t, l.Inbound(pingRequest), mcp.StateShutdown)
}

func TestLifecycleNotificationsAreNotGated(t *testing.T) {
	l := mcp.NewLifecycle()
	require.NoError(t, l.Outbound(progressNotification))
	require.NoError(t, l.Inbound(progressNotification))
	assert.Equal(t, mcp.StateUninitialized, l.State())
}

func TestLifecycleShutdown(t *testing.T) {
	l := mcp.NewLifecycle()

	var mu sync.Mutex
	var observed []mcp.State
	l.Observe(func(s mcp.State) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, s)
	})

	require.NoError(t, l.Outbound(initializeRequest))
	require.NoError(t, l.Inbound(initializeResponse))
	require.NoError(t, l.Outbound(initializedNotif))

	assert.True(t, l.Shutdown())
	assert.False(t, l.Shutdown())
	assert.Equal(t, mcp.StateShutdown, l.State())

	err := l.Outbound(toolsCallRequest)
	assertViolation(t, err, mcp.StateShutdown)
	require.ErrorIs(t, err, mcp.ErrNotOperational)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []mcp.State{
		mcp.StateInitializing,
		mcp.StateOperational,
		mcp.StateShutdown,
	}, observed)
}

func TestLifecycleViolationIsNotOperational(t *testing.T) {
	err := mcp.NewLifecycle().Admit(mcp.MethodToolsCall)
	require.ErrorIs(t, err, mcp.ErrNotOperational)

	operational := &mcp.LifecycleViolationError{Method: "initialize", State: mcp.StateOperational}
	assert.NotErrorIs(t, operational, mcp.ErrNotOperational)
}

func assertViolation(t *testing.T, err error, state mcp.State) {
	t.Helper()

	var violation *mcp.LifecycleViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, state, violation.State)
}
