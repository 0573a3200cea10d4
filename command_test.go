package mcp_test

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/mcpwire/go-mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTransportEcho(t *testing.T) {
	path, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}

	// cat echoes every line back, so the transport receives its own messages.
	tr, err := mcp.NewCommandTransport(exec.Command(path))
	require.NoError(t, err)

	received := make(chan mcp.Notification, 1)
	tr.OnMessage(func(msg mcp.Message) {
		if n, ok := msg.(mcp.Notification); ok {
			received <- n
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Start(ctx))

	require.NoError(t, tr.SendNotification(ctx, mcp.Notification{Method: "notifications/progress"}))
	assert.Equal(t, "notifications/progress", receive(t, received).Method)

	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Wait())
	assert.Equal(t, mcp.TransportClosed, tr.State())
}

func TestCommandTransportClosesWhenChildExits(t *testing.T) {
	path, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not available")
	}

	tr, err := mcp.NewCommandTransport(exec.Command(path))
	require.NoError(t, err)
	closed := make(chan struct{})
	tr.OnClose(func() { close(closed) })

	require.NoError(t, tr.Start(context.Background()))
	receive(t, closed)
	assert.Equal(t, mcp.TransportClosed, tr.State())
	require.NoError(t, tr.Wait())
}

func TestCommandTransportStartFailure(t *testing.T) {
	tr, err := mcp.NewCommandTransport(exec.Command("/nonexistent/mcp-server"))
	require.NoError(t, err)

	require.Error(t, tr.Start(context.Background()))
	require.Error(t, tr.Start(context.Background()))
}
