package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectFailureReleasesSubscription(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("initialize rejected", func(t *testing.T) {
		cli, srv := NewMemoryTransports()
		t.Cleanup(func() { _ = cli.Stop() })

		srv.OnMessage(func(msg Message) {
			req, ok := msg.(Request)
			if !ok || req.Method != methodInitialize {
				return
			}
			res := NewErrorResponse(req.ID, CodeInternalError, errMsgInternalError, nil)
			assert.NoError(t, sendResponse(srv, res, time.Second))
		})
		require.NoError(t, srv.Start(ctx))

		c := NewClient(Info{Name: "test-client", Version: "1.0"}, cli)
		require.Error(t, c.Connect(ctx))
		assert.Empty(t, cli.messageHandlers.snapshot())
		assert.Empty(t, c.unsubscribe)
	})

	t.Run("start fails", func(t *testing.T) {
		cli, _ := NewMemoryTransports()
		require.NoError(t, cli.Stop())

		c := NewClient(Info{Name: "test-client", Version: "1.0"}, cli)
		require.Error(t, c.Connect(ctx))
		assert.Empty(t, cli.messageHandlers.snapshot())
		assert.Empty(t, c.unsubscribe)
	})
}
