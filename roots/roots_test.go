package roots_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcpwire/go-mcp"
	"github.com/mcpwire/go-mcp/roots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddRemove(t *testing.T) {
	r := roots.NewRegistry()
	t.Cleanup(r.Close)

	require.NoError(t, r.Add(mcp.Root{URI: "file:///b", Name: "b"}))
	require.NoError(t, r.Add(mcp.Root{URI: "file:///a", Name: "a"}))
	// Adding a known URI replaces the root.
	require.NoError(t, r.Add(mcp.Root{URI: "file:///b", Name: "renamed"}))

	assert.Equal(t, []mcp.Root{
		{URI: "file:///a", Name: "a"},
		{URI: "file:///b", Name: "renamed"},
	}, r.List())

	assert.True(t, r.Remove("file:///a"))
	assert.False(t, r.Remove("file:///a"))

	list, err := r.RootsList(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []mcp.Root{{URI: "file:///b", Name: "renamed"}}, list.Roots)
}

func TestRegistryRejectsInvalidURI(t *testing.T) {
	r := roots.NewRegistry()
	t.Cleanup(r.Close)

	for _, uri := range []string{"", "no-scheme", "://broken"} {
		require.ErrorIs(t, r.Add(mcp.Root{URI: uri}), roots.ErrInvalidURI, uri)
	}
	assert.Empty(t, r.List())
}

func TestRegistryUpdatesCoalesce(t *testing.T) {
	r := roots.NewRegistry()

	// Three changes before anyone listens produce a single update.
	require.NoError(t, r.Add(mcp.Root{URI: "file:///a"}))
	require.NoError(t, r.Add(mcp.Root{URI: "file:///b"}))
	assert.True(t, r.Remove("file:///a"))

	updates := make(chan struct{}, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range r.RootsListUpdates() {
			updates <- struct{}{}
		}
	}()

	select {
	case <-updates:
	case <-time.After(5 * time.Second):
		t.Fatal("no update received")
	}
	select {
	case <-updates:
		t.Fatal("changes were not coalesced")
	case <-time.After(50 * time.Millisecond):
	}

	r.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("updates did not end on Close")
	}
}

func TestRegistryWatchDropsRemovedDirectories(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "project")
	require.NoError(t, os.Mkdir(dir, 0o755))

	r := roots.NewRegistry()
	t.Cleanup(r.Close)
	uri := roots.FileURI(dir)
	require.NoError(t, r.Add(mcp.Root{URI: uri, Name: "project"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchErrs := make(chan error, 1)
	go func() { watchErrs <- r.Watch(ctx) }()

	// Watch registers the existing roots asynchronously; keep removing until it is observed.
	require.Eventually(t, func() bool {
		_ = os.Mkdir(dir, 0o755)
		_ = os.Remove(dir)
		return len(r.List()) == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-watchErrs, context.Canceled)
}

func TestFileURI(t *testing.T) {
	dir := t.TempDir()
	uri := roots.FileURI(dir)
	assert.Regexp(t, `^file:///`, uri)
	assert.Contains(t, uri, filepath.ToSlash(filepath.Base(dir)))
}
