// Package roots provides a registry of the roots a client exposes to MCP servers. A Registry
// serves the client's roots/list requests and signals list changes, which the client forwards to
// the server as notifications/roots/list_changed.
package roots

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mcpwire/go-mcp"
)

// Registry is a URI-keyed set of roots. It implements mcp.RootsListHandler and
// mcp.RootsListUpdater and is safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	roots   map[string]mcp.Root
	watcher *fsnotify.Watcher

	updates   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Registry.
type Option func(*Registry)

var (
	// ErrInvalidURI is returned when a root's URI is empty or cannot be parsed.
	ErrInvalidURI = errors.New("invalid root uri")

	errClosed         = errors.New("registry closed")
	errAlreadyWatched = errors.New("registry is already being watched")
)

// WithLogger sets the logger of the registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(options ...Option) *Registry {
	r := &Registry{
		roots:   make(map[string]mcp.Root),
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With(slog.String("package", "go-mcp"), slog.String("component", "roots"))
	return r
}

// Add registers root, replacing any root with the same URI, and signals a list change.
func (r *Registry) Add(root mcp.Root) error {
	u, err := url.Parse(root.URI)
	if err != nil || root.URI == "" || u.Scheme == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURI, root.URI)
	}

	r.mu.Lock()
	r.roots[root.URI] = root
	if r.watcher != nil {
		r.watch(root.URI)
	}
	r.mu.Unlock()

	r.signal()
	return nil
}

// Remove unregisters the root with uri. It reports whether the root was registered.
func (r *Registry) Remove(uri string) bool {
	r.mu.Lock()
	_, ok := r.roots[uri]
	delete(r.roots, uri)
	r.mu.Unlock()

	if ok {
		r.signal()
	}
	return ok
}

// List returns the registered roots ordered by URI.
func (r *Registry) List() []mcp.Root {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roots := make([]mcp.Root, 0, len(r.roots))
	for _, root := range r.roots {
		roots = append(roots, root)
	}
	slices.SortFunc(roots, func(a, b mcp.Root) int {
		return strings.Compare(a.URI, b.URI)
	})
	return roots
}

// RootsList implements mcp.RootsListHandler.
func (r *Registry) RootsList(context.Context) (mcp.RootList, error) {
	return mcp.RootList{Roots: r.List()}, nil
}

// RootsListUpdates implements mcp.RootsListUpdater. Changes made while the previous one has not
// been consumed are coalesced. The iteration ends when the registry is closed. The iterator is
// meant for a single consumer.
func (r *Registry) RootsListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for {
			select {
			case <-r.done:
				return
			case <-r.updates:
				if !yield(struct{}{}) {
					return
				}
			}
		}
	}
}

// Watch watches the local directories of the file:// roots until ctx is done or the registry is
// closed. A root whose directory is removed or renamed is dropped from the registry, which
// signals a list change.
func (r *Registry) Watch(ctx context.Context) error {
	r.mu.Lock()
	if r.watcher != nil {
		r.mu.Unlock()
		return errAlreadyWatched
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() {
		r.mu.Lock()
		r.watcher = nil
		r.mu.Unlock()
		_ = w.Close()
	}()

	r.watcher = w
	for uri := range r.roots {
		r.watch(uri)
	}
	r.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return errClosed
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			uri := pathToURI(ev.Name)
			if r.Remove(uri) {
				r.logger.Info("root removed from disk", slog.String("uri", uri))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("watcher error", slog.String("err", err.Error()))
		}
	}
}

// Close ends the RootsListUpdates iteration and any running Watch.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// watch adds the parent directory of a file:// root to the watcher, so removal of the root
// directory itself is observed. The caller holds r.mu.
func (r *Registry) watch(uri string) {
	path, ok := uriToPath(uri)
	if !ok {
		return
	}
	if err := r.watcher.Add(filepath.Dir(path)); err != nil {
		r.logger.Warn("failed to watch root", slog.String("uri", uri), slog.String("err", err.Error()))
	}
}

func (r *Registry) signal() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

func uriToPath(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	return filepath.Clean(filepath.FromSlash(u.Path)), true
}

// FileURI returns the file:// URI of a local path.
func FileURI(path string) string {
	return pathToURI(path)
}

func pathToURI(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}
