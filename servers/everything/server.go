// Package everything implements a demonstration MCP server exercising tools with progress,
// paginated resources, prompts, list change notifications and log streaming. It is meant for
// testing clients, not for production use.
package everything

import (
	"iter"
	"sync"

	"github.com/mcpwire/go-mcp"
)

// Server implements a comprehensive test server that exercises the features of the MCP protocol.
// It provides implementations of prompts, tools and resources primarily for testing MCP client
// implementations.
//
// Server supports progress tracking and multi-level logging through dedicated channels. While not
// intended for production use, it serves as both a reference implementation and testing tool.
type Server struct {
	mu       sync.RWMutex
	logLevel mcp.LogLevel

	logs        chan mcp.LogParams
	toolUpdates chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ mcp.ToolServer      = (*Server)(nil)
	_ mcp.ToolListUpdater = (*Server)(nil)
	_ mcp.ResourceServer  = (*Server)(nil)
	_ mcp.PromptServer    = (*Server)(nil)
	_ mcp.LogHandler      = (*Server)(nil)
)

// NewServer creates a new test server. The server starts with info-level logging.
//
// Callers must call Close when finished, which ends the log and tool list iterators.
func NewServer() *Server {
	return &Server{
		logLevel:    mcp.LogLevelInfo,
		logs:        make(chan mcp.LogParams, 10),
		toolUpdates: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Options returns the server options registering s with an mcp.Server.
func (s *Server) Options() []mcp.ServerOption {
	return []mcp.ServerOption{
		mcp.WithToolServer(s),
		mcp.WithToolListUpdater(s),
		mcp.WithResourceServer(s),
		mcp.WithPromptServer(s),
		mcp.WithLogHandler(s),
		mcp.WithInstructions("A demonstration server. Try the echo, add and longRunningOperation tools."),
	}
}

// ToolListUpdates implements mcp.ToolListUpdater. The list is static, so an update is only emitted
// by NotifyToolListChanged.
func (s *Server) ToolListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for {
			select {
			case <-s.done:
				return
			case <-s.toolUpdates:
				if !yield(struct{}{}) {
					return
				}
			}
		}
	}
}

// NotifyToolListChanged makes connected clients refresh their tool lists.
func (s *Server) NotifyToolListChanged() {
	select {
	case s.toolUpdates <- struct{}{}:
	default:
	}
}

// Close stops all background iterators.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
