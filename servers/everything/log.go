package everything

import (
	"encoding/json"
	"iter"

	"github.com/mcpwire/go-mcp"
)

var levelSeverity = map[mcp.LogLevel]int{
	mcp.LogLevelDebug:     0,
	mcp.LogLevelInfo:      1,
	mcp.LogLevelNotice:    2,
	mcp.LogLevelWarning:   3,
	mcp.LogLevelError:     4,
	mcp.LogLevelCritical:  5,
	mcp.LogLevelAlert:     6,
	mcp.LogLevelEmergency: 7,
}

// LogStreams implements mcp.LogHandler interface.
func (s *Server) LogStreams() iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		for {
			select {
			case <-s.done:
				return
			case params := <-s.logs:
				if !yield(params) {
					return
				}
			}
		}
	}
}

// SetLogLevel implements mcp.LogHandler interface.
func (s *Server) SetLogLevel(level mcp.LogLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logLevel = level
}

func (s *Server) log(msg string, level mcp.LogLevel) {
	s.mu.RLock()
	minLevel := s.logLevel
	s.mu.RUnlock()
	if levelSeverity[level] < levelSeverity[minLevel] {
		return
	}

	dataBs, _ := json.Marshal(map[string]string{"message": msg})

	// Logs are dropped rather than blocking a request when nobody drains them.
	select {
	case s.logs <- mcp.LogParams{
		Level:  level,
		Logger: "everything",
		Data:   dataBs,
	}:
	case <-s.done:
	default:
	}
}
