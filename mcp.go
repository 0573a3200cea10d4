package mcp

import (
	"context"
	"iter"
)

// Server interfaces

// PromptServer defines the interface for managing prompts in the MCP protocol.
type PromptServer interface {
	// ListPrompts returns a paginated list of available prompts. The ProgressReporter
	// can be used to report operation progress, and the ServerSession enables
	// server-to-client requests during execution.
	// Returns error if operation fails or context is cancelled.
	ListPrompts(context.Context, ListPromptsParams, ProgressReporter, *ServerSession) (ListPromptResult, error)

	// GetPrompt retrieves a specific prompt template by name with the given arguments.
	// Returns error if prompt not found, arguments are invalid, or context is cancelled.
	GetPrompt(context.Context, GetPromptParams, ProgressReporter, *ServerSession) (GetPromptResult, error)
}

// PromptListUpdater provides an interface for monitoring changes to the available prompts list.
//
// The notifications are used by the MCP server to inform connected clients about prompt list
// changes via the "notifications/prompts/list_changed" method. Clients can then refresh their
// cached prompt lists by calling ListPrompts again.
//
// A struct{} is sent through the iterator as only the notification matters, not the value.
type PromptListUpdater interface {
	PromptListUpdates() iter.Seq[struct{}]
}

// ResourceServer defines the interface for managing resources in the MCP protocol.
type ResourceServer interface {
	// ListResources returns a paginated list of available resources.
	// Returns error if operation fails or context is cancelled.
	ListResources(context.Context, ListResourcesParams, ProgressReporter, *ServerSession) (
		ListResourcesResult, error)

	// ReadResource retrieves a specific resource by its URI.
	// Returns error if resource not found, cannot be read, or context is cancelled.
	ReadResource(context.Context, ReadResourceParams, ProgressReporter, *ServerSession) (
		ReadResourceResult, error)
}

// ResourceListUpdater provides an interface for monitoring changes to the available resources list.
//
// A struct{} is sent through the iterator as only the notification matters, not the value.
type ResourceListUpdater interface {
	ResourceListUpdates() iter.Seq[struct{}]
}

// ToolServer defines the interface for managing tools in the MCP protocol.
type ToolServer interface {
	// ListTools returns a paginated list of available tools.
	// Returns error if operation fails or context is cancelled.
	ListTools(context.Context, ListToolsParams, ProgressReporter, *ServerSession) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments. A returned *JSONRPCError is sent
	// as the error response; any other error is reported to the client as a result with IsError set.
	CallTool(context.Context, CallToolParams, ProgressReporter, *ServerSession) (CallToolResult, error)
}

// ToolListUpdater provides an interface for monitoring changes to the available tools list.
//
// A struct{} is sent through the iterator as only the notification matters, not the value.
type ToolListUpdater interface {
	ToolListUpdates() iter.Seq[struct{}]
}

// LogHandler provides an interface for streaming log messages from the MCP server to connected clients.
type LogHandler interface {
	// LogStreams returns an iterator that emits log messages with metadata.
	LogStreams() iter.Seq[LogParams]

	// SetLogLevel configures the minimum severity level for emitted log messages.
	// Messages below this level are filtered out.
	SetLogLevel(level LogLevel)
}

// RootsListWatcher provides an interface for receiving notifications when the client's root list changes.
type RootsListWatcher interface {
	// OnRootsListChanged is called, on its own goroutine, when the client of session notifies that its
	// root list has changed. The implementation may call session.ListRoots to fetch the new list.
	OnRootsListChanged(session *ServerSession)
}

// Client interfaces
//
// The watchers, ProgressListener and LogReceiver are called from a single goroutine per Client, in
// the order the notifications arrived. A slow callback delays the ones after it but never the
// delivery of responses.

// RootsListHandler defines the interface for retrieving the list of root resources in the MCP protocol.
// Root resources represent top-level entry points that the client exposes to the server.
type RootsListHandler interface {
	// RootsList returns the list of available root resources.
	// Returns error if operation fails or context is cancelled.
	RootsList(ctx context.Context) (RootList, error)
}

// RootsListUpdater provides an interface for monitoring changes to the available roots list.
type RootsListUpdater interface {
	// RootsListUpdates returns an iterator that emits notifications when the root list changes.
	RootsListUpdates() iter.Seq[struct{}]
}

// PromptListWatcher provides an interface for receiving notifications when the server's prompt list changes.
type PromptListWatcher interface {
	// OnPromptListChanged is called when the server notifies that its prompt list has changed.
	OnPromptListChanged()
}

// ResourceListWatcher provides an interface for receiving notifications when the server's resource list changes.
type ResourceListWatcher interface {
	// OnResourceListChanged is called when the server notifies that its resource list has changed.
	OnResourceListChanged()
}

// ToolListWatcher provides an interface for receiving notifications when the server's tool list changes.
//
// Like the other client watchers and listeners, it is called from the client's notification
// goroutine, one notification at a time in arrival order, so it may call back into the Client.
type ToolListWatcher interface {
	// OnToolListChanged is called when the server notifies that its tool list has changed. A typical
	// implementation refreshes its cache with Client.ListTools.
	OnToolListChanged()
}

// ProgressListener provides an interface for receiving progress updates on long-running operations.
// Implementations can use these notifications to update progress bars, status indicators, or other
// UI elements that show operation progress to users.
type ProgressListener interface {
	// OnProgress is called when a progress update is received for an operation.
	OnProgress(params ProgressParams)
}

// LogReceiver provides an interface for receiving log messages from the server.
type LogReceiver interface {
	// OnLog is called when a log message is received from the server.
	OnLog(params LogParams)
}

// ProgressReporter is a function type used to report progress updates for long-running operations.
// Server implementations use this callback to inform clients about operation progress. The
// ProgressToken of the params is filled in from the request; when the request did not ask for
// progress the reporter does nothing.
type ProgressReporter func(progress ProgressParams)
