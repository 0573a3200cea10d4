package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned to every caller still waiting on a response when the
	// transport closes, and by send operations racing with the close.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrDuplicateRequestID is returned when a request is sent with an id that is still
	// awaiting its response on the same session.
	ErrDuplicateRequestID = errors.New("duplicate request id")

	// ErrUnsupportedProtocolVersion is returned by the client when the server answers the
	// initialize request with a protocol version this package does not support.
	ErrUnsupportedProtocolVersion = errors.New("unsupported protocol version")

	// ErrRequestTimeout is returned when no response arrives within the configured request
	// timeout. The pending entry is abandoned and a late response is discarded.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrNotOperational is returned by client operations that require a completed handshake
	// when the session has not reached the operational state.
	ErrNotOperational = errors.New("session not operational")
)

// TransportStateError reports an operation attempted while the transport was in a state that
// does not permit it, for example sending before Start or after Stop.
type TransportStateError struct {
	Op    string
	State TransportState
}

// ParseError reports inbound or outbound bytes that are not a well-formed JSON-RPC 2.0 message.
type ParseError struct {
	Reason string
	Err    error
}

// UnmatchedResponseError reports a response whose id matches no outstanding request. The
// transport logs and discards such responses; it is surfaced to OnError subscribers only.
type UnmatchedResponseError struct {
	ID MustString
}

// LifecycleViolationError reports a message that is not permitted in the current lifecycle
// state of the session, such as an application request before the handshake completes.
type LifecycleViolationError struct {
	Method string
	State  State
}

func (e *TransportStateError) Error() string {
	return fmt.Sprintf("transport %s: not permitted in state %s", e.Op, e.State)
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse message: %s: %v", e.Reason, e.Err)
	}
	return "parse message: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *UnmatchedResponseError) Error() string {
	return fmt.Sprintf("no pending request for response id %q", string(e.ID))
}

func (e *LifecycleViolationError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("lifecycle violation in state %s", e.State)
	}
	return fmt.Sprintf("lifecycle violation: %q not permitted in state %s", e.Method, e.State)
}

// Is reports lifecycle violations raised in a non-operational state as ErrNotOperational.
func (e *LifecycleViolationError) Is(target error) bool {
	return target == ErrNotOperational && e.State != StateOperational
}
