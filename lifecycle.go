package mcp

import (
	"sync"
)

// State is the lifecycle state of a session.
type State int32

// Side tells which end of the handshake a session plays. It is learnt from the direction of the
// initialize request, so the same transport types serve both clients and servers.
type Side int32

// Lifecycle tracks the handshake of one session and decides which messages are admitted in the
// current state. It is owned by the session's transport, which consults it for every message sent
// and received. A Lifecycle is safe for concurrent use.
//
// The forward path is Uninitialized → Initializing → Operational; Shutdown is reachable from every
// state and is terminal. Ping is admitted in every state but Shutdown.
type Lifecycle struct {
	mu            sync.Mutex
	side          Side
	state         State
	initID        MustString
	initResponded bool
	observers     []func(State)
}

// Lifecycle states.
const (
	StateUninitialized State = iota
	StateInitializing
	StateOperational
	StateShutdown
)

// Sides of a session.
const (
	SideUnknown Side = iota
	SideClient
	SideServer
)

type direction int

const (
	outbound direction = iota
	inbound
)

// NewLifecycle returns a lifecycle in StateUninitialized.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Side returns which end of the handshake the session plays, or SideUnknown before the initialize
// request has passed through it.
func (l *Lifecycle) Side() Side {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.side
}

// Observe registers fn to be called after every state transition with the new state. Observers run
// on the goroutine that caused the transition, after the lifecycle lock is released.
func (l *Lifecycle) Observe(fn func(State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// Admit reports, without changing state, whether a request for method may be sent in the current
// state. It returns a *LifecycleViolationError when it may not.
func (l *Lifecycle) Admit(method string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.admitRequest(method)
}

// Outbound validates msg before it is written and applies the transition it causes.
func (l *Lifecycle) Outbound(msg Message) error {
	return l.apply(msg, outbound)
}

// Inbound validates a received msg before it is dispatched and applies the transition it causes.
func (l *Lifecycle) Inbound(msg Message) error {
	return l.apply(msg, inbound)
}

// Shutdown moves the lifecycle to StateShutdown from any state. It reports whether this call made
// the transition; repeated calls are no-ops.
func (l *Lifecycle) Shutdown() bool {
	l.mu.Lock()
	if l.state == StateShutdown {
		l.mu.Unlock()
		return false
	}
	l.state = StateShutdown
	observers := l.observers
	l.mu.Unlock()

	for _, fn := range observers {
		fn(StateShutdown)
	}
	return true
}

func (l *Lifecycle) apply(msg Message, dir direction) error {
	l.mu.Lock()
	before := l.state
	err := l.transition(msg, dir)
	after := l.state
	observers := l.observers
	l.mu.Unlock()

	if err == nil && after != before {
		for _, fn := range observers {
			fn(after)
		}
	}
	return err
}

func (l *Lifecycle) transition(msg Message, dir direction) error {
	if l.state == StateShutdown {
		return &LifecycleViolationError{Method: methodOf(msg), State: l.state}
	}

	switch m := msg.(type) {
	case Request:
		if m.Method == methodInitialize {
			if l.state != StateUninitialized {
				return &LifecycleViolationError{Method: m.Method, State: l.state}
			}
			l.state = StateInitializing
			l.initID = m.ID
			if dir == outbound {
				l.side = SideClient
			} else {
				l.side = SideServer
			}
			return nil
		}
		return l.admitRequest(m.Method)
	case Notification:
		if m.Method != methodNotificationsInitialized {
			return nil
		}
		// The initialized notification flows from client to server only, after the initialize
		// response has been delivered.
		wantSide := SideClient
		if dir == inbound {
			wantSide = SideServer
		}
		if l.state != StateInitializing || l.side != wantSide || !l.initResponded {
			return &LifecycleViolationError{Method: m.Method, State: l.state}
		}
		l.state = StateOperational
		return nil
	case Response:
		if l.state != StateInitializing || m.ID != l.initID || m.Error != nil {
			return nil
		}
		// Server emitting, or client receiving, the successful initialize response.
		if (dir == outbound && l.side == SideServer) || (dir == inbound && l.side == SideClient) {
			l.initResponded = true
		}
		return nil
	}
	return nil
}

func (l *Lifecycle) admitRequest(method string) error {
	switch {
	case l.state == StateShutdown:
		return &LifecycleViolationError{Method: method, State: l.state}
	case method == methodPing:
		return nil
	case method == methodInitialize:
		if l.state != StateUninitialized {
			return &LifecycleViolationError{Method: method, State: l.state}
		}
		return nil
	case l.state != StateOperational:
		return &LifecycleViolationError{Method: method, State: l.state}
	}
	return nil
}

func methodOf(msg Message) string {
	switch m := msg.(type) {
	case Request:
		return m.Method
	case Notification:
		return m.Method
	}
	return ""
}

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateOperational:
		return "operational"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

func (s Side) String() string {
	switch s {
	case SideClient:
		return "client"
	case SideServer:
		return "server"
	default:
		return "unknown"
	}
}
