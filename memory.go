package mcp

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// MemoryTransport is one endpoint of an in-process transport pair created by NewMemoryTransports.
// Bytes sent on one endpoint are queued on its peer's inbox and delivered in order by the peer's
// dispatch goroutine, so a message handler may send on either endpoint without deadlocking.
//
// Stopping either endpoint closes both, the way closing one end of a pipe ends the other.
type MemoryTransport struct {
	*conn

	peer      *MemoryTransport
	inbox     *frameQueue
	startOnce sync.Once
}

// frameQueue is an unbounded FIFO of inbound frames drained by a single dispatch goroutine. Pushing
// never blocks, so a handler replying from the dispatch goroutine cannot deadlock with its peer.
type frameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	notify chan struct{}
}

var errPeerClosed = errors.New("peer closed")

// NewMemoryTransports returns two connected endpoints sharing a fresh session id. Either endpoint
// can play the client or the server; the role is decided by which one sends initialize.
func NewMemoryTransports(options ...TransportOption) (*MemoryTransport, *MemoryTransport) {
	opts := newTransportOptions(options)
	id := uuid.New().String()

	a := &MemoryTransport{inbox: newFrameQueue()}
	b := &MemoryTransport{inbox: newFrameQueue()}
	a.peer, b.peer = b, a
	a.conn = newConn(id, "memory", opts, a.write)
	b.conn = newConn(id, "memory", opts, b.write)

	return a, b
}

// Start implements Transport.
func (m *MemoryTransport) Start(context.Context) error {
	if err := m.markStarted(); err != nil {
		return err
	}
	m.startOnce.Do(func() {
		go m.inbox.dispatch(m.conn)
	})
	return nil
}

// Stop implements Transport.
func (m *MemoryTransport) Stop() error {
	err := m.shutdown(nil, nil)
	m.peer.shutdown(errPeerClosed, nil)
	return err
}

func (m *MemoryTransport) write(_ context.Context, data []byte) error {
	select {
	case <-m.peer.done:
		return ErrConnectionClosed
	default:
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	m.peer.inbox.push(frame)
	return nil
}

func newFrameQueue() *frameQueue {
	return &frameQueue{notify: make(chan struct{}, 1)}
}

func (q *frameQueue) push(frame []byte) {
	q.mu.Lock()
	q.frames = append(q.frames, frame)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *frameQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames := q.frames
	q.frames = nil
	return frames
}

// dispatch delivers queued frames to c in order until c closes.
func (q *frameQueue) dispatch(c *conn) {
	for {
		select {
		case <-c.done:
			return
		case <-q.notify:
		}
		for _, frame := range q.drain() {
			c.deliver(frame)
		}
	}
}
