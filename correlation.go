package mcp

import (
	"sync"
)

// pendingTable correlates outbound requests with their responses. Each entry is inserted before the
// request is written and removed exactly once: by the matching response, by the caller giving up,
// or by the transport closing.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[MustString]chan pendingResult
	closed error
}

type pendingResult struct {
	resp Response
	err  error
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[MustString]chan pendingResult)}
}

// register inserts id and returns the channel its outcome is delivered on. The channel is buffered
// so resolving never blocks on a caller that already gave up.
func (p *pendingTable) register(id MustString) (<-chan pendingResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed != nil {
		return nil, p.closed
	}
	if _, ok := p.calls[id]; ok {
		return nil, ErrDuplicateRequestID
	}
	ch := make(chan pendingResult, 1)
	p.calls[id] = ch
	return ch, nil
}

// resolve hands resp to the caller waiting on its id and removes the entry.
func (p *pendingTable) resolve(resp Response) error {
	p.mu.Lock()
	ch, ok := p.calls[resp.ID]
	if ok {
		delete(p.calls, resp.ID)
	}
	p.mu.Unlock()

	if !ok {
		return &UnmatchedResponseError{ID: resp.ID}
	}
	ch <- pendingResult{resp: resp}
	return nil
}

// abandon removes id without delivering anything. A response arriving afterwards is unmatched.
func (p *pendingTable) abandon(id MustString) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calls, id)
}

// failAll fails every outstanding call with err and rejects later registrations with it.
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[MustString]chan pendingResult)
	if p.closed == nil {
		p.closed = err
	}
	p.mu.Unlock()

	for _, ch := range calls {
		ch <- pendingResult{err: err}
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
