package transport

import (
	"sync"
	"time"

	"remote-ctrl/message"
)

type request struct {
	onSuccess func(*message.Packet)
	onTimeout func()
	deadline  time.Time
}

// pendingTable maps seq to the request waiting for its reply. Entries leave
// the table exactly once: by take, expire or close. Callbacks are invoked by
// the caller after the lock is released.
type pendingTable struct {
	mu     sync.Mutex
	reqs   map[string]*request
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{reqs: make(map[string]*request)}
}

// add records r under seq. It returns false once the table is closed.
func (t *pendingTable) add(seq string, r *request) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.reqs[seq] = r
	return true
}

func (t *pendingTable) take(seq string) *request {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.reqs[seq]
	if !ok {
		return nil
	}
	delete(t.reqs, seq)
	return r
}

// expire removes every request whose deadline is not after now.
func (t *pendingTable) expire(now time.Time) []*request {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*request
	for seq, r := range t.reqs {
		if !r.deadline.After(now) {
			out = append(out, r)
			delete(t.reqs, seq)
		}
	}
	return out
}

// close empties the table and refuses further adds.
func (t *pendingTable) close() []*request {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	out := make([]*request, 0, len(t.reqs))
	for _, r := range t.reqs {
		out = append(out, r)
	}
	t.reqs = make(map[string]*request)
	return out
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reqs)
}

func (r *request) timedOut() {
	if r.onTimeout != nil {
		r.onTimeout()
	}
}

func (r *request) succeeded(p *message.Packet) {
	if r.onSuccess != nil {
		r.onSuccess(p)
	}
}
