package server

import (
	"sort"
	"sync"
)

// Roster is the set of peers currently connected to one Server. It is the only
// state shared between connections.
type Roster struct {
	mu    sync.Mutex
	peers map[string]struct{}
}

func NewRoster() *Roster {
	return &Roster{peers: make(map[string]struct{})}
}

func (r *Roster) Add(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[peer] = struct{}{}
}

func (r *Roster) Remove(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peer)
}

// Snapshot returns the connected peers in sorted order.
func (r *Roster) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
