package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry keeps instances in process. It serves single-host setups and
// tests; TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]Instance
	watchers  map[string][]chan []Instance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string]map[string]Instance),
		watchers:  make(map[string][]chan []Instance),
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, device string, inst Instance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instances[device] == nil {
		m.instances[device] = make(map[string]Instance)
	}
	inst.Device = device
	m.instances[device][inst.Addr] = inst
	m.notifyLocked(device)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, device string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances[device], addr)
	m.notifyLocked(device)
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, device string) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(device), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, device string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	m.mu.Lock()
	m.watchers[device] = append(m.watchers[device], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[device]
		for i, w := range ws {
			if w == ch {
				m.watchers[device] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *MemoryRegistry) listLocked(device string) []Instance {
	out := make([]Instance, 0, len(m.instances[device]))
	for _, inst := range m.instances[device] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// notifyLocked replaces any unread update with the latest list.
func (m *MemoryRegistry) notifyLocked(device string) {
	list := m.listLocked(device)
	for _, ch := range m.watchers[device] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
