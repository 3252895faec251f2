package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"remote-ctrl/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring, so the same
// console identity keeps landing on the same device server while the set of
// instances is stable.
//
// Each real instance is placed on the ring as 100 virtual nodes so that a
// handful of instances still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string // Key used by Pick
	replicas int    // Virtual nodes per real instance

	mu    sync.Mutex
	ring  []uint32                      // Sorted hash values on the ring
	nodes map[uint32]*registry.Instance // Hash value → instance
}

// NewConsistentHashBalancer creates an empty ring whose Pick hashes key.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]*registry.Instance),
	}
}

// Add places an instance onto the ring. Virtual node i is hashed from "{addr}#{i}".
func (b *ConsistentHashBalancer) Add(instance *registry.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
}

func (b *ConsistentHashBalancer) addLocked(instance *registry.Instance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		if _, dup := b.nodes[hash]; !dup {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// PickKey finds the instance responsible for key: the first node clockwise
// from the key's hash, wrapping around past the largest node.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pickLocked(key)
}

func (b *ConsistentHashBalancer) pickLocked(key string) (*registry.Instance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// Pick rebuilds the ring from instances and picks the balancer's own key.
func (b *ConsistentHashBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]*registry.Instance)
	for i := range instances {
		b.addLocked(&instances[i])
	}
	return b.pickLocked(b.key)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
