package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"mini-call/registry"
)

// ConsistentHashBalancer maps keys to endpoints on a hash ring, so the same
// key keeps reaching the same server until the ring changes.
//
// Each endpoint is placed on the ring as replicas virtual nodes to spread keys
// evenly.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.RWMutex
	ring  []uint32                      // Sorted hash values
	nodes map[uint32]*registry.Endpoint // Hash value → endpoint
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.Endpoint),
	}
}

// Add places an endpoint onto the ring.
func (b *ConsistentHashBalancer) Add(endpoint *registry.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", endpoint.Addr, i)))
		if _, exists := b.nodes[hash]; !exists {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = endpoint
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Reset replaces the ring contents with endpoints.
func (b *ConsistentHashBalancer) Reset(endpoints []registry.Endpoint) {
	b.mu.Lock()
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]*registry.Endpoint)
	b.mu.Unlock()
	for i := range endpoints {
		b.Add(&endpoints[i])
	}
}

// PickKey finds the endpoint responsible for key: the first ring node clockwise
// from the key's hash, wrapping to the start of the ring.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.Endpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoEndpoints
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

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// KeyedBalancer adapts a ConsistentHashBalancer to the Balancer interface with
// a fixed key, rebuilding the ring from the endpoints passed to each Pick.
type KeyedBalancer struct {
	Key string

	mu   sync.Mutex // one Reset+PickKey at a time
	ring *ConsistentHashBalancer
}

func NewKeyedBalancer(key string) *KeyedBalancer {
	return &KeyedBalancer{Key: key, ring: NewConsistentHashBalancer()}
}

func (b *KeyedBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring.Reset(endpoints)
	return b.ring.PickKey(b.Key)
}

func (b *KeyedBalancer) Name() string {
	return "ConsistentHash(" + b.Key + ")"
}
