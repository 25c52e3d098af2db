package registry

import (
	"context"
	"sync"
)

// MemoryRegistry keeps endpoints in process memory. It serves single-process
// deployments where server and callers share one registry value, and tests.
// TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	endpoints map[string][]Endpoint
	watchers  map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		endpoints: make(map[string][]Endpoint),
		watchers:  make(map[string][]chan []Endpoint),
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, descriptor string, endpoint Endpoint, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.endpoints[descriptor]
	for i, ep := range list {
		if ep.Addr == endpoint.Addr {
			list[i] = endpoint
			m.notifyLocked(descriptor)
			return nil
		}
	}
	m.endpoints[descriptor] = append(list, endpoint)
	m.notifyLocked(descriptor)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, descriptor string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.endpoints[descriptor]
	for i, ep := range list {
		if ep.Addr == addr {
			m.endpoints[descriptor] = append(list[:i:i], list[i+1:]...)
			m.notifyLocked(descriptor)
			break
		}
	}
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, descriptor string) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Endpoint(nil), m.endpoints[descriptor]...), nil
}

// Watch emits the endpoint list after every change. Slow readers only see the
// latest list.
func (m *MemoryRegistry) Watch(ctx context.Context, descriptor string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	m.mu.Lock()
	m.watchers[descriptor] = append(m.watchers[descriptor], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		watchers := m.watchers[descriptor]
		for i, w := range watchers {
			if w == ch {
				m.watchers[descriptor] = append(watchers[:i:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *MemoryRegistry) notifyLocked(descriptor string) {
	snapshot := append([]Endpoint(nil), m.endpoints[descriptor]...)
	for _, ch := range m.watchers[descriptor] {
		// Drop a stale snapshot the reader has not picked up yet.
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
