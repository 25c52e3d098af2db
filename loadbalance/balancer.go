// Package loadbalance picks which server instance a call container dials when a
// descriptor is hosted by more than one process.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  instances with different capacity
//   - ConsistentHash:  stick a caller identity to one instance
package loadbalance

import (
	"errors"

	"mini-call/registry"
)

var ErrNoEndpoints = errors.New("no endpoints available")

// Balancer selects one endpoint from the available list. Must be goroutine-safe.
type Balancer interface {
	Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name, defaulting to round robin.
// Consistent hashing needs a key and is built with NewKeyedBalancer.
func New(name string) Balancer {
	switch name {
	case "weighted", "WeightedRandom":
		return &WeightedRandomBalancer{}
	}
	return &RoundRobinBalancer{}
}
