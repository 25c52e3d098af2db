// Package registry maps callee descriptors to the socket endpoints hosting them.
package registry

import "context"

// Endpoint is one server.Server instance hosting a descriptor.
type Endpoint struct {
	Network string // "unix" or "tcp"
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

type Registry interface {
	Register(ctx context.Context, descriptor string, endpoint Endpoint, ttl int64) error
	Deregister(ctx context.Context, descriptor string, addr string) error
	Discover(ctx context.Context, descriptor string) ([]Endpoint, error)
	Watch(ctx context.Context, descriptor string) <-chan []Endpoint
}
