// EtcdRegistry stores endpoints in etcd so callers on the device can find the
// process hosting a descriptor:
//
//	Key:   /mini-call/{descriptor}/{addr}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL leases: if the hosting process crashes, the lease expires
// and the entry disappears.
package registry

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"mini-call/logging"
)

const keyPrefix = "/mini-call/"

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logging.OrNop(logger)}, nil
}

func descriptorPrefix(descriptor string) string {
	return keyPrefix + descriptor + "/"
}

// Register puts the endpoint under a TTL lease and keeps the lease alive until
// ctx is cancelled or the registry is closed.
//
// leaseID stays local so several servers can share one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, descriptor string, endpoint Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := sonic.Marshal(endpoint)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, descriptorPrefix(descriptor)+endpoint.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	// KeepAlive must outlive the request context that registered it.
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return err
	}

	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("descriptor", descriptor), zap.String("addr", endpoint.Addr))
	}()
	return nil
}

// Deregister removes an endpoint. Called during graceful shutdown before the
// listener closes.
func (r *EtcdRegistry) Deregister(ctx context.Context, descriptor string, addr string) error {
	_, err := r.client.Delete(ctx, descriptorPrefix(descriptor)+addr)
	return err
}

// Watch emits the full endpoint list whenever the descriptor's keys change.
// The channel closes when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, descriptor string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, descriptorPrefix(descriptor), clientv3.WithPrefix())
		for range watchChan {
			endpoints, err := r.Discover(ctx, descriptor)
			if err != nil {
				r.logger.Warn("discover after watch event failed", zap.String("descriptor", descriptor), zap.Error(err))
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns every endpoint currently registered for descriptor.
func (r *EtcdRegistry) Discover(ctx context.Context, descriptor string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, descriptorPrefix(descriptor), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %q: %w", descriptor, err)
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var endpoint Endpoint
		if err := sonic.Unmarshal(kv.Value, &endpoint); err != nil {
			r.logger.Warn("skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		endpoints = append(endpoints, endpoint)
	}

	return endpoints, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
