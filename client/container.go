// Package client connects Callers to remote Callees found through a registry.
//
// A Container keeps one connection per descriptor and hands out Callers that
// share it:
//
//	StartByCall("calc") ──┐                     ┌── handle a1f… ── Caller
//	StartByCall("calc") ──┼─→ record{"calc"} ───┼── handle 9c0… ── Caller
//	                      │   one Proxy          │
//	Registry → Balancer ──┘                      └── Release of the last handle closes the Proxy
//
// When the peer dies every Caller on the record is told "died" and the record is
// dropped, so the next StartByCall dials again. A record whose endpoint leaves
// the registry is dropped too, but its Callers keep the connection until they
// release it.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mini-call/caller"
	"mini-call/loadbalance"
	"mini-call/logging"
	"mini-call/metrics"
	"mini-call/parcel"
	"mini-call/registry"
	"mini-call/transport"
)

var ErrClosed = errors.New("client: container closed")

// Container resolves descriptors and shares remote connections among Callers.
type Container struct {
	registry  registry.Registry
	balancer  loadbalance.Balancer
	pool      *parcel.Pool
	logger    *zap.Logger
	metrics   *metrics.Metrics
	heartbeat time.Duration

	mu      sync.Mutex
	records map[string]*record // descriptor → live connection
	closed  bool
}

// Option configures a Container.
type Option func(*Container)

func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Container) { c.balancer = b }
}

func WithPool(pool *parcel.Pool) Option {
	return func(c *Container) { c.pool = pool }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Container) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Container) { c.metrics = m }
}

// WithHeartbeat sets the keepalive interval of dialed connections.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Container) { c.heartbeat = interval }
}

// NewContainer creates a container discovering endpoints through reg.
func NewContainer(reg registry.Registry, opts ...Option) *Container {
	c := &Container{
		registry:  reg,
		balancer:  &loadbalance.RoundRobinBalancer{},
		pool:      parcel.Default,
		heartbeat: transport.DefaultHeartbeat,
		records:   make(map[string]*record),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger)
	return c
}

// StartByCall returns a Caller bound to descriptor, dialing a connection if no
// live one exists.
func (c *Container) StartByCall(ctx context.Context, descriptor string) (*caller.Caller, error) {
	if descriptor == "" {
		return nil, fmt.Errorf("%w: empty descriptor", caller.ErrInvalidArgument)
	}

	rec, err := c.recordFor(ctx, descriptor)
	if err != nil {
		return nil, err
	}
	h, err := c.addHandle(rec)
	if err != nil {
		return nil, err
	}
	return caller.New(h,
		caller.WithPool(c.pool),
		caller.WithLogger(c.logger),
		caller.WithMetrics(c.metrics),
	), nil
}

func (c *Container) recordFor(ctx context.Context, descriptor string) (*record, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if rec, ok := c.records[descriptor]; ok && rec.alive() {
		c.mu.Unlock()
		return rec, nil
	}
	c.mu.Unlock()

	// Dial outside the lock; a slow peer must not block other descriptors.
	endpoints, err := c.registry.Discover(ctx, descriptor)
	if err != nil {
		return nil, fmt.Errorf("client: discovering %q: %w", descriptor, err)
	}
	endpoint, err := c.balancer.Pick(endpoints)
	if err != nil {
		return nil, fmt.Errorf("client: %q: %w", descriptor, err)
	}
	network := endpoint.Network
	if network == "" {
		network = "unix"
	}
	proxy, err := transport.Dial(ctx, network, endpoint.Addr, descriptor,
		transport.WithHeartbeat(c.heartbeat),
		transport.WithLogger(c.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("client: connecting %q at %s: %w", descriptor, endpoint.Addr, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		proxy.Release()
		return nil, ErrClosed
	}
	if rec, ok := c.records[descriptor]; ok && rec.alive() {
		// Lost a race with another StartByCall for the same descriptor.
		proxy.Release()
		return rec, nil
	}
	rec := &record{
		descriptor: descriptor,
		endpoint:   *endpoint,
		proxy:      proxy,
		handles:    make(map[string]*handle),
	}
	proxy.AddDeathRecipient(func(reason string) { c.onRemoteDied(rec, reason) })
	c.records[descriptor] = rec

	watchCtx, stop := context.WithCancel(context.Background())
	go c.watch(rec, c.registry.Watch(watchCtx, descriptor), stop)
	c.logger.Info("connected",
		zap.String("descriptor", descriptor),
		zap.String("addr", endpoint.Addr),
		zap.String("balancer", c.balancer.Name()),
	)
	return rec, nil
}

func (c *Container) addHandle(rec *record) (*handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.records[rec.descriptor] != rec || !rec.alive() {
		return nil, fmt.Errorf("%w: %q", transport.ErrDead, rec.descriptor)
	}
	h := &handle{id: uuid.NewString(), rec: rec, container: c}
	rec.handles[h.id] = h
	if c.metrics != nil {
		c.metrics.CallerHandles.Inc()
	}
	return h, nil
}

// releaseHandle drops h from its record and closes the connection once no
// handle is left.
func (c *Container) releaseHandle(h *handle) {
	c.mu.Lock()
	rec := h.rec
	if _, ok := rec.handles[h.id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(rec.handles, h.id)
	if c.metrics != nil {
		c.metrics.CallerHandles.Dec()
	}
	last := len(rec.handles) == 0
	if last && c.records[rec.descriptor] == rec {
		delete(c.records, rec.descriptor)
	}
	c.mu.Unlock()

	if last {
		c.logger.Debug("last caller released", zap.String("descriptor", rec.descriptor))
		rec.proxy.Release()
	}
}

// onRemoteDied forgets rec and notifies every handle on it.
func (c *Container) onRemoteDied(rec *record, reason string) {
	c.mu.Lock()
	if c.records[rec.descriptor] == rec {
		delete(c.records, rec.descriptor)
	}
	handles := make([]*handle, 0, len(rec.handles))
	for _, h := range rec.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	c.logger.Warn("remote died",
		zap.String("descriptor", rec.descriptor),
		zap.String("addr", rec.endpoint.Addr),
		zap.Int("callers", len(handles)),
	)
	for _, h := range handles {
		h.notify(reason)
	}
}

// watch retires rec once the registry stops listing its endpoint. It ends with
// the connection.
func (c *Container) watch(rec *record, updates <-chan []registry.Endpoint, stop context.CancelFunc) {
	defer stop()
	for {
		select {
		case <-rec.proxy.Done():
			return
		case endpoints, ok := <-updates:
			if !ok {
				return
			}
			if listed(endpoints, rec.endpoint.Addr) {
				continue
			}
			c.retire(rec)
			return
		}
	}
}

// retire forgets rec so the next StartByCall discovers again. Handles already
// on rec keep working; with none left the connection is closed now.
func (c *Container) retire(rec *record) {
	c.mu.Lock()
	if c.records[rec.descriptor] == rec {
		delete(c.records, rec.descriptor)
	}
	idle := len(rec.handles) == 0
	c.mu.Unlock()

	c.logger.Info("endpoint deregistered",
		zap.String("descriptor", rec.descriptor),
		zap.String("addr", rec.endpoint.Addr),
	)
	if idle {
		rec.proxy.Release()
	}
}

func listed(endpoints []registry.Endpoint, addr string) bool {
	for _, ep := range endpoints {
		if ep.Addr == addr {
			return true
		}
	}
	return false
}

// Dump describes the live connections, one line each.
func (c *Container) Dump() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := make([]string, 0, len(c.records))
	for _, rec := range c.records {
		lines = append(lines, fmt.Sprintf("descriptor=%s addr=%s callers=%d", rec.descriptor, rec.endpoint.Addr, len(rec.handles)))
	}
	sort.Strings(lines)
	return lines
}

// Close releases every connection. Callers obtained earlier fail afterwards.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	records := c.records
	c.records = make(map[string]*record)
	var handles int
	for _, rec := range records {
		handles += len(rec.handles)
		rec.handles = make(map[string]*handle)
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CallerHandles.Sub(float64(handles))
	}
	for _, rec := range records {
		rec.proxy.Release()
	}
	return nil
}

// record is one shared connection.
type record struct {
	descriptor string
	endpoint   registry.Endpoint
	proxy      *transport.Proxy
	handles    map[string]*handle // guarded by Container.mu
}

func (r *record) alive() bool {
	select {
	case <-r.proxy.Done():
		return false
	default:
		return true
	}
}

// handle is the RemoteObject a Caller holds: a counted reference on a record.
type handle struct {
	id        string
	rec       *record
	container *Container

	mu        sync.Mutex
	recipient transport.DeathRecipient
	released  bool
}

var _ transport.RemoteObject = (*handle)(nil)

func (h *handle) Descriptor() string {
	return h.rec.descriptor
}

func (h *handle) SendRequest(ctx context.Context, code uint32, data, reply *parcel.Parcel, option transport.Option) error {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return transport.ErrReleased
	}
	return h.rec.proxy.SendRequest(ctx, code, data, reply, option)
}

func (h *handle) AddDeathRecipient(recipient transport.DeathRecipient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recipient = recipient
}

func (h *handle) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return transport.ErrReleased
	}
	h.released = true
	h.mu.Unlock()

	h.container.releaseHandle(h)
	return nil
}

func (h *handle) notify(reason string) {
	h.mu.Lock()
	recipient := h.recipient
	released := h.released
	h.mu.Unlock()
	if recipient != nil && !released {
		recipient(reason)
	}
}
