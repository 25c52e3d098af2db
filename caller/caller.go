// Package caller implements the client side of the call protocol.
//
// A Caller wraps one reference to a remote Callee. Call waits for the callee to
// acknowledge the method; CallWithResult also hands back the reply parcel,
// positioned at the returned object. Every parcel a Caller allocates is
// released before the method returns, except the reply CallWithResult returns
// on success, which the invoker owns and must Release.
package caller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mini-call/logging"
	"mini-call/metrics"
	"mini-call/parcel"
	"mini-call/protocol"
	"mini-call/transport"
)

var (
	ErrInvalidArgument       = errors.New("caller: invalid argument")
	ErrAlreadyReleased       = errors.New("caller: already released")
	ErrTransport             = errors.New("caller: transport error")
	ErrRemoteExecutionFailed = errors.New("caller: remote execution failed")
)

const (
	modeCall           = "call"
	modeCallWithResult = "call_with_result"
)

// Caller is a handle on one remote Callee. It is Active until Release, then
// Released for good.
type Caller struct {
	pool    *parcel.Pool
	logger  *zap.Logger
	metrics *metrics.Metrics
	option  transport.Option

	mu     sync.Mutex
	remote transport.RemoteObject // nil once released
}

// Option configures a Caller.
type Option func(*Caller)

// WithPool sets the pool request and reply parcels come from.
func WithPool(pool *parcel.Pool) Option {
	return func(c *Caller) { c.pool = pool }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Caller) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Caller) { c.metrics = m }
}

// WithRequestOption sets the transport option used for every request, for
// example a WaitTime bounding each call on top of ctx.
func WithRequestOption(option transport.Option) Option {
	return func(c *Caller) { c.option = option }
}

// New binds a Caller to remote.
func New(remote transport.RemoteObject, opts ...Option) *Caller {
	c := &Caller{
		remote: remote,
		pool:   parcel.Default,
		option: transport.DefaultOption(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger)
	if remote != nil {
		c.logger = c.logger.With(zap.String("descriptor", remote.Descriptor()))
	}
	return c
}

// Call invokes method on the callee with data and waits for the callee to
// report success. Any object the callee returns is discarded.
func (c *Caller) Call(ctx context.Context, method string, data any) (err error) {
	defer func() { c.observe(method, modeCall, err) }()

	reply, err := c.send(ctx, method, data)
	if err != nil {
		return err
	}
	reply.Release()
	return nil
}

// CallWithResult invokes method and returns the reply parcel positioned at the
// object the callee returned. The caller owns the parcel and must Release it.
func (c *Caller) CallWithResult(ctx context.Context, method string, data any) (_ *parcel.Parcel, err error) {
	defer func() { c.observe(method, modeCallWithResult, err) }()

	return c.send(ctx, method, data)
}

// send runs one request. On success the returned reply has been read up to the
// structured payload; on error both parcels have been released.
func (c *Caller) send(ctx context.Context, method string, data any) (*parcel.Parcel, error) {
	if method == "" {
		return nil, fmt.Errorf("%w: empty method name", ErrInvalidArgument)
	}
	if !parcel.IsObject(data) {
		return nil, fmt.Errorf("%w: data must be an object, got %s", ErrInvalidArgument, parcel.TypeTag(data))
	}
	remote := c.snapshot()
	if remote == nil {
		return nil, ErrAlreadyReleased
	}

	request := c.pool.Get()
	defer request.Release()
	if err := request.WriteString(method); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := request.WriteStructured(data); err != nil {
		return nil, fmt.Errorf("%w: encoding data: %v", ErrInvalidArgument, err)
	}

	reply := c.pool.Get()
	if err := remote.SendRequest(ctx, protocol.EventCallNotify, request, reply, c.option); err != nil {
		reply.Release()
		c.logger.Debug("send request failed", zap.String("method", method), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	if err := readAck(reply); err != nil {
		reply.Release()
		return nil, fmt.Errorf("%w: %q: %v", ErrRemoteExecutionFailed, method, err)
	}
	return reply, nil
}

// readAck consumes the status and type tag of a reply.
func readAck(reply *parcel.Parcel) error {
	status, err := reply.ReadInt32()
	if err != nil {
		return err
	}
	tag, err := reply.ReadString()
	if err != nil {
		return err
	}
	if status != protocol.RequestSuccess || tag != protocol.TypeTagObject {
		return fmt.Errorf("status %d, result %s", status, tag)
	}
	return nil
}

// Release drops the remote reference. Calls made afterwards fail with
// ErrAlreadyReleased; a call already in flight completes on the reference it
// started with.
func (c *Caller) Release() error {
	c.mu.Lock()
	remote := c.remote
	c.remote = nil
	c.mu.Unlock()

	if remote == nil {
		return ErrAlreadyReleased
	}
	if err := remote.Release(); err != nil && !errors.Is(err, transport.ErrReleased) {
		c.logger.Warn("releasing remote object failed", zap.Error(err))
	}
	return nil
}

// OnRelease sets the callback run when the remote side tears down. A later
// callback replaces the earlier one.
func (c *Caller) OnRelease(callback func(reason string)) error {
	if callback == nil {
		return fmt.Errorf("%w: nil release callback", ErrInvalidArgument)
	}
	remote := c.snapshot()
	if remote == nil {
		return ErrAlreadyReleased
	}
	remote.AddDeathRecipient(callback)
	return nil
}

// Released reports whether Release has been called.
func (c *Caller) Released() bool {
	return c.snapshot() == nil
}

func (c *Caller) snapshot() transport.RemoteObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Caller) observe(method, mode string, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.CallsTotal.WithLabelValues(method, mode, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrAlreadyReleased):
		return "released"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	default:
		return "remote_failed"
	}
}
