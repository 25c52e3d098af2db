// Package callee implements the server side of the call protocol.
//
// A Callee owns a descriptor-identified stub. Methods are registered by name
// with On and removed with Off; the transport delivers requests to
// OnRemoteRequest, which routes call-notify requests to the registered handler
// and frames the outcome into the reply parcel:
//
//	request: [string method][structured payload]
//	reply:   [int32 status][string typeTag][structured result iff status==success && typeTag=="object"]
//
// Dispatch never fails towards the transport once the request code is accepted;
// success or failure of the handler travels inside the reply.
package callee

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mini-call/logging"
	"mini-call/message"
	"mini-call/middleware"
	"mini-call/parcel"
	"mini-call/protocol"
	"mini-call/transport"
)

var (
	ErrInvalidArgument   = errors.New("callee: invalid argument")
	ErrAlreadyRegistered = errors.New("callee: method already registered")
	ErrNotRegistered     = errors.New("callee: method not registered")
	ErrChainBuilt        = errors.New("callee: middleware chain already built")
	errNoHandler         = errors.New("callee: no handler for method")
)

// Handler serves one method. data is positioned at the request payload; the
// handler reads it and returns an object to reply with. A nil or non-object
// result, or a non-nil error, makes the call fail on the caller side.
type Handler func(ctx context.Context, data *parcel.Parcel) (any, error)

// Callee dispatches call-notify requests to registered handlers.
type Callee struct {
	descriptor string
	logger     *zap.Logger

	mu          sync.RWMutex
	methods     map[string]Handler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // nil until the first dispatch
}

var _ transport.Stub = (*Callee)(nil)

// Option configures a Callee.
type Option func(*Callee)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Callee) { c.logger = logger }
}

// WithMiddleware appends handler middlewares, applied in the order given.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Callee) { c.middlewares = append(c.middlewares, mws...) }
}

// New creates a Callee serving descriptor.
func New(descriptor string, opts ...Option) *Callee {
	c := &Callee{
		descriptor: descriptor,
		methods:    make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).With(zap.String("descriptor", descriptor))
	return c
}

func (c *Callee) Descriptor() string {
	return c.descriptor
}

// Use appends a middleware. The chain is built on the first dispatch; after
// that Use fails with ErrChainBuilt.
func (c *Callee) Use(mw middleware.Middleware) error {
	if mw == nil {
		return fmt.Errorf("%w: nil middleware", ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return ErrChainBuilt
	}
	c.middlewares = append(c.middlewares, mw)
	return nil
}

// On registers handler under method.
func (c *Callee) On(method string, handler Handler) error {
	if method == "" {
		return fmt.Errorf("%w: empty method name", ErrInvalidArgument)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrInvalidArgument, method)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.methods[method]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, method)
	}
	c.methods[method] = handler
	c.logger.Debug("method registered", zap.String("method", method))
	return nil
}

// Off removes the handler registered under method.
func (c *Callee) Off(method string) error {
	if method == "" {
		return fmt.Errorf("%w: empty method name", ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.methods[method]; !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, method)
	}
	delete(c.methods, method)
	c.logger.Debug("method unregistered", zap.String("method", method))
	return nil
}

// Methods returns the registered method names.
func (c *Callee) Methods() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	return names
}

// OnRemoteRequest is the transport entry point.
func (c *Callee) OnRemoteRequest(ctx context.Context, code uint32, data, reply *parcel.Parcel, option transport.Option) bool {
	if code != protocol.EventCallNotify {
		c.logger.Debug("ignoring request code", zap.Uint32("code", code))
		return false
	}

	method, err := data.ReadString()
	if err != nil {
		c.logger.Warn("unreadable call request", zap.Error(err))
		c.writeFailure(reply, protocol.TypeTagUndefined)
		return true
	}

	result := c.chain()(ctx, &message.Request{
		Descriptor: c.descriptor,
		Method:     method,
		Data:       data,
	})
	c.writeResult(reply, method, result)
	return true
}

// chain builds the middleware chain around dispatch on first use.
func (c *Callee) chain() middleware.HandlerFunc {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler != nil {
		return handler
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler == nil {
		c.handler = middleware.Chain(c.middlewares...)(c.dispatch)
	}
	return c.handler
}

// dispatch is the innermost handler: registry lookup and invocation.
func (c *Callee) dispatch(ctx context.Context, req *message.Request) *message.Result {
	c.mu.RLock()
	handler, ok := c.methods[req.Method]
	c.mu.RUnlock()
	if !ok {
		return &message.Result{Err: fmt.Errorf("%w: %q", errNoHandler, req.Method)}
	}

	value, err := handler(ctx, req.Data)
	return &message.Result{Value: value, Err: err}
}

func (c *Callee) writeResult(reply *parcel.Parcel, method string, result *message.Result) {
	if result == nil {
		c.writeFailure(reply, protocol.TypeTagUndefined)
		return
	}
	if result.Err != nil {
		tag := protocol.TypeTagError
		if errors.Is(result.Err, errNoHandler) {
			tag = protocol.TypeTagUndefined
		}
		c.logger.Debug("call failed", zap.String("method", method), zap.Error(result.Err))
		c.writeFailure(reply, tag)
		return
	}

	tag := parcel.TypeTag(result.Value)
	if tag != protocol.TypeTagObject {
		c.writeFailure(reply, tag)
		return
	}

	// Build the success reply in a scratch parcel first so an encode error
	// cannot leave a half-written success frame behind.
	scratch := parcel.New()
	defer scratch.Release()
	if err := writeSuccess(scratch, result.Value); err != nil {
		c.logger.Warn("encoding call result failed", zap.String("method", method), zap.Error(err))
		c.writeFailure(reply, tag)
		return
	}
	raw, err := scratch.Bytes()
	if err == nil {
		err = reply.SetData(raw)
	}
	if err != nil {
		c.logger.Error("writing reply failed", zap.String("method", method), zap.Error(err))
	}
}

func writeSuccess(p *parcel.Parcel, value any) error {
	if err := p.WriteInt32(protocol.RequestSuccess); err != nil {
		return err
	}
	if err := p.WriteString(protocol.TypeTagObject); err != nil {
		return err
	}
	return p.WriteStructured(value)
}

func (c *Callee) writeFailure(reply *parcel.Parcel, tag string) {
	if err := reply.WriteInt32(protocol.RequestFailed); err != nil {
		c.logger.Error("writing reply failed", zap.Error(err))
		return
	}
	if err := reply.WriteString(tag); err != nil {
		c.logger.Error("writing reply failed", zap.Error(err))
	}
}
