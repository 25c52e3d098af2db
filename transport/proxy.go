package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-call/logging"
	"mini-call/parcel"
	"mini-call/protocol"
)

// DefaultHeartbeat is the keepalive interval used when none is configured.
const DefaultHeartbeat = 30 * time.Second

// Proxy is a RemoteObject reached over a socket connection.
//
// Many goroutines may send on one Proxy at once. Each request gets a sequence
// number; a single receive loop reads reply frames and hands each one to the
// goroutine waiting on that sequence number.
//
//	goroutine-1 ──SendRequest(seq=1)──┐
//	goroutine-2 ──SendRequest(seq=2)──┼──→ one conn ──→ server.Server ──→ Stub
//	goroutine-3 ──SendRequest(seq=3)──┘
//
//	recvLoop: ←── reply(seq=2) → pending[2] → goroutine-2 wakes up
type Proxy struct {
	conn       net.Conn
	descriptor string
	logger     *zap.Logger

	seq     uint32     // protected by sending
	sending sync.Mutex // serializes whole frames on conn
	pending sync.Map   // map[uint32]chan response

	mu        sync.Mutex
	recipient DeathRecipient

	closed   atomic.Bool
	released atomic.Bool
	done     chan struct{}
}

type response struct {
	status uint32
	body   []byte
	err    error
}

type proxyOptions struct {
	heartbeat time.Duration
	logger    *zap.Logger
}

// ProxyOption configures Dial and NewProxy.
type ProxyOption func(*proxyOptions)

// WithHeartbeat sets the keepalive interval. Zero or negative disables heartbeats.
func WithHeartbeat(interval time.Duration) ProxyOption {
	return func(o *proxyOptions) { o.heartbeat = interval }
}

func WithLogger(logger *zap.Logger) ProxyOption {
	return func(o *proxyOptions) { o.logger = logger }
}

// Dial connects to a server.Server and attaches to the stub registered under
// descriptor.
func Dial(ctx context.Context, network, address, descriptor string, opts ...ProxyOption) (*Proxy, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	p, err := NewProxy(ctx, conn, descriptor, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// NewProxy performs the attach handshake on conn and starts the receive and
// heartbeat loops. conn is owned by the Proxy afterwards.
func NewProxy(ctx context.Context, conn net.Conn, descriptor string, opts ...ProxyOption) (*Proxy, error) {
	o := proxyOptions{heartbeat: DefaultHeartbeat}
	for _, opt := range opts {
		opt(&o)
	}

	if err := attach(ctx, conn, descriptor); err != nil {
		return nil, err
	}

	p := &Proxy{
		conn:       conn,
		descriptor: descriptor,
		logger:     logging.OrNop(o.logger).With(zap.String("descriptor", descriptor)),
		done:       make(chan struct{}),
	}
	go p.recvLoop()
	if o.heartbeat > 0 {
		go p.heartbeatLoop(o.heartbeat)
	}
	return p, nil
}

func attach(ctx context.Context, conn net.Conn, descriptor string) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeAttach}, []byte(descriptor)); err != nil {
		return fmt.Errorf("transport: attach %q: %w", descriptor, err)
	}
	header, _, err := protocol.Decode(conn)
	if err != nil {
		return fmt.Errorf("transport: attach %q: %w", descriptor, err)
	}
	if header.MsgType != protocol.MsgTypeAttachAck {
		return fmt.Errorf("transport: attach %q: unexpected frame type %d", descriptor, header.MsgType)
	}
	if header.Code != protocol.StatusOK {
		return fmt.Errorf("%w: %q", ErrUnknownDescriptor, descriptor)
	}
	return nil
}

func (p *Proxy) Descriptor() string {
	return p.descriptor
}

// SendRequest writes data as one request frame and, for synchronous requests,
// waits for the matching reply and loads it into reply.
func (p *Proxy) SendRequest(ctx context.Context, code uint32, data, reply *parcel.Parcel, option Option) error {
	if p.released.Load() {
		return ErrReleased
	}
	if p.closed.Load() {
		return ErrDead
	}
	body, err := data.Bytes()
	if err != nil {
		return err
	}
	ctx, cancel := withWaitTime(ctx, option)
	defer cancel()

	async := option.async()
	var respChan chan response

	p.sending.Lock()
	p.seq++
	seq := p.seq
	if !async {
		// Register before writing so recvLoop cannot see the reply first.
		respChan = make(chan response, 1)
		p.pending.Store(seq, respChan)
	}
	err = protocol.Encode(p.conn, &protocol.Header{
		MsgType: protocol.MsgTypeRequest,
		Flags:   option.Flags,
		Seq:     seq,
		Code:    code,
	}, body)
	p.sending.Unlock()

	if err != nil {
		p.pending.Delete(seq)
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	if async {
		return nil
	}
	if p.closed.Load() {
		// failPending may have run before Store; if it did not take our entry,
		// nobody will answer.
		if _, ok := p.pending.LoadAndDelete(seq); ok {
			return ErrConnectionLost
		}
	}

	select {
	case resp := <-respChan:
		if resp.err != nil {
			return resp.err
		}
		switch resp.status {
		case protocol.StatusOK:
			return reply.SetData(resp.body)
		case protocol.StatusUnknownTransaction:
			return ErrUnknownTransaction
		case protocol.StatusShuttingDown:
			return ErrShuttingDown
		default:
			return fmt.Errorf("%w: %d", ErrRemoteStatus, resp.status)
		}
	case <-ctx.Done():
		p.pending.Delete(seq)
		return ctx.Err()
	}
}

func (p *Proxy) AddDeathRecipient(recipient DeathRecipient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recipient = recipient
}

// Release closes the connection. Pending requests fail with ErrConnectionLost;
// the death recipient is not notified for a local release.
func (p *Proxy) Release() error {
	if !p.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	p.shutdown(ErrReleased)
	return nil
}

// Done is closed once the connection is gone, for whatever reason.
func (p *Proxy) Done() <-chan struct{} {
	return p.done
}

// recvLoop is the only reader of conn; frame boundaries require sequential reads.
func (p *Proxy) recvLoop() {
	for {
		header, body, err := protocol.Decode(p.conn)
		if err != nil {
			p.shutdown(err)
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeReply:
			if ch, ok := p.pending.LoadAndDelete(header.Seq); ok {
				ch.(chan response) <- response{status: header.Code, body: body}
			}
		case protocol.MsgTypeHeartbeat:
		default:
			p.logger.Warn("unexpected frame from server", zap.Uint8("type", uint8(header.MsgType)))
		}
	}
}

func (p *Proxy) shutdown(cause error) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.done)
	p.conn.Close()
	p.failPending()

	if p.released.Load() {
		return
	}
	p.logger.Info("remote object died", zap.Error(cause))
	p.mu.Lock()
	recipient := p.recipient
	p.mu.Unlock()
	if recipient != nil {
		recipient(ReasonDied)
	}
}

// failPending wakes every waiting caller so none blocks on a dead connection.
func (p *Proxy) failPending() {
	p.pending.Range(func(key, value any) bool {
		if _, ok := p.pending.LoadAndDelete(key); ok {
			value.(chan response) <- response{err: ErrConnectionLost}
		}
		return true
	})
}

// heartbeatLoop keeps idle connections alive and detects dead peers on write.
func (p *Proxy) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sending.Lock()
			err := protocol.Encode(p.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
			p.sending.Unlock()
			if err != nil {
				p.shutdown(err)
				return
			}
		}
	}
}
