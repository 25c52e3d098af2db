// Package server hosts transport stubs behind a socket listener.
//
// Connection lifecycle:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → first frame must be Attach{descriptor} → AttachAck{status}
//	  → for each request: go handleRequest (parallel processing)
//	    → parcel from body → Stub.OnRemoteRequest → Reply{seq, status, reply parcel}
//
// Every connection is bound to exactly one stub; transport.Proxy dials one
// connection per remote object.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-call/logging"
	"mini-call/parcel"
	"mini-call/protocol"
	"mini-call/registry"
	"mini-call/transport"
)

var ErrDuplicateDescriptor = errors.New("server: descriptor already registered")

// deregisterTimeout bounds registry cleanup during Shutdown.
const deregisterTimeout = 3 * time.Second

// Server hosts stubs and serves Proxy connections to them.
type Server struct {
	logger *zap.Logger
	pool   *parcel.Pool

	mu    sync.RWMutex
	stubs map[string]transport.Stub // descriptor → stub

	listener net.Listener
	wg       sync.WaitGroup // in-flight requests, for graceful shutdown
	shutdown atomic.Bool    // set before the listener closes, so Accept errors are expected

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	// Set by Advertise. Endpoint address may differ from the listen address
	// (":8080" listens, "10.0.0.5:8080" is routable).
	registry registry.Registry
	endpoint registry.Endpoint
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithPool sets the pool request and reply parcels come from.
func WithPool(pool *parcel.Pool) Option {
	return func(s *Server) { s.pool = pool }
}

// NewServer creates a server with no stubs.
func NewServer(opts ...Option) *Server {
	s := &Server{
		stubs: make(map[string]transport.Stub),
		conns: make(map[net.Conn]struct{}),
		pool:  parcel.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	return s
}

// Register makes stub reachable under its descriptor.
func (s *Server) Register(stub transport.Stub) error {
	descriptor := stub.Descriptor()
	if descriptor == "" {
		return fmt.Errorf("server: empty descriptor")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stubs[descriptor]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateDescriptor, descriptor)
	}
	s.stubs[descriptor] = stub
	s.logger.Info("stub registered", zap.String("descriptor", descriptor))
	return nil
}

// Descriptors lists the registered descriptors.
func (s *Server) Descriptors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.stubs))
	for d := range s.stubs {
		out = append(out, d)
	}
	return out
}

func (s *Server) lookup(descriptor string) (transport.Stub, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stub, ok := s.stubs[descriptor]
	return stub, ok
}

// ListenAndServe listens on network/address and serves. A stale unix socket
// file left by a previous process is removed first.
func (s *Server) ListenAndServe(network, address string) error {
	if network == "unix" {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("server: removing stale socket: %w", err)
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// graceful shutdown and the Accept error otherwise.
func (s *Server) Serve(ln net.Listener) error {
	s.connMu.Lock()
	s.listener = ln
	s.connMu.Unlock()
	if s.shutdown.Load() {
		ln.Close()
		return nil
	}
	s.logger.Info("serving", zap.String("network", ln.Addr().Network()), zap.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Advertise registers every hosted descriptor under endpoint. Shutdown
// deregisters them again.
func (s *Server) Advertise(ctx context.Context, reg registry.Registry, endpoint registry.Endpoint, ttl int64) error {
	s.registry = reg
	s.endpoint = endpoint
	for _, descriptor := range s.Descriptors() {
		if err := reg.Register(ctx, descriptor, endpoint, ttl); err != nil {
			return fmt.Errorf("server: advertising %q: %w", descriptor, err)
		}
		s.logger.Info("descriptor advertised", zap.String("descriptor", descriptor), zap.String("addr", endpoint.Addr))
	}
	return nil
}

func (s *Server) trackConn(conn net.Conn, add bool) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		if s.shutdown.Load() {
			return false
		}
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	return true
}

// handleConn reads frames sequentially and dispatches each request to its own
// goroutine. Replies share the per-connection write lock so frames never
// interleave.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	if !s.trackConn(conn, true) {
		return
	}
	defer s.trackConn(conn, false)

	writeMu := &sync.Mutex{}
	stub, ok := s.attach(conn, writeMu)
	if !ok {
		return
	}

	// Handlers observe cancellation when the client goes away.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := s.logger.With(zap.String("descriptor", stub.Descriptor()))
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			logger.Debug("connection closed", zap.Error(err))
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeRequest:
			if !s.beginRequest() {
				if header.Flags&transport.FlagAsync == 0 {
					s.writeReply(conn, writeMu, header.Seq, protocol.StatusShuttingDown, nil)
				}
				continue
			}
			go s.handleRequest(ctx, stub, header, body, conn, writeMu)
		default:
			logger.Warn("unexpected frame", zap.Uint8("type", uint8(header.MsgType)))
		}
	}
}

// beginRequest counts a request as in flight unless Shutdown has started. The
// flag and the counter change under connMu, so no Add races Shutdown's Wait.
func (s *Server) beginRequest() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

// attach reads the Attach frame and answers it. A request sent before
// attaching is answered with StatusNotAttached and the connection dropped.
func (s *Server) attach(conn net.Conn, writeMu *sync.Mutex) (transport.Stub, bool) {
	header, body, err := protocol.Decode(conn)
	if err != nil {
		return nil, false
	}

	if header.MsgType != protocol.MsgTypeAttach {
		if header.MsgType == protocol.MsgTypeRequest {
			s.writeReply(conn, writeMu, header.Seq, protocol.StatusNotAttached, nil)
		}
		return nil, false
	}

	descriptor := string(body)
	stub, ok := s.lookup(descriptor)
	status := protocol.StatusOK
	if !ok {
		status = protocol.StatusUnknownDescriptor
		s.logger.Warn("attach to unknown descriptor", zap.String("descriptor", descriptor))
	}
	writeMu.Lock()
	err = protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeAttachAck, Code: status}, nil)
	writeMu.Unlock()
	if err != nil || !ok {
		return nil, false
	}
	return stub, true
}

func (s *Server) handleRequest(ctx context.Context, stub transport.Stub, header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer s.wg.Done()

	data := s.pool.FromBytes(body)
	defer data.Release()
	reply := s.pool.Get()
	defer reply.Release()

	option := transport.Option{Flags: header.Flags}
	handled := stub.OnRemoteRequest(ctx, header.Code, data, reply, option)
	if header.Flags&transport.FlagAsync != 0 {
		return
	}

	if !handled {
		s.writeReply(conn, writeMu, header.Seq, protocol.StatusUnknownTransaction, nil)
		return
	}
	out, err := reply.Bytes()
	if err != nil {
		s.logger.Error("reading reply parcel failed", zap.Error(err))
		s.writeReply(conn, writeMu, header.Seq, protocol.StatusBadParcel, nil)
		return
	}
	s.writeReply(conn, writeMu, header.Seq, protocol.StatusOK, out)
}

// writeReply keeps the request's seq so the Proxy can match it.
func (s *Server) writeReply(conn net.Conn, writeMu *sync.Mutex, seq, status uint32, body []byte) {
	writeMu.Lock()
	defer writeMu.Unlock()
	err := protocol.Encode(conn, &protocol.Header{
		MsgType: protocol.MsgTypeReply,
		Seq:     seq,
		Code:    status,
	}, body)
	if err != nil {
		s.logger.Debug("writing reply failed", zap.Uint32("seq", seq), zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister advertised descriptors (clients stop routing here)
//  2. Set the shutdown flag, then close the listener
//  3. Wait for in-flight requests, up to timeout
//  4. Close remaining connections, which Proxies observe as peer death
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
		for _, descriptor := range s.Descriptors() {
			if err := s.registry.Deregister(ctx, descriptor, s.endpoint.Addr); err != nil {
				s.logger.Warn("deregister failed", zap.String("descriptor", descriptor), zap.Error(err))
			}
		}
		cancel()
	}

	// Flag first: if the listener closed before the flag was set, Serve would
	// report the Accept error as a failure.
	s.connMu.Lock()
	s.shutdown.Store(true)
	ln := s.listener
	s.connMu.Unlock()
	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("server: timeout waiting for in-flight requests")
	}

	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()
	return err
}
