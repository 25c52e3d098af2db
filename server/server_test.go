package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-call/callee"
	"mini-call/parcel"
	"mini-call/protocol"
	"mini-call/registry"
)

type args struct {
	A int `json:"a"`
	B int `json:"b"`
}

type sum struct {
	Result int `json:"result"`
}

func newArith(t *testing.T) *callee.Callee {
	t.Helper()
	c := callee.New("test.arith")
	require.NoError(t, c.On("sum", func(ctx context.Context, data *parcel.Parcel) (any, error) {
		var in args
		if err := data.ReadStructured(&in); err != nil {
			return nil, err
		}
		return &sum{Result: in.A + in.B}, nil
	}))
	return c
}

// startServer serves on a unix socket in a temp dir and returns its path.
func startServer(t *testing.T, svr *Server) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- svr.Serve(ln) }()
	t.Cleanup(func() {
		svr.Shutdown(time.Second)
		assert.NoError(t, <-served)
	})
	return path
}

func dialAttached(t *testing.T, path, descriptor string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeAttach}, []byte(descriptor)))
	header, _, err := protocol.Decode(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgTypeAttachAck, header.MsgType)
	require.Equal(t, protocol.StatusOK, header.Code)
	return conn
}

func callBody(t *testing.T, method string, payload any) []byte {
	t.Helper()
	p := parcel.New()
	defer p.Release()
	require.NoError(t, p.WriteString(method))
	require.NoError(t, p.WriteStructured(payload))
	body, err := p.Bytes()
	require.NoError(t, err)
	return body
}

func TestServer(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(newArith(t)))
	path := startServer(t, svr)
	conn := dialAttached(t, path, "test.arith")

	body := callBody(t, "sum", &args{A: 1, B: 2})
	require.NoError(t, protocol.Encode(conn, &protocol.Header{
		MsgType: protocol.MsgTypeRequest,
		Seq:     123,
		Code:    protocol.EventCallNotify,
	}, body))

	header, replyBody, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeReply, header.MsgType)
	assert.Equal(t, uint32(123), header.Seq)
	assert.Equal(t, protocol.StatusOK, header.Code)

	reply := parcel.Default.FromBytes(replyBody)
	defer reply.Release()
	status, err := reply.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, protocol.RequestSuccess, status)
	tag, err := reply.ReadString()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeTagObject, tag)
	var out sum
	require.NoError(t, reply.ReadStructured(&out))
	assert.Equal(t, 3, out.Result)
}

func TestRegisterDuplicate(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(newArith(t)))
	assert.ErrorIs(t, svr.Register(newArith(t)), ErrDuplicateDescriptor)
	assert.Equal(t, []string{"test.arith"}, svr.Descriptors())
}

func TestAttachUnknownDescriptor(t *testing.T) {
	svr := NewServer()
	path := startServer(t, svr)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeAttach}, []byte("missing")))
	header, _, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeAttachAck, header.MsgType)
	assert.Equal(t, protocol.StatusUnknownDescriptor, header.Code)

	// the server drops the connection afterwards
	_, _, err = protocol.Decode(conn)
	assert.Error(t, err)
}

func TestRequestBeforeAttach(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(newArith(t)))
	path := startServer(t, svr)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: 9, Code: protocol.EventCallNotify}, nil))
	header, _, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), header.Seq)
	assert.Equal(t, protocol.StatusNotAttached, header.Code)
}

func TestUnknownTransaction(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(newArith(t)))
	path := startServer(t, svr)
	conn := dialAttached(t, path, "test.arith")

	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: 1, Code: 42}, callBody(t, "sum", &args{})))
	header, body, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusUnknownTransaction, header.Code)
	assert.Empty(t, body)
}

func TestHeartbeatIsIgnored(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(newArith(t)))
	path := startServer(t, svr)
	conn := dialAttached(t, path, "test.arith")

	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil))
	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: 2, Code: protocol.EventCallNotify}, callBody(t, "sum", &args{A: 2, B: 2})))

	header, _, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeReply, header.MsgType)
	assert.Equal(t, uint32(2), header.Seq)
}

func TestAsyncRequestGetsNoReply(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(newArith(t)))
	path := startServer(t, svr)
	conn := dialAttached(t, path, "test.arith")

	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeRequest, Flags: 1, Seq: 1, Code: protocol.EventCallNotify}, callBody(t, "sum", &args{})))
	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: 2, Code: protocol.EventCallNotify}, callBody(t, "sum", &args{})))

	header, _, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), header.Seq, "only the synchronous request is answered")
}

func TestAdvertiseAndShutdown(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer()
	require.NoError(t, svr.Register(newArith(t)))

	path := filepath.Join(t.TempDir(), "server.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- svr.Serve(ln) }()

	endpoint := registry.Endpoint{Network: "unix", Addr: path}
	require.NoError(t, svr.Advertise(context.Background(), reg, endpoint, 10))

	endpoints, err := reg.Discover(context.Background(), "test.arith")
	require.NoError(t, err)
	assert.Equal(t, []registry.Endpoint{endpoint}, endpoints)

	conn := dialAttached(t, path, "test.arith")

	require.NoError(t, svr.Shutdown(time.Second))
	require.NoError(t, <-served)

	endpoints, err = reg.Discover(context.Background(), "test.arith")
	require.NoError(t, err)
	assert.Empty(t, endpoints)

	// open connections are closed
	_, _, err = protocol.Decode(conn)
	assert.Error(t, err)
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	c := callee.New("test.slow")
	started := make(chan struct{})
	require.NoError(t, c.On("slow", func(ctx context.Context, data *parcel.Parcel) (any, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return &sum{Result: 1}, nil
	}))
	svr := NewServer()
	require.NoError(t, svr.Register(c))

	path := filepath.Join(t.TempDir(), "server.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	go svr.Serve(ln)

	conn := dialAttached(t, path, "test.slow")
	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: 1, Code: protocol.EventCallNotify}, callBody(t, "slow", &args{})))

	replies := make(chan *protocol.Header, 1)
	go func() {
		header, _, err := protocol.Decode(conn)
		if err == nil {
			replies <- header
		}
		close(replies)
	}()

	<-started
	require.NoError(t, svr.Shutdown(time.Second))

	header, ok := <-replies
	require.True(t, ok, "in-flight request must be answered before connections close")
	assert.Equal(t, uint32(1), header.Seq)
}

func TestShutdownTimeout(t *testing.T) {
	c := callee.New("test.stuck")
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	require.NoError(t, c.On("stuck", func(ctx context.Context, data *parcel.Parcel) (any, error) {
		close(started)
		<-release
		return &sum{}, nil
	}))
	svr := NewServer()
	require.NoError(t, svr.Register(c))

	path := filepath.Join(t.TempDir(), "server.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	go svr.Serve(ln)

	conn := dialAttached(t, path, "test.stuck")
	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: 1, Code: protocol.EventCallNotify}, callBody(t, "stuck", &args{})))
	<-started

	assert.Error(t, svr.Shutdown(50*time.Millisecond))
}

func TestRequestDuringShutdownIsRefused(t *testing.T) {
	c := callee.New("test.stuck")
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, c.On("stuck", func(ctx context.Context, data *parcel.Parcel) (any, error) {
		close(started)
		<-release
		return &sum{}, nil
	}))
	require.NoError(t, c.On("sum", func(ctx context.Context, data *parcel.Parcel) (any, error) {
		return &sum{Result: 1}, nil
	}))
	svr := NewServer()
	require.NoError(t, svr.Register(c))

	path := filepath.Join(t.TempDir(), "server.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	go svr.Serve(ln)

	conn := dialAttached(t, path, "test.stuck")
	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: 1, Code: protocol.EventCallNotify}, callBody(t, "stuck", &args{})))
	<-started

	shutdown := make(chan error, 1)
	go func() { shutdown <- svr.Shutdown(2 * time.Second) }()
	require.Eventually(t, svr.shutdown.Load, time.Second, 5*time.Millisecond)

	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: 2, Code: protocol.EventCallNotify}, callBody(t, "sum", &args{})))
	header, body, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeReply, header.MsgType)
	assert.Equal(t, uint32(2), header.Seq)
	assert.Equal(t, protocol.StatusShuttingDown, header.Code)
	assert.Empty(t, body)

	close(release)
	assert.NoError(t, <-shutdown)
}

func TestListenAndServeRemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")
	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	// Closing a unix listener removes the file; leave one behind the way a
	// crashed process would.
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	stale.Close()

	svr := NewServer()
	require.NoError(t, svr.Register(newArith(t)))
	served := make(chan error, 1)
	go func() { served <- svr.ListenAndServe("unix", path) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, svr.Shutdown(time.Second))
	require.NoError(t, <-served)
}
