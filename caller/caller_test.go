package caller

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-call/callee"
	"mini-call/codec"
	"mini-call/metrics"
	"mini-call/parcel"
	"mini-call/transport"
)

func newCallee(t *testing.T) *callee.Callee {
	t.Helper()
	c := callee.New("test.callee")
	require.NoError(t, c.On("echo", func(ctx context.Context, data *parcel.Parcel) (any, error) {
		var in map[string]any
		if err := data.ReadStructured(&in); err != nil {
			return nil, err
		}
		return in, nil
	}))
	require.NoError(t, c.On("text", func(ctx context.Context, data *parcel.Parcel) (any, error) {
		return "not an object", nil
	}))
	return c
}

func newCaller(t *testing.T, opts ...Option) (*Caller, *parcel.Pool, *transport.LocalObject) {
	t.Helper()
	pool := parcel.NewPool(8, codec.CodecTypeJSON)
	remote := transport.NewLocalObject(newCallee(t), pool)
	return New(remote, append([]Option{WithPool(pool)}, opts...)...), pool, remote
}

// failingRemote reports a transport failure for every request.
type failingRemote struct {
	released bool
}

func (f *failingRemote) Descriptor() string { return "test.failing" }

func (f *failingRemote) SendRequest(ctx context.Context, code uint32, data, reply *parcel.Parcel, option transport.Option) error {
	return transport.ErrConnectionLost
}

func (f *failingRemote) AddDeathRecipient(recipient transport.DeathRecipient) {}

func (f *failingRemote) Release() error {
	f.released = true
	return nil
}

func TestCall(t *testing.T) {
	c, pool, _ := newCaller(t)

	require.NoError(t, c.Call(context.Background(), "echo", map[string]any{"x": 1}))
	assert.Zero(t, pool.Outstanding())
}

func TestCallWithResultRoundTrip(t *testing.T) {
	c, pool, _ := newCaller(t)

	reply, err := c.CallWithResult(context.Background(), "echo", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), pool.Outstanding(), "reply belongs to the invoker")

	var out map[string]any
	require.NoError(t, reply.ReadStructured(&out))
	assert.EqualValues(t, 1, out["x"])

	require.NoError(t, reply.Release())
	assert.Zero(t, pool.Outstanding())
}

func TestCallUnknownMethod(t *testing.T) {
	c, pool, _ := newCaller(t)

	err := c.Call(context.Background(), "ping", map[string]any{})
	require.ErrorIs(t, err, ErrRemoteExecutionFailed)
	assert.Zero(t, pool.Outstanding())

	_, err = c.CallWithResult(context.Background(), "ping", map[string]any{})
	require.ErrorIs(t, err, ErrRemoteExecutionFailed)
	assert.Zero(t, pool.Outstanding())
}

func TestCallAfterOff(t *testing.T) {
	pool := parcel.NewPool(8, codec.CodecTypeJSON)
	stub := newCallee(t)
	c := New(transport.NewLocalObject(stub, pool), WithPool(pool))

	require.NoError(t, c.Call(context.Background(), "echo", map[string]any{}))
	require.NoError(t, stub.Off("echo"))

	err := c.Call(context.Background(), "echo", map[string]any{})
	require.ErrorIs(t, err, ErrRemoteExecutionFailed)
	assert.Contains(t, err.Error(), "undefined")
	assert.Zero(t, pool.Outstanding())
}

func TestCallNonObjectResult(t *testing.T) {
	c, pool, _ := newCaller(t)

	_, err := c.CallWithResult(context.Background(), "text", map[string]any{})
	require.ErrorIs(t, err, ErrRemoteExecutionFailed)
	assert.Contains(t, err.Error(), "string")
	assert.Zero(t, pool.Outstanding())
}

func TestCallInvalidArgument(t *testing.T) {
	c, pool, _ := newCaller(t)
	var nilMap map[string]any

	tests := []struct {
		name   string
		method string
		data   any
	}{
		{"empty method", "", map[string]any{}},
		{"nil data", "echo", nil},
		{"nil map", "echo", nilMap},
		{"string data", "echo", "x"},
		{"number data", "echo", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, c.Call(context.Background(), tt.method, tt.data), ErrInvalidArgument)
			_, err := c.CallWithResult(context.Background(), tt.method, tt.data)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
	assert.Zero(t, pool.Allocated(), "validation happens before any parcel is taken")
}

func TestCallTransportError(t *testing.T) {
	pool := parcel.NewPool(8, codec.CodecTypeJSON)
	c := New(&failingRemote{}, WithPool(pool))

	err := c.Call(context.Background(), "echo", map[string]any{})
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, transport.ErrConnectionLost)

	_, err = c.CallWithResult(context.Background(), "echo", map[string]any{})
	require.ErrorIs(t, err, ErrTransport)

	assert.Zero(t, pool.Outstanding())
	assert.Equal(t, int64(4), pool.Released())
}

func TestRepeatedFailuresDoNotLeak(t *testing.T) {
	c, pool, _ := newCaller(t)

	for i := 0; i < 100; i++ {
		require.Error(t, c.Call(context.Background(), "ping", map[string]any{}))
	}
	assert.Zero(t, pool.Outstanding())
}

func TestRelease(t *testing.T) {
	remote := &failingRemote{}
	c := New(remote)

	require.NoError(t, c.Release())
	assert.True(t, remote.released)
	assert.True(t, c.Released())

	assert.ErrorIs(t, c.Release(), ErrAlreadyReleased)
	assert.ErrorIs(t, c.Call(context.Background(), "echo", map[string]any{}), ErrAlreadyReleased)
	_, err := c.CallWithResult(context.Background(), "echo", map[string]any{})
	assert.ErrorIs(t, err, ErrAlreadyReleased)
	assert.ErrorIs(t, c.OnRelease(func(string) {}), ErrAlreadyReleased)
}

func TestNilRemoteIsReleased(t *testing.T) {
	c := New(nil)

	assert.ErrorIs(t, c.Call(context.Background(), "echo", map[string]any{}), ErrAlreadyReleased)
	assert.ErrorIs(t, c.Release(), ErrAlreadyReleased)
}

func TestOnRelease(t *testing.T) {
	c, _, remote := newCaller(t)

	assert.ErrorIs(t, c.OnRelease(nil), ErrInvalidArgument)

	var (
		mu      sync.Mutex
		reasons []string
	)
	require.NoError(t, c.OnRelease(func(reason string) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, reason)
	}))

	remote.Kill()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{transport.ReasonDied}, reasons)

	err := c.Call(context.Background(), "echo", map[string]any{})
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, errors.Is(err, transport.ErrDead))
}

func TestOnReleaseNotFiredByLocalRelease(t *testing.T) {
	c, _, remote := newCaller(t)
	fired := false
	require.NoError(t, c.OnRelease(func(string) { fired = true }))

	require.NoError(t, c.Release())
	remote.Kill()
	assert.False(t, fired)
}

func TestMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c, _, _ := newCaller(t, WithMetrics(m))

	require.NoError(t, c.Call(context.Background(), "echo", map[string]any{}))
	require.Error(t, c.Call(context.Background(), "ping", map[string]any{}))
	require.Error(t, c.Call(context.Background(), "", map[string]any{}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("echo", modeCall, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("ping", modeCall, "remote_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("", modeCall, "invalid_argument")))
}

func TestConcurrentCalls(t *testing.T) {
	c, pool, _ := newCaller(t)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := c.CallWithResult(context.Background(), "echo", map[string]any{"i": i})
			if err != nil {
				errs <- err
				return
			}
			var out map[string]any
			if err := reply.ReadStructured(&out); err != nil {
				errs <- err
			}
			reply.Release()
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Zero(t, pool.Outstanding())
}
