package transport

import (
	"context"
	"sync"

	"mini-call/parcel"
)

// LocalObject is a RemoteObject bound to a stub in the same process. Requests
// call the stub directly on the caller's goroutine.
type LocalObject struct {
	stub Stub
	pool *parcel.Pool

	mu        sync.Mutex
	recipient DeathRecipient
	released  bool
	dead      bool
}

// NewLocalObject binds stub. One-way requests copy their data parcel from pool so
// the caller can release its own parcel immediately.
func NewLocalObject(stub Stub, pool *parcel.Pool) *LocalObject {
	if pool == nil {
		pool = parcel.Default
	}
	return &LocalObject{stub: stub, pool: pool}
}

func (o *LocalObject) Descriptor() string {
	return o.stub.Descriptor()
}

func (o *LocalObject) SendRequest(ctx context.Context, code uint32, data, reply *parcel.Parcel, option Option) error {
	if err := o.check(); err != nil {
		return err
	}
	ctx, cancel := withWaitTime(ctx, option)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return err
	}

	if option.async() {
		raw, err := data.Bytes()
		if err != nil {
			return err
		}
		in := o.pool.FromBytes(raw)
		out := o.pool.Get()
		go func() {
			defer in.Release()
			defer out.Release()
			o.stub.OnRemoteRequest(context.Background(), code, in, out, option)
		}()
		return nil
	}

	if !o.stub.OnRemoteRequest(ctx, code, data, reply, option) {
		return ErrUnknownTransaction
	}
	return nil
}

func (o *LocalObject) AddDeathRecipient(recipient DeathRecipient) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recipient = recipient
}

func (o *LocalObject) Release() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return ErrReleased
	}
	o.released = true
	return nil
}

// Kill marks the stub dead and notifies the death recipient, as the peer
// process exiting would.
func (o *LocalObject) Kill() {
	o.mu.Lock()
	if o.dead {
		o.mu.Unlock()
		return
	}
	o.dead = true
	recipient := o.recipient
	notify := !o.released
	o.mu.Unlock()

	if notify && recipient != nil {
		recipient(ReasonDied)
	}
}

func (o *LocalObject) check() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return ErrReleased
	}
	if o.dead {
		return ErrDead
	}
	return nil
}
