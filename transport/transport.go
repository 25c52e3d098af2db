// Package transport provides the binder-style primitive the call layer runs on.
//
// A RemoteObject is a client-side reference to a stub living somewhere else
// (another process on the same device, or the same process). SendRequest moves a
// data parcel to the stub's OnRemoteRequest and fills the reply parcel with what
// the stub wrote. The transport never interprets parcel contents; request codes
// let several protocols share one stub.
//
// Two implementations are provided:
//
//   - LocalObject binds a Stub in the same process and calls it directly.
//   - Proxy talks to a stub hosted by server.Server over a socket connection.
package transport

import (
	"context"
	"errors"
	"time"

	"mini-call/parcel"
)

var (
	ErrReleased           = errors.New("transport: remote object released")
	ErrDead               = errors.New("transport: remote object is dead")
	ErrUnknownTransaction = errors.New("transport: request code not handled by stub")
	ErrUnknownDescriptor  = errors.New("transport: no stub registered under descriptor")
	ErrConnectionLost     = errors.New("transport: connection lost")
	ErrRemoteStatus       = errors.New("transport: remote returned error status")
	ErrShuttingDown       = errors.New("transport: remote is shutting down")
)

// ReasonDied is passed to death recipients when the peer goes away.
const ReasonDied = "died"

// DeathRecipient is notified once when the remote side tears down.
type DeathRecipient func(reason string)

// Option flags mirror binder message options.
const (
	FlagSync  byte = 0
	FlagAsync byte = 1 // one-way: no reply is produced or awaited
)

// Option controls a single SendRequest.
type Option struct {
	Flags    byte
	WaitTime time.Duration // zero means wait as long as ctx allows
}

// DefaultOption is a synchronous request with no transport-level timeout.
func DefaultOption() Option {
	return Option{Flags: FlagSync}
}

func (o Option) async() bool {
	return o.Flags&FlagAsync != 0
}

// RemoteObject is a reference to a remote stub.
type RemoteObject interface {
	Descriptor() string

	// SendRequest delivers data to the stub under code and, unless the option is
	// async, waits for the stub to fill reply. A non-nil error is a transport
	// failure: the stub did not handle the request or the peer was unreachable.
	// The caller keeps ownership of both parcels.
	SendRequest(ctx context.Context, code uint32, data, reply *parcel.Parcel, option Option) error

	// AddDeathRecipient sets the callback run when the peer dies. A later call
	// replaces the earlier recipient.
	AddDeathRecipient(recipient DeathRecipient)

	// Release drops this reference. A second Release returns ErrReleased.
	Release() error
}

// Stub is the receiving side of a RemoteObject.
type Stub interface {
	Descriptor() string

	// OnRemoteRequest handles one request. It returns false when code does not
	// belong to any protocol the stub speaks; the reply must then be untouched.
	OnRemoteRequest(ctx context.Context, code uint32, data, reply *parcel.Parcel, option Option) bool
}

func withWaitTime(ctx context.Context, option Option) (context.Context, context.CancelFunc) {
	if option.WaitTime > 0 {
		return context.WithTimeout(ctx, option.WaitTime)
	}
	return ctx, func() {}
}
