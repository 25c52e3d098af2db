// Package message defines the envelope passed through a Callee's handler chain.
//
// Request is built by the Callee once the request code has been validated and
// the method name read from the inbound parcel. Result is what a handler (and
// every middleware around it) produces; the Callee frames it into the reply
// parcel afterwards.
package message

import "mini-call/parcel"

// Request carries one call-notify dispatch.
//
// Data is positioned just after the method name, so the handler reads its
// payload directly. Data stays owned by the transport.
type Request struct {
	Descriptor string         // Descriptor of the Callee receiving the call
	Method     string         // Registered method name, e.g. "echo"
	Data       *parcel.Parcel // Inbound parcel, remaining fields are the payload
}

// Result is the outcome of a handler.
//
//   - Value is written to the reply when it is an object (see parcel.IsObject).
//   - Err non-nil marks the call as failed regardless of Value.
type Result struct {
	Value any
	Err   error
}

// Failed reports whether the result will be framed as RequestFailed.
func (r *Result) Failed() bool {
	return r == nil || r.Err != nil || !parcel.IsObject(r.Value)
}
