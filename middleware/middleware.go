// Package middleware wraps Callee method handlers.
//
// Middlewares compose in onion order: Chain(A, B, C)(h) runs A.before, B.before,
// C.before, h, C.after, B.after, A.after. The Callee builds its chain once and
// runs every dispatch through it.
package middleware

import (
	"context"
	"errors"

	"mini-call/message"
)

var (
	ErrTimeout     = errors.New("handler timed out")
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrPanic       = errors.New("handler panicked")
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Result

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, applied in the order given.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
