package middleware

import (
	"context"
	"fmt"
	"time"

	"mini-call/message"
)

// TimeoutMiddleware fails a dispatch whose handler runs longer than timeout.
// The handler keeps running in the background with a cancelled context; it must
// not touch req.Data after ctx is done since the reply may already be framed.
//
// The handler runs on its own goroutine, out of reach of an outer
// RecoveryMiddleware, so a panic there is recovered here and reported as
// ErrPanic.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Result {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Result, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- &message.Result{Err: fmt.Errorf("%w: %v", ErrPanic, r)}
					}
				}()
				done <- next(ctx, req)
			}()

			select {
			case result := <-done:
				return result
			case <-ctx.Done():
				return &message.Result{Err: ErrTimeout}
			}
		}
	}
}
