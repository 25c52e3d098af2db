package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-call/message"
)

// RateLimitMiddleware rejects dispatches beyond r per second (token bucket with
// the given burst). Rejected calls reply RequestFailed without running the handler.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Result {
			if !limiter.Allow() {
				return &message.Result{Err: ErrRateLimited}
			}
			return next(ctx, req)
		}
	}
}
