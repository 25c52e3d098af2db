package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mini-call/logging"
	"mini-call/message"
)

// RecoveryMiddleware turns a handler panic into a failed result. A dispatch must
// always produce a reply; a panic would otherwise take down the hosting process.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	logger = logging.OrNop(logger)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (result *message.Result) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("call handler panicked",
						zap.String("descriptor", req.Descriptor),
						zap.String("method", req.Method),
						zap.Any("panic", r),
						zap.Stack("stack"),
					)
					result = &message.Result{Err: fmt.Errorf("%w: %v", ErrPanic, r)}
				}
			}()
			return next(ctx, req)
		}
	}
}
