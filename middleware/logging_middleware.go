package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-call/logging"
	"mini-call/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	logger = logging.OrNop(logger)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Result {
			start := time.Now()
			result := next(ctx, req)
			fields := []zap.Field{
				zap.String("descriptor", req.Descriptor),
				zap.String("method", req.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if result != nil && result.Err != nil {
				logger.Warn("call handler failed", append(fields, zap.Error(result.Err))...)
				return result
			}
			logger.Debug("call handled", fields...)
			return result
		}
	}
}
