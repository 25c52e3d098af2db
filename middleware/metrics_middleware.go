package middleware

import (
	"context"
	"time"

	"mini-call/message"
	"mini-call/metrics"
)

func MetricsMiddleware(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Result {
			start := time.Now()
			result := next(ctx, req)
			m.DispatchDuration.WithLabelValues(req.Descriptor, req.Method).Observe(time.Since(start).Seconds())

			status := metrics.StatusSuccess
			if result.Failed() {
				status = metrics.StatusFailed
			}
			m.DispatchTotal.WithLabelValues(req.Descriptor, req.Method, status).Inc()
			return result
		}
	}
}
