package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"remote-ctrl/message"
)

// RetryPolicy decides whether a failed reply is worth another attempt.
type RetryPolicy func(req, reply *message.Packet) bool

// RetryMiddleware re-runs the handler with exponential backoff while retryable
// says so, up to maxRetries extra attempts. Only idempotent commands should
// be retried.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, retryable RetryPolicy, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) *message.Packet {
			reply := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !reply.IsFailure() || !retryable(req, reply) {
					return reply
				}
				logger.Info("retrying command",
					zap.Int("attempt", i+1),
					zap.String("op", req.Op),
					zap.String("error", reply.Error()))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return reply
				}
				reply = next(ctx, req)
			}
			return reply
		}
	}
}
