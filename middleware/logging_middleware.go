package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"remote-ctrl/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) *message.Packet {
			start := time.Now()
			reply := next(ctx, req)
			fields := []zap.Field{
				zap.String("op", req.Op),
				zap.String("seq", req.Seq),
				zap.Duration("duration", time.Since(start)),
			}
			if reply.IsFailure() {
				logger.Warn("command rejected", append(fields, zap.String("error", reply.Error()))...)
			} else {
				logger.Debug("command handled", fields...)
			}
			return reply
		}
	}
}
