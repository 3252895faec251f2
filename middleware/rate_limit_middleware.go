package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"remote-ctrl/message"
)

// RateLimitMiddleware rejects commands beyond a token bucket of r per second
// with the given burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) *message.Packet {
			if !limiter.Allow() {
				return message.Nak(req, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
