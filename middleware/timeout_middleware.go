package middleware

import (
	"context"
	"time"

	"remote-ctrl/message"
)

// TimeOutMiddleware answers with a failure reply when the handler takes longer
// than timeout. The handler is not interrupted: it keeps running against the
// device until it returns, so a device shared with later commands must
// serialize itself.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) *message.Packet {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Packet, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return message.Nak(req, "request timed out")
			}
		}
	}
}
