// Package middleware wraps command dispatch with cross-cutting behavior.
//
// Middlewares compose in the onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"remote-ctrl/message"
)

// HandlerFunc turns one request packet into its reply.
type HandlerFunc func(ctx context.Context, req *message.Packet) *message.Packet

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
