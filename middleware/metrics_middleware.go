package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"remote-ctrl/message"
)

// MetricsMiddleware counts dispatched commands by op and outcome and observes
// their duration. Collectors are registered with reg, so each registry may be
// used by one MetricsMiddleware only.
func MetricsMiddleware(reg prometheus.Registerer) Middleware {
	factory := promauto.With(reg)
	total := factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remotectrl",
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Total number of dispatched commands",
		},
		[]string{"op", "result"},
	)
	duration := factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "remotectrl",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Command dispatch duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"op"},
	)

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) *message.Packet {
			start := time.Now()
			reply := next(ctx, req)
			result := "ok"
			if reply.IsFailure() {
				result = "error"
			}
			total.WithLabelValues(req.Op, result).Inc()
			duration.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())
			return reply
		}
	}
}
