package middleware

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"remote-ctrl/message"
)

// Replies with an ACK echoing the request seq
func echoHandler(ctx context.Context, req *message.Packet) *message.Packet {
	return message.Ack(req, map[string]any{"data": "ok"})
}

// Sleeps 200ms before replying
func slowHandler(ctx context.Context, req *message.Packet) *message.Packet {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

func failingHandler(ctx context.Context, req *message.Packet) *message.Packet {
	return message.Nak(req, "error executing the command")
}

func testRequest() *message.Packet {
	return &message.Packet{Op: "get_duration", Seq: "11"}
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(zap.NewNop())(echoHandler)

	reply := handler(context.Background(), testRequest())
	require.NotNil(t, reply)
	data, _ := reply.Field("data")
	assert.Equal(t, "ok", data)

	reply = LoggingMiddleware(zap.NewNop())(failingHandler)(context.Background(), testRequest())
	assert.True(t, reply.IsFailure())
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)
	reply := handler(context.Background(), testRequest())
	assert.False(t, reply.IsFailure())
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)
	reply := handler(context.Background(), testRequest())
	assert.Equal(t, "request timed out", reply.Error())
	assert.Equal(t, "11", reply.Seq)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		reply := handler(context.Background(), testRequest())
		require.False(t, reply.IsFailure(), "request %d should pass", i)
	}

	reply := handler(context.Background(), testRequest())
	assert.Equal(t, "rate limit exceeded", reply.Error())
	assert.Equal(t, "11", reply.Seq)
}

func TestRetry(t *testing.T) {
	var attempts atomic.Int32
	flaky := func(ctx context.Context, req *message.Packet) *message.Packet {
		if attempts.Add(1) < 3 {
			return failingHandler(ctx, req)
		}
		return echoHandler(ctx, req)
	}
	always := func(req, reply *message.Packet) bool { return true }

	reply := RetryMiddleware(3, time.Millisecond, always, zap.NewNop())(flaky)(context.Background(), testRequest())
	assert.False(t, reply.IsFailure())
	assert.EqualValues(t, 3, attempts.Load())
}

func TestRetryGivesUp(t *testing.T) {
	var attempts atomic.Int32
	handler := func(ctx context.Context, req *message.Packet) *message.Packet {
		attempts.Add(1)
		return failingHandler(ctx, req)
	}

	never := func(req, reply *message.Packet) bool { return false }
	reply := RetryMiddleware(3, time.Millisecond, never, zap.NewNop())(handler)(context.Background(), testRequest())
	assert.True(t, reply.IsFailure())
	assert.EqualValues(t, 1, attempts.Load())

	attempts.Store(0)
	always := func(req, reply *message.Packet) bool { return true }
	reply = RetryMiddleware(2, time.Millisecond, always, zap.NewNop())(handler)(context.Background(), testRequest())
	assert.True(t, reply.IsFailure())
	assert.EqualValues(t, 3, attempts.Load())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw := MetricsMiddleware(reg)

	mw(echoHandler)(context.Background(), testRequest())
	mw(echoHandler)(context.Background(), testRequest())
	mw(failingHandler)(context.Background(), testRequest())

	expected := `
# HELP remotectrl_dispatch_total Total number of dispatched commands
# TYPE remotectrl_dispatch_total counter
remotectrl_dispatch_total{op="get_duration",result="error"} 1
remotectrl_dispatch_total{op="get_duration",result="ok"} 2
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "remotectrl_dispatch_total")
	assert.NoError(t, err)
}

func TestChain(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Packet) *message.Packet {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	chained := Chain(tag("a"), LoggingMiddleware(zap.NewNop()), tag("b"), TimeOutMiddleware(500*time.Millisecond))
	reply := chained(echoHandler)(context.Background(), testRequest())

	require.NotNil(t, reply)
	assert.False(t, reply.IsFailure())
	assert.Equal(t, []string{"a", "b"}, order)
}
