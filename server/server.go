// Package server implements the device-control server: it accepts operator
// consoles over TCP, answers protocol-level requests itself and routes commands
// through a middleware chain to a per-connection dispatcher.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (one goroutine per connection)
//	  → read with short deadline → drain every complete packet in the buffer
//	    → BYE | PING | LSCONN answered here
//	    → anything else: Middleware Chain → Dispatcher.Dispatch → write reply
//
// Commands of one connection run one after another on that connection's
// goroutine, so a dispatcher and its device are never used concurrently by the
// protocol layer.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"remote-ctrl/command"
	"remote-ctrl/message"
	"remote-ctrl/middleware"
	"remote-ctrl/registry"
)

// Dispatcher answers command packets for one connection.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *message.Packet) *message.Packet
}

// DispatcherFactory builds the dispatcher of a newly accepted peer.
type DispatcherFactory func(peer string) (Dispatcher, error)

// Controllers returns a factory that gives every connection its own
// command.Controller over the shared registry, driving the device returned by
// newDevice.
func Controllers[D any](reg *command.Registry[D], newDevice func(peer string) (D, error), opts ...command.ControllerOption) DispatcherFactory {
	return func(peer string) (Dispatcher, error) {
		dev, err := newDevice(peer)
		if err != nil {
			return nil, err
		}
		return command.NewController(reg, dev, opts...), nil
	}
}

// Server is the device-control server.
type Server struct {
	opts        options
	roster      *Roster
	middlewares []middleware.Middleware // Applied in order
	chain       middleware.Middleware   // Built once when serving starts
	metrics     *serverMetrics

	mu            sync.Mutex
	listener      net.Listener
	registry      registry.Registry // nil if not using discovery
	advertiseAddr string            // Address registered for discovery, e.g. "10.0.0.5:8372"

	conns    sync.WaitGroup // Tracks open connections for graceful shutdown
	shutdown atomic.Bool    // Set during shutdown to suppress Accept errors
	quit     chan struct{}  // Closed on shutdown; connections observe it between reads
}

type serverMetrics struct {
	active  prometheus.Gauge
	packets *prometheus.CounterVec
}

// NewServer creates a server with an empty roster.
func NewServer(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	factory := promauto.With(o.registerer)
	return &Server{
		opts:   o,
		roster: NewRoster(),
		quit:   make(chan struct{}),
		metrics: &serverMetrics{
			active: factory.NewGauge(prometheus.GaugeOpts{
				Namespace: "remotectrl",
				Subsystem: "server",
				Name:      "connections_active",
				Help:      "Number of connected consoles",
			}),
			packets: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "remotectrl",
				Subsystem: "server",
				Name:      "packets_total",
				Help:      "Packets received by decode result",
			}, []string{"result"}),
		},
	}
}

// Use registers a middleware. Middlewares are applied in the order they are added.
// It must be called before serving starts.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Roster returns the set of connected peers.
func (svr *Server) Roster() *Roster {
	return svr.roster
}

// Addr returns the listening address, or nil before serving starts.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Serve listens on address, optionally announces the device to reg, and
// enters the Accept loop.
//
// advertiseAddr is the address registered for discovery (e.g. "10.0.0.5:8372");
// it differs from the listen address because ":8372" is not routable. Pass a nil
// reg to skip discovery.
func (svr *Server) Serve(network, address, advertiseAddr string, reg registry.Registry, newDispatcher DispatcherFactory) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}

	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := reg.Register(ctx, svr.opts.device, registry.Instance{Addr: advertiseAddr, Weight: 1}, svr.opts.registerTTL)
		cancel()
		if err != nil {
			listener.Close()
			return fmt.Errorf("register %s at %s: %w", svr.opts.device, advertiseAddr, err)
		}
		svr.mu.Lock()
		svr.registry = reg
		svr.advertiseAddr = advertiseAddr
		svr.mu.Unlock()
	}

	return svr.ServeListener(listener, newDispatcher)
}

// ServeListener runs the Accept loop on an existing listener, one goroutine
// per connection. It returns nil after Shutdown.
func (svr *Server) ServeListener(listener net.Listener, newDispatcher DispatcherFactory) error {
	svr.mu.Lock()
	svr.listener = listener
	// Build the middleware chain once, not per connection
	svr.chain = middleware.Chain(svr.middlewares...)
	svr.mu.Unlock()

	svr.opts.logger.Info("serving", zap.String("addr", listener.Addr().String()), zap.String("device", svr.opts.device))

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Closing the listener during shutdown makes Accept fail;
			// the flag tells that apart from a real error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		// Shutdown may have begun while Accept was returning. Checking under
		// mu orders the Add before Shutdown waits, or drops the connection.
		svr.mu.Lock()
		if svr.shutdown.Load() {
			svr.mu.Unlock()
			conn.Close()
			return nil
		}
		svr.conns.Add(1)
		svr.mu.Unlock()
		go svr.handleConn(conn, newDispatcher)
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister from discovery (consoles stop finding this server)
//  2. Set the shutdown flag and close the listener
//  3. Ask every connection to close and wait for them (with timeout)
func (svr *Server) Shutdown(timeout time.Duration) error {
	if !svr.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	svr.mu.Lock()
	reg, addr, listener := svr.registry, svr.advertiseAddr, svr.listener
	svr.mu.Unlock()

	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := reg.Deregister(ctx, svr.opts.device, addr); err != nil {
			svr.opts.logger.Warn("deregister", zap.Error(err))
		}
		cancel()
	}

	close(svr.quit)
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout waiting for connections to close")
	}
}
