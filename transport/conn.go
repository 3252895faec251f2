// Package transport implements the console side of a device-control connection.
//
// A Conn owns one TCP socket and multiplexes any number of outstanding
// requests over it. Every request gets a fresh sequence id, and a single
// reader goroutine (run) routes each reply to the callbacks registered for
// its seq:
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	run:  ←── ACK(seq=2) → pending["2"].onSuccess
//
// Requests that get no reply in time are resolved by CheckTimeouts, which the
// owner of the Conn calls periodically. Each request is resolved exactly once.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"remote-ctrl/message"
	"remote-ctrl/protocol"
)

// DefaultTTL is used by Send when no positive ttl is given.
const DefaultTTL = 5 * time.Second

// ErrFailed is wrapped by every error reported through Err.
var ErrFailed = errors.New("connection failed")

// State is the lifecycle state of a Conn.
type State int32

const (
	Inactive State = iota // Not connected yet, or closed cleanly
	Active                // Connected and reading
	Failed                // Closed because of an error, see Err
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options configure a Conn.
type Options struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration // Read deadline of the reader loop; bounds how late Stop is noticed
	WriteTimeout time.Duration
	KeepAlive    time.Duration // PING interval, 0 disables keep-alive
	BufferSize   int
	Logger       *zap.Logger

	// OnUnsolicited receives packets whose seq matches no pending request,
	// including late replies to requests that already timed out.
	OnUnsolicited func(*message.Packet)
}

func DefaultOptions() *Options {
	return &Options{
		DialTimeout:  5 * time.Second,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		BufferSize:   4096,
		Logger:       zap.NewNop(),
	}
}

// Conn is a client connection actor. All methods are safe for concurrent use.
type Conn struct {
	addr    string
	opts    Options
	logger  *zap.Logger
	seq     atomic.Uint64
	pending *pendingTable
	state   atomic.Int32

	wmu   sync.Mutex // Serializes writes so records never interleave
	conn  net.Conn   // nil until connected and after run returns
	queue [][]byte   // Encoded packets not written yet

	errMu sync.Mutex
	err   error

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewConn creates an unstarted connection to addr. A nil opts means
// DefaultOptions; zero fields are filled from the defaults.
func NewConn(addr string, opts *Options) *Conn {
	o := *DefaultOptions()
	if opts != nil {
		if opts.DialTimeout > 0 {
			o.DialTimeout = opts.DialTimeout
		}
		if opts.ReadTimeout > 0 {
			o.ReadTimeout = opts.ReadTimeout
		}
		if opts.WriteTimeout > 0 {
			o.WriteTimeout = opts.WriteTimeout
		}
		if opts.BufferSize > 0 {
			o.BufferSize = opts.BufferSize
		}
		if opts.Logger != nil {
			o.Logger = opts.Logger
		}
		o.KeepAlive = opts.KeepAlive
		o.OnUnsolicited = opts.OnUnsolicited
	}
	return &Conn{
		addr:    addr,
		opts:    o,
		logger:  o.Logger.With(zap.String("server", addr)),
		pending: newPendingTable(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *Conn) Addr() string { return c.addr }

// Start connects in the background. Packets sent before the connection is up
// are queued and written once it is.
func (c *Conn) Start() {
	c.startOnce.Do(func() { go c.run() })
}

// Stop asks the connection to say BYE and close. It does not wait.
func (c *Conn) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Done is closed when the connection has shut down and every pending request
// has been resolved.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Wait blocks until Done is closed.
func (c *Conn) Wait() { <-c.done }

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) IsActive() bool { return c.State() == Active }

// Err returns why the connection failed, or nil.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Pending returns the number of requests awaiting a reply.
func (c *Conn) Pending() int { return c.pending.len() }

// Send assigns p the next seq and sends a copy of it, returning the seq.
// Exactly one of onSuccess or onTimeout will be called for it: onSuccess with
// the reply, or onTimeout when ttl passes (see CheckTimeouts) or the
// connection goes away first. Either may be nil.
//
// Send never waits for the connection to come up. Flushing the queue is bounded
// by one write deadline, after any write already in progress has finished.
func (c *Conn) Send(p *message.Packet, onSuccess func(*message.Packet), onTimeout func(), ttl time.Duration) string {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	req := *p
	req.Seq = strconv.FormatUint(c.seq.Add(1), 10)
	r := &request{onSuccess: onSuccess, onTimeout: onTimeout, deadline: time.Now().Add(ttl)}

	data, err := protocol.Encode(&req)
	if err != nil {
		c.logger.Error("cannot encode packet", zap.String("op", req.Op), zap.Error(err))
		r.timedOut()
		return req.Seq
	}

	if !c.pending.add(req.Seq, r) {
		// Already shut down, nothing will ever answer
		r.timedOut()
		return req.Seq
	}

	c.wmu.Lock()
	c.queue = append(c.queue, data)
	if c.IsActive() {
		c.flushLocked()
	}
	c.wmu.Unlock()
	return req.Seq
}

// CheckTimeouts resolves every request whose ttl has passed and returns how
// many there were.
func (c *Conn) CheckTimeouts() int {
	expired := c.pending.expire(time.Now())
	for _, r := range expired {
		r.timedOut()
	}
	return len(expired)
}

// flushLocked writes queued packets in order under a single deadline. On a
// write error the failed packet and everything behind it stay queued. The
// caller holds wmu.
func (c *Conn) flushLocked() {
	if len(c.queue) == 0 || c.conn == nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	for len(c.queue) > 0 {
		if _, err := c.conn.Write(c.queue[0]); err != nil {
			c.fail(fmt.Errorf("write: %w", err))
			return
		}
		c.queue[0] = nil
		c.queue = c.queue[1:]
	}
}

// fail records the first failure cause and marks the connection failed.
func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %w", ErrFailed, err)
	}
	c.errMu.Unlock()
	c.state.Store(int32(Failed))
	c.logger.Error("connection failed", zap.Error(err))
}

func (c *Conn) run() {
	defer close(c.done)
	defer c.cleanup()
	defer func() {
		if r := recover(); r != nil {
			c.fail(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()

	conn, err := net.DialTimeout("tcp", c.addr, c.opts.DialTimeout)
	if err != nil {
		c.fail(fmt.Errorf("dial: %w", err))
		return
	}

	c.wmu.Lock()
	c.conn = conn
	c.state.Store(int32(Active))
	c.flushLocked()
	c.wmu.Unlock()
	c.logger.Info("connected")

	var (
		chunk    = make([]byte, c.opts.BufferSize)
		buf      []byte
		lastPing = time.Now()
	)
	for c.IsActive() {
		select {
		case <-c.stop:
			return
		default:
		}

		if c.opts.KeepAlive > 0 && time.Since(lastPing) >= c.opts.KeepAlive {
			c.Send(message.New(message.OpPing, nil), nil, nil, c.opts.KeepAlive)
			lastPing = time.Now()
		}

		conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = c.drain(buf)
		}
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
			case errors.Is(err, io.EOF):
				c.logger.Info("server closed the connection")
				c.state.CompareAndSwap(int32(Active), int32(Inactive))
			default:
				c.fail(fmt.Errorf("read: %w", err))
			}
		}
	}
}

// drain routes every complete packet in buf and returns what is left.
func (c *Conn) drain(buf []byte) []byte {
	for c.IsActive() {
		before := len(buf)
		p, diag, rest := protocol.Decode(buf)
		buf = rest
		if len(rest) == before {
			break
		}
		if p == nil {
			c.fail(fmt.Errorf("invalid packet from server: %s", diag))
			break
		}

		if r := c.pending.take(p.Seq); r != nil {
			r.succeeded(p)
		} else if c.opts.OnUnsolicited != nil {
			c.opts.OnUnsolicited(p)
		} else {
			c.logger.Debug("dropping unsolicited packet", zap.Stringer("packet", p))
		}
	}
	return buf
}

// cleanup says BYE if it still can, releases the socket and resolves every
// request that is still waiting.
func (c *Conn) cleanup() {
	c.wmu.Lock()
	c.state.CompareAndSwap(int32(Active), int32(Inactive))
	if c.conn != nil {
		bye := &message.Packet{Op: message.OpBye, Seq: strconv.FormatUint(c.seq.Add(1), 10)}
		c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		if err := protocol.Write(c.conn, bye); err != nil {
			c.logger.Debug("cannot say goodbye", zap.Error(err))
		}
		c.conn.Close()
		c.conn = nil
	}
	c.wmu.Unlock()

	for _, r := range c.pending.close() {
		r.timedOut()
	}
	c.logger.Info("disconnected", zap.Stringer("state", c.State()))
}
