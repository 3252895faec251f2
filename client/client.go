// Package client is the operator-console API on top of transport.Conn: it
// turns the callback interface of the connection actor into blocking calls.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"remote-ctrl/command"
	"remote-ctrl/loadbalance"
	"remote-ctrl/message"
	"remote-ctrl/registry"
	"remote-ctrl/transport"
)

// ErrTimeout is returned when a request got no reply within its ttl, or the
// connection went away before it did.
var ErrTimeout = errors.New("request timed out")

// DefaultPollInterval is how often a Client checks for expired requests.
const DefaultPollInterval = 20 * time.Millisecond

// RemoteError is a failure reply from the server.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Result is the payload of a successful command.
type Result struct {
	Data     any
	ExecTime time.Duration // Time the server spent in the handler
}

type Option func(*options)

type options struct {
	logger       *zap.Logger
	ttl          time.Duration
	pollInterval time.Duration
	identity     string
	transport    transport.Options
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTTL sets how long Call waits for a reply.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithIdentity overrides the random console identity.
func WithIdentity(id string) Option {
	return func(o *options) { o.identity = id }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.transport.DialTimeout = d }
}

// WithKeepAlive makes the connection PING the server every d.
func WithKeepAlive(d time.Duration) Option {
	return func(o *options) { o.transport.KeepAlive = d }
}

// WithUnsolicited receives packets that answer no pending request.
func WithUnsolicited(fn func(*message.Packet)) Option {
	return func(o *options) { o.transport.OnUnsolicited = fn }
}

// Client is a connection to one device-control server. It is safe for
// concurrent use.
type Client struct {
	conn *transport.Conn
	opts options

	closeOnce sync.Once
	quit      chan struct{}
	polling   chan struct{}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:       zap.NewNop(),
		ttl:          transport.DefaultTTL,
		pollInterval: DefaultPollInterval,
		identity:     uuid.NewString(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.transport.Logger = o.logger
	return o
}

// Dial starts connecting to addr and returns immediately. Requests made
// before the connection is up are queued.
func Dial(addr string, opts ...Option) *Client {
	return dial(addr, buildOptions(opts))
}

func dial(addr string, o options) *Client {
	topts := o.transport
	c := &Client{
		conn:    transport.NewConn(addr, &topts),
		opts:    o,
		quit:    make(chan struct{}),
		polling: make(chan struct{}),
	}
	c.conn.Start()
	go c.poll()
	return c
}

// Discover looks up the instances of device, lets bal pick one and dials it.
func Discover(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, device string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	instances, err := reg.Discover(ctx, device)
	if err != nil {
		return nil, err
	}
	inst, err := bal.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("pick %s instance with %s: %w", device, bal.Name(), err)
	}
	o.logger.Info("picked device server",
		zap.String("device", device),
		zap.String("addr", inst.Addr),
		zap.String("balancer", bal.Name()))
	return dial(inst.Addr, o), nil
}

// poll is the owner loop of the connection: it expires requests until Close
// or until the connection has shut down.
func (c *Client) poll() {
	defer close(c.polling)
	ticker := time.NewTicker(c.opts.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-c.conn.Done():
			return
		case <-ticker.C:
			if n := c.conn.CheckTimeouts(); n > 0 {
				c.opts.logger.Debug("requests timed out", zap.Int("count", n))
			}
		}
	}
}

func (c *Client) Addr() string { return c.conn.Addr() }

// Identity is the console identity used for consistent hashing.
func (c *Client) Identity() string { return c.opts.identity }

func (c *Client) State() transport.State { return c.conn.State() }

// Err returns why the connection failed, or nil.
func (c *Client) Err() error { return c.conn.Err() }

// Go sends p without waiting. See transport.Conn.Send.
func (c *Client) Go(p *message.Packet, onSuccess func(*message.Packet), onTimeout func(), ttl time.Duration) string {
	return c.conn.Send(p, onSuccess, onTimeout, ttl)
}

// roundTrip sends p and waits for the reply. A ctx that ends first abandons
// the request; it is still resolved later by the connection.
func (c *Client) roundTrip(ctx context.Context, p *message.Packet) (*message.Packet, error) {
	replies := make(chan *message.Packet, 1)
	c.conn.Send(p,
		func(reply *message.Packet) { replies <- reply },
		func() { replies <- nil },
		c.opts.ttl)

	select {
	case reply := <-replies:
		if reply == nil {
			if err := c.conn.Err(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
			}
			return nil, ErrTimeout
		}
		if reply.IsFailure() {
			return nil, &RemoteError{Op: p.Op, Message: reply.Error()}
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call runs the command op with positional args on the server.
func (c *Client) Call(ctx context.Context, op string, args ...any) (*Result, error) {
	if args == nil {
		args = []any{}
	}
	reply, err := c.roundTrip(ctx, message.New(op, map[string]any{"args": args}))
	if err != nil {
		return nil, err
	}
	if reply.Op != message.OpAck {
		return nil, fmt.Errorf("%s: unexpected %s reply", op, reply.Op)
	}

	res := &Result{}
	res.Data, _ = reply.Field("data")
	if v, ok := reply.Field("exectime"); ok {
		if n, ok := v.(json.Number); ok {
			if secs, err := n.Float64(); err == nil {
				res.ExecTime = time.Duration(secs * float64(time.Second))
			}
		}
	}
	return res, nil
}

// Ping measures the round trip to the server.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	reply, err := c.roundTrip(ctx, message.New(message.OpPing, nil))
	if err != nil {
		return 0, err
	}
	if reply.Op != message.OpPong {
		return 0, fmt.Errorf("PING: unexpected %s reply", reply.Op)
	}
	return time.Since(start), nil
}

// ListCommands returns the command table of the server.
func (c *Client) ListCommands(ctx context.Context) (map[string]command.CommandInfo, error) {
	reply, err := c.roundTrip(ctx, message.New(message.OpLsCmd, map[string]any{}))
	if err != nil {
		return nil, err
	}
	raw, ok := reply.Field("commands")
	if !ok {
		return nil, errors.New("LSCMD: reply has no commands")
	}

	// Round-trip through JSON into the typed table
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var commands map[string]command.CommandInfo
	if err := json.Unmarshal(data, &commands); err != nil {
		return nil, fmt.Errorf("LSCMD: %w", err)
	}
	return commands, nil
}

// ListConns returns the peers connected to the server, this console included.
func (c *Client) ListConns(ctx context.Context) ([]string, error) {
	reply, err := c.roundTrip(ctx, message.New(message.OpLsConn, nil))
	if err != nil {
		return nil, err
	}
	if reply.Op != message.OpConns {
		return nil, fmt.Errorf("LSCONN: unexpected %s reply", reply.Op)
	}
	raw, _ := reply.Field("hosts")
	list, ok := raw.([]any)
	if !ok {
		return nil, errors.New("LSCONN: reply has no host list")
	}
	hosts := make([]string, 0, len(list))
	for _, h := range list {
		if s, ok := h.(string); ok {
			hosts = append(hosts, s)
		}
	}
	return hosts, nil
}

// Close says goodbye to the server and waits for the connection to shut down.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.conn.Stop()
		c.conn.Wait()
		<-c.polling
	})
	return c.conn.Err()
}
