package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"remote-ctrl/message"
)

// Controller binds the shared registry to the device value of one connection.
// It is used from that connection's goroutine only; the device is called
// synchronously and is never shared by the protocol layer.
type Controller[D any] struct {
	registry     *Registry[D]
	device       D
	logger       *zap.Logger
	exposeErrors bool
}

type ControllerOption func(*controllerOptions)

type controllerOptions struct {
	logger       *zap.Logger
	exposeErrors bool
}

// WithLogger sets the logger used to report handler failures.
func WithLogger(l *zap.Logger) ControllerOption {
	return func(o *controllerOptions) { o.logger = l }
}

// WithExposedErrors appends the handler's error text to failure replies.
func WithExposedErrors(expose bool) ControllerOption {
	return func(o *controllerOptions) { o.exposeErrors = expose }
}

func NewController[D any](reg *Registry[D], dev D, opts ...ControllerOption) *Controller[D] {
	o := controllerOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Controller[D]{
		registry:     reg,
		device:       dev,
		logger:       o.logger,
		exposeErrors: o.exposeErrors,
	}
}

// Device returns the device this controller drives.
func (c *Controller[D]) Device() D {
	return c.device
}

// Invoke looks up op, validates contents and runs the handler, measuring its
// wall time. Every failure is a *DispatchError.
func (c *Controller[D]) Invoke(ctx context.Context, op string, contents any) (ret any, elapsed time.Duration, err error) {
	entry, ok := c.registry.Lookup(op)
	if !ok {
		return nil, 0, &DispatchError{Code: UnknownCommand, Command: op}
	}

	args, err := entry.Validate(contents)
	if err != nil {
		return nil, 0, err
	}

	start := time.Now()
	defer func() {
		elapsed = time.Since(start)
		if r := recover(); r != nil {
			ret = nil
			err = &DispatchError{Code: Execution, Command: op, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	ret, err = entry.Handler(ctx, c.device, args)
	if err != nil {
		return nil, elapsed, &DispatchError{Code: Execution, Command: op, Err: err}
	}
	return ret, elapsed, nil
}

// Dispatch answers one request packet. LSCMD is answered from the registry
// metadata; anything else goes through Invoke.
func (c *Controller[D]) Dispatch(ctx context.Context, p *message.Packet) *message.Packet {
	if p.Op == message.OpLsCmd {
		return message.Ack(p, map[string]any{"commands": c.registry.Commands()})
	}

	ret, elapsed, err := c.Invoke(ctx, p.Op, p.Contents)
	if err != nil {
		var de *DispatchError
		if !errors.As(err, &de) {
			de = &DispatchError{Code: Execution, Command: p.Op, Err: err}
		}
		if de.Code == Execution {
			c.logger.Error("command failed",
				zap.String("op", p.Op),
				zap.String("seq", p.Seq),
				zap.Error(de.Err))
		}
		return message.Nak(p, de.wireMessage(c.exposeErrors))
	}

	return message.Ack(p, map[string]any{
		"data":     ret,
		"exectime": elapsed.Seconds(),
	})
}
