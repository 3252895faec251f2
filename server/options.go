package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultReadTimeout  = 50 * time.Millisecond
	DefaultMaxIdle      = 30 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultDevice       = "spider"
	DefaultRegisterTTL  = 10 // seconds
)

type Option func(*options)

type options struct {
	logger       *zap.Logger
	readTimeout  time.Duration // Socket read deadline; bounds how late idle/shutdown checks run
	maxIdle      time.Duration // Longest time without a well-formed packet
	writeTimeout time.Duration
	device       string // Name registered with discovery
	registerTTL  int64
	registerer   prometheus.Registerer
}

func defaultOptions() options {
	return options{
		logger:       zap.NewNop(),
		readTimeout:  DefaultReadTimeout,
		maxIdle:      DefaultMaxIdle,
		writeTimeout: DefaultWriteTimeout,
		device:       DefaultDevice,
		registerTTL:  DefaultRegisterTTL,
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.readTimeout = d }
}

// WithMaxIdle sets how long a connection may go without sending a complete,
// well-formed packet before it is closed.
func WithMaxIdle(d time.Duration) Option {
	return func(o *options) { o.maxIdle = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithDevice sets the device name announced to the discovery registry.
func WithDevice(name string) Option {
	return func(o *options) { o.device = name }
}

func WithRegisterTTL(seconds int64) Option {
	return func(o *options) { o.registerTTL = seconds }
}

// WithMetrics registers the server collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}
