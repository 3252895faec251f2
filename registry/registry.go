// Package registry lets device-control servers announce themselves and lets
// operator consoles find them.
package registry

import "context"

// Instance is one running device-control server.
type Instance struct {
	Device  string `json:"device"`
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version"`
}

type Registry interface {
	// Register announces inst under device. The entry disappears ttl seconds
	// after the process stops renewing it.
	Register(ctx context.Context, device string, inst Instance, ttl int64) error
	Deregister(ctx context.Context, device string, addr string) error
	Discover(ctx context.Context, device string) ([]Instance, error)
	// Watch emits the full instance list of device whenever it changes, until
	// ctx is done.
	Watch(ctx context.Context, device string) <-chan []Instance
}
