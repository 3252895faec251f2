// Package loadbalance picks which device-control server a console connects to
// when several instances of the same device are registered.
//
// Three strategies are implemented:
//   - RoundRobin:      spread consoles evenly across equivalent instances
//   - WeightedRandom:  prefer instances with a higher weight
//   - ConsistentHash:  pin a console identity to the same instance
package loadbalance

import (
	"errors"

	"remote-ctrl/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// The console calls Pick() before each connection attempt.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Must be goroutine-safe.
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name: "round_robin",
// "weighted_random" or "consistent_hash". key is the console identity used by
// consistent hashing.
func New(name string, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, errors.New("unknown balancer " + name)
}
