// Package loadbalance picks the agent instance a worker connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity agents
//   - WeightedRandom:  agents of different capacity
//   - ConsistentHash:  the same worker credential keeps landing on the same agent
package loadbalance

import (
	"github.com/pkg/errors"

	"noslated-ipc/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance. key is the worker credential; strategies
	// without affinity ignore it. Must be goroutine-safe.
	Pick(key string, instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name, or RoundRobin for an
// unknown or empty name.
func New(name string) Balancer {
	switch name {
	case "WeightedRandom":
		return &WeightedRandomBalancer{}
	case "ConsistentHash":
		return NewConsistentHashBalancer()
	}
	return &RoundRobinBalancer{}
}
