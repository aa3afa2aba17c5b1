// Package loadbalance picks one announced instance per call.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  instances with different capacity
//   - ConsistentHash:  sticky routing of a key (the method name) to one instance
package loadbalance

import (
	"errors"
	"fmt"

	"chan-rpc/discovery"
)

// ErrNoInstances is returned by Pick when the instance list is empty.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects a target instance. The client calls Pick before each call with the
// method name as key. Implementations must be safe for concurrent use.
type Balancer interface {
	Pick(key string, instances []discovery.Instance) (*discovery.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// ByName returns the balancer for a configuration value: "round_robin" (or empty),
// "weighted_random" or "consistent_hash".
func ByName(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
