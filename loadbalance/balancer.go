// Package loadbalance picks one host among the addresses registered under a service
// name.
//
// Two strategies are implemented:
//   - RoundRobin:      spread new connections evenly
//   - ConsistentHash:  send a given client to the same host every time, so the objects
//     it holds there stay reachable across reconnects
package loadbalance

import (
	"errors"

	"edo/message"
)

// ErrNoAddresses is returned by Pick when there is nothing to pick from.
var ErrNoAddresses = errors.New("loadbalance: no addresses available")

// Balancer chooses one address. key identifies the caller; strategies without
// affinity ignore it. Implementations must be goroutine-safe.
type Balancer interface {
	Pick(addrs []message.HostAddress, key string) (message.HostAddress, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
