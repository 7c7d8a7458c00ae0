package loadbalance

import (
	"sync/atomic"

	"edo/message"
)

// RoundRobinBalancer cycles through the addresses in order.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(addrs []message.HostAddress, _ string) (message.HostAddress, error) {
	if len(addrs) == 0 {
		return message.HostAddress{}, ErrNoAddresses
	}
	index := (b.counter.Add(1) - 1) % uint64(len(addrs))
	return addrs[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
