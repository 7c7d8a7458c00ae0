// Package naming maps service names to the addresses of the host services that
// registered them.
//
// Three registries implement the same interface:
//
//	MemoryRegistry  in-process, for tests and single-binary setups
//	EtcdRegistry    TTL-leased records in etcd under /edo/{name}/{host:port}
//	RemoteRegistry  a naming Host Service reached over edo itself
//
// A Resolver sits in front of any of them and satisfies client.Resolver, and every
// registry satisfies server.Publisher.
package naming

import (
	"context"
	"errors"
	"slices"

	"edo/message"
)

const (
	// DefaultPort is where the naming Host Service listens.
	DefaultPort = 11237
	// DefaultServiceName is the name the naming Host Service announces.
	DefaultServiceName = "edo-naming"
)

// ErrNotFound is returned when no address is registered under a name.
var ErrNotFound = errors.New("naming: service not found")

// Registry stores name → address records.
type Registry interface {
	Register(ctx context.Context, name string, addr message.HostAddress, ttl int64) error
	Deregister(ctx context.Context, name string, addr message.HostAddress) error
	Discover(ctx context.Context, name string) ([]message.HostAddress, error)
	// Watch emits the full address list of name after every change. The channel is
	// closed when ctx is done.
	Watch(ctx context.Context, name string) <-chan []message.HostAddress
}

// record normalizes addr before it is stored under name.
func record(name string, addr message.HostAddress) message.HostAddress {
	addr.ServiceName = name
	return addr
}

func sameAddresses(a, b []message.HostAddress) bool {
	return slices.EqualFunc(a, b, message.HostAddress.Equal)
}

// publish replaces the pending value of a one-slot channel with addrs. Only one
// goroutine may send on ch.
func publish(ch chan []message.HostAddress, addrs []message.HostAddress) {
	select {
	case <-ch:
	default:
	}
	ch <- addrs
}
