package naming

import (
	"context"
	"fmt"
	"time"

	"edo/client"
	"edo/message"
	"edo/remote"
)

// DefaultPollInterval is how often RemoteRegistry.Watch asks for changes.
const DefaultPollInterval = time.Second

// RemoteRegistry talks to a naming Host Service. Records it registers are removed by
// the naming service when the connection closes.
type RemoteRegistry struct {
	svc  *client.Service
	addr message.HostAddress
	poll time.Duration
}

// NewRemoteRegistry uses svc to reach the naming service at addr. A zero port means
// DefaultPort on that host.
func NewRemoteRegistry(svc *client.Service, addr message.HostAddress) *RemoteRegistry {
	if addr.Port == 0 {
		addr.Port = DefaultPort
	}
	if addr.ServiceName == "" {
		addr.ServiceName = DefaultServiceName
	}
	return &RemoteRegistry{svc: svc, addr: addr, poll: DefaultPollInterval}
}

// SetPollInterval changes how often Watch polls.
func (r *RemoteRegistry) SetPollInterval(d time.Duration) { r.poll = d }

func (r *RemoteRegistry) root(ctx context.Context) (*remote.Proxy, error) {
	return r.svc.RootObject(ctx, r.addr)
}

func (r *RemoteRegistry) Register(ctx context.Context, name string, addr message.HostAddress, ttl int64) error {
	p, err := r.root(ctx)
	if err != nil {
		return err
	}
	_, err = r.svc.Invoke(ctx, p, "register", name, record(name, addr), ttl)
	return err
}

func (r *RemoteRegistry) Deregister(ctx context.Context, name string, addr message.HostAddress) error {
	p, err := r.root(ctx)
	if err != nil {
		return err
	}
	_, err = r.svc.Invoke(ctx, p, "deregister", name, record(name, addr))
	return err
}

func (r *RemoteRegistry) Discover(ctx context.Context, name string) ([]message.HostAddress, error) {
	p, err := r.root(ctx)
	if err != nil {
		return nil, err
	}
	v, err := r.svc.Invoke(ctx, p, "discover", name)
	if err != nil {
		return nil, err
	}
	switch addrs := v.(type) {
	case nil:
		return nil, nil
	case []message.HostAddress:
		return addrs, nil
	}
	return nil, fmt.Errorf("naming: discover %s returned %T", name, v)
}

// Watch polls Discover and emits the list whenever it differs from the last one.
func (r *RemoteRegistry) Watch(ctx context.Context, name string) <-chan []message.HostAddress {
	ch := make(chan []message.HostAddress, 1)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(r.poll)
		defer ticker.Stop()

		last, _ := r.Discover(ctx, name)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			addrs, err := r.Discover(ctx, name)
			if err != nil || sameAddresses(addrs, last) {
				continue
			}
			last = addrs
			publish(ch, addrs)
		}
	}()
	return ch
}
