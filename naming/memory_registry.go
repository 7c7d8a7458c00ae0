package naming

import (
	"context"
	"slices"
	"sync"

	"edo/message"
)

// MemoryRegistry keeps records in process memory. TTLs are ignored: records live
// until deregistered.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string][]message.HostAddress
	watchers map[string][]chan []message.HostAddress
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string][]message.HostAddress),
		watchers: make(map[string][]chan []message.HostAddress),
	}
}

// Register adds addr under name. Registering an address twice keeps one record.
func (m *MemoryRegistry) Register(_ context.Context, name string, addr message.HostAddress, _ int64) error {
	addr = record(name, addr)

	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := m.services[name]
	if slices.ContainsFunc(addrs, addr.Equal) {
		return nil
	}
	m.services[name] = append(addrs, addr)
	m.notify(name)
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, name string, addr message.HostAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := m.services[name]
	i := slices.IndexFunc(addrs, addr.Equal)
	if i < 0 {
		return nil
	}
	addrs = slices.Delete(slices.Clone(addrs), i, i+1)
	if len(addrs) == 0 {
		delete(m.services, name)
	} else {
		m.services[name] = addrs
	}
	m.notify(name)
	return nil
}

func (m *MemoryRegistry) Discover(_ context.Context, name string) ([]message.HostAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.services[name]), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, name string) <-chan []message.HostAddress {
	ch := make(chan []message.HostAddress, 1)

	m.mu.Lock()
	m.watchers[name] = append(m.watchers[name], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		m.watchers[name] = slices.DeleteFunc(m.watchers[name], func(c chan []message.HostAddress) bool { return c == ch })
		if len(m.watchers[name]) == 0 {
			delete(m.watchers, name)
		}
		close(ch)
	}()
	return ch
}

// notify must be called with m.mu held.
func (m *MemoryRegistry) notify(name string) {
	for _, ch := range m.watchers[name] {
		publish(ch, slices.Clone(m.services[name]))
	}
}
