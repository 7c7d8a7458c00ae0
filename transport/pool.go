package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("transport: pool closed")

// Pooled is what a Pool holds: something that can close and reports when it has.
type Pooled interface {
	Done() <-chan struct{}
	Close(reason error)
}

// Pool keeps one live value per key, typically one connection per host address.
//
// Concurrent Gets for a key that has no live value share a single dial. Values are
// evicted as soon as they close, so the next Get dials again.
type Pool[T Pooled] struct {
	mu     sync.Mutex
	slots  map[string]*slot[T]
	closed bool
}

type slot[T Pooled] struct {
	ready chan struct{} // closed when the dial finished
	value T
	err   error
}

// NewPool creates an empty pool.
func NewPool[T Pooled]() *Pool[T] {
	return &Pool[T]{slots: make(map[string]*slot[T])}
}

// Get returns the live value for key, calling dial if there is none.
func (p *Pool[T]) Get(ctx context.Context, key string, dial func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrPoolClosed
		}
		s, ok := p.slots[key]
		if !ok {
			s = &slot[T]{ready: make(chan struct{})}
			p.slots[key] = s
			p.mu.Unlock()
			return p.dial(ctx, key, s, dial)
		}
		p.mu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		if s.err != nil {
			return zero, s.err
		}
		select {
		case <-s.value.Done():
			// Closed but not evicted yet.
			p.evict(key, s)
			continue
		default:
			return s.value, nil
		}
	}
}

func (p *Pool[T]) dial(ctx context.Context, key string, s *slot[T], dial func(ctx context.Context) (T, error)) (T, error) {
	s.value, s.err = dial(ctx)
	close(s.ready)
	if s.err != nil {
		p.evict(key, s)
		var zero T
		return zero, s.err
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		s.value.Close(ErrPoolClosed)
		var zero T
		return zero, ErrPoolClosed
	}

	go func() {
		<-s.value.Done()
		p.evict(key, s)
	}()
	return s.value, nil
}

func (p *Pool[T]) evict(key string, s *slot[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slots[key] == s {
		delete(p.slots, key)
	}
}

// Lookup returns the live value for key without dialing.
func (p *Pool[T]) Lookup(key string) (T, bool) {
	var zero T
	p.mu.Lock()
	s, ok := p.slots[key]
	p.mu.Unlock()
	if !ok {
		return zero, false
	}
	select {
	case <-s.ready:
	default:
		return zero, false
	}
	if s.err != nil {
		return zero, false
	}
	select {
	case <-s.value.Done():
		return zero, false
	default:
		return s.value, true
	}
}

// Len returns the number of keys with a value or a dial in progress.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Close closes every pooled value with reason. Later Gets fail with ErrPoolClosed.
func (p *Pool[T]) Close(reason error) {
	p.mu.Lock()
	p.closed = true
	slots := p.slots
	p.slots = make(map[string]*slot[T])
	p.mu.Unlock()

	for _, s := range slots {
		<-s.ready
		if s.err == nil {
			s.value.Close(reason)
		}
	}
}
