package naming

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"edo/loadbalance"
	"edo/message"
)

// DefaultCacheSize bounds how many names a Resolver remembers.
const DefaultCacheSize = 128

type resolverOptions struct {
	balancer  loadbalance.Balancer
	key       string
	cacheSize int
	logger    *zap.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*resolverOptions)

// WithBalancer picks among several hosts registered under one name. The default is
// round robin.
func WithBalancer(b loadbalance.Balancer) ResolverOption {
	return func(o *resolverOptions) { o.balancer = b }
}

// WithBalanceKey is passed to the balancer on every pick; a consistent hash balancer
// keeps a client with a stable key on the same host.
func WithBalanceKey(key string) ResolverOption {
	return func(o *resolverOptions) { o.key = key }
}

func WithCacheSize(n int) ResolverOption {
	return func(o *resolverOptions) { o.cacheSize = n }
}

func WithResolverLogger(l *zap.Logger) ResolverOption {
	return func(o *resolverOptions) { o.logger = l }
}

// Resolver answers client lookups from a cache kept current by watching the registry.
type Resolver struct {
	reg   Registry
	bal   loadbalance.Balancer
	key   string
	cache *lru.Cache // name → []message.HostAddress
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	watching map[string]context.CancelFunc
}

func NewResolver(reg Registry, opts ...ResolverOption) (*Resolver, error) {
	o := resolverOptions{
		balancer:  &loadbalance.RoundRobinBalancer{},
		cacheSize: DefaultCacheSize,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Resolver{
		reg:      reg,
		bal:      o.balancer,
		key:      o.key,
		log:      o.logger,
		watching: make(map[string]context.CancelFunc),
	}
	cache, err := lru.NewWithEvict(o.cacheSize, r.evicted)
	if err != nil {
		return nil, err
	}
	r.cache = cache
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// Resolve returns one address registered under name, chosen by the balancer.
func (r *Resolver) Resolve(ctx context.Context, name string) (message.HostAddress, error) {
	addrs, err := r.Lookup(ctx, name)
	if err != nil {
		return message.HostAddress{}, err
	}
	addr, err := r.bal.Pick(addrs, r.key)
	if err != nil {
		return message.HostAddress{}, fmt.Errorf("%s: %w", name, err)
	}
	addr.ServiceName = name
	return addr, nil
}

// Lookup returns every address registered under name.
func (r *Resolver) Lookup(ctx context.Context, name string) ([]message.HostAddress, error) {
	if v, ok := r.cache.Get(name); ok {
		return v.([]message.HostAddress), nil
	}

	// Watch before reading so no change between the two is lost.
	r.watch(name)
	addrs, err := r.reg.Discover(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	r.cache.Add(name, addrs)
	return addrs, nil
}

func (r *Resolver) watch(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watching[name]; ok || r.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.watching[name] = cancel

	updates := r.reg.Watch(ctx, name)
	go func() {
		for addrs := range updates {
			r.log.Debug("addresses changed", zap.String("name", name), zap.Int("count", len(addrs)))
			if ctx.Err() != nil {
				return
			}
			if len(addrs) == 0 {
				r.cache.Remove(name)
				continue
			}
			r.cache.Add(name, addrs)
		}
	}()
}

// evicted stops watching names that fell out of the cache.
func (r *Resolver) evicted(key, _ any) {
	name := key.(string)
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.watching[name]; ok {
		cancel()
		delete(r.watching, name)
	}
}

// Forget drops name from the cache so the next lookup reads the registry.
func (r *Resolver) Forget(name string) {
	r.cache.Remove(name)
}

// Close stops every watch.
func (r *Resolver) Close() {
	r.cancel()
	r.cache.Purge()
}
