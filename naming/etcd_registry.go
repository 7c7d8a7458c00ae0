package naming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"edo/message"
)

const (
	etcdPrefix             = "/edo/"
	DefaultEtcdDialTimeout = 5 * time.Second
)

// EtcdRegistry stores records in etcd:
//
//	Key:   /edo/{name}/{host:port}
//	Value: JSON-encoded HostAddress
//
// Every record is attached to its own lease, kept alive until Deregister or Close. If
// the process dies the lease expires and the record disappears with it.
type EtcdRegistry struct {
	client *clientv3.Client
	log    *zap.Logger

	// Keep-alives outlive the Register call that started them.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// EtcdOption configures an EtcdRegistry.
type EtcdOption func(*clientv3.Config)

func WithEtcdDialTimeout(d time.Duration) EtcdOption {
	return func(c *clientv3.Config) { c.DialTimeout = d }
}

func WithEtcdLogger(l *zap.Logger) EtcdOption {
	return func(c *clientv3.Config) { c.Logger = l }
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	cfg := clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: DefaultEtcdDialTimeout,
		Logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := clientv3.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func etcdKey(name string, addr message.HostAddress) string {
	return etcdPrefix + name + "/" + addr.DialAddress()
}

// Register puts the record with a lease of ttl seconds and keeps the lease alive.
func (r *EtcdRegistry) Register(ctx context.Context, name string, addr message.HostAddress, ttl int64) error {
	addr = record(name, addr)
	val, err := json.Marshal(addr)
	if err != nil {
		return err
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	key := etcdKey(name, addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keep lease alive: %w", err)
	}
	// Drain the responses, or the channel fills up.
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	old, replaced := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()
	if replaced {
		r.revoke(ctx, old)
	}
	return nil
}

// Deregister deletes the record and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, name string, addr message.HostAddress) error {
	key := etcdKey(name, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		r.revoke(ctx, id)
	}
	return nil
}

func (r *EtcdRegistry) revoke(ctx context.Context, id clientv3.LeaseID) {
	if _, err := r.client.Revoke(ctx, id); err != nil {
		r.log.Warn("revoke lease", zap.Int64("lease", int64(id)), zap.Error(err))
	}
}

// Discover returns every address registered under name.
func (r *EtcdRegistry) Discover(ctx context.Context, name string) ([]message.HostAddress, error) {
	resp, err := r.client.Get(ctx, etcdPrefix+name+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", name, err)
	}

	addrs := make([]message.HostAddress, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var addr message.HostAddress
		if err := json.Unmarshal(kv.Value, &addr); err != nil {
			r.log.Warn("skipping malformed record", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// Watch uses etcd's server-push watch on the name's prefix and re-reads the full list
// on every change.
func (r *EtcdRegistry) Watch(ctx context.Context, name string) <-chan []message.HostAddress {
	ch := make(chan []message.HostAddress, 1)

	go func() {
		defer close(ch)
		events := r.client.Watch(clientv3.WithRequireLeader(ctx), etcdPrefix+name+"/", clientv3.WithPrefix())
		for resp := range events {
			if err := resp.Err(); err != nil {
				r.log.Warn("watch", zap.String("name", name), zap.Error(err))
				continue
			}
			addrs, err := r.Discover(ctx, name)
			if err != nil {
				r.log.Warn("watch refresh", zap.String("name", name), zap.Error(err))
				continue
			}
			publish(ch, addrs)
		}
	}()
	return ch
}

// Close stops every keep-alive and disconnects. Records expire with their leases.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
