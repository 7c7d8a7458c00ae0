// Package client implements the Client Service: the side of a process that reaches
// into host services and calls their objects.
//
//	svc := client.NewService()
//	defer svc.Close()
//
//	calc, err := svc.RootObject(ctx, message.LocalPort(8123))
//	sum, err := svc.Invoke(ctx, calc, "add", 2, 3)
//
// One connection is kept per host address and shared by every call to that host. The
// client also serves the host: objects it passes as arguments are exported from its own
// registry and can be called back.
package client

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"edo/codec"
	"edo/edoerr"
	"edo/message"
	"edo/registry"
	"edo/remote"
	"edo/transport"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("client: service closed")

// Service is a Client Service.
type Service struct {
	opts  options
	codec codec.Codec
	reg   *registry.Registry
	cfg   *remote.Config
	pool  *transport.Pool[*remote.Endpoint]
	stats *collector
	log   *zap.Logger

	closed atomic.Bool
}

// NewService creates a client service. Connections are opened lazily.
func NewService(opts ...Option) *Service {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		opts:  o,
		codec: codec.MustGetCodec(o.codec),
		reg:   registry.New(),
		pool:  transport.NewPool[*remote.Endpoint](),
		stats: newCollector(),
		log:   o.logger.With(zap.String("client", o.name)),
	}
	s.cfg = &remote.Config{
		Registry:    s.reg,
		Executor:    o.executor,
		CallTimeout: o.callTimeout,
		Logger:      o.logger,
		OnCall:      s.stats.call,
		OnRelease:   s.stats.release,
	}
	return s
}

// Registry returns the registry holding the objects this client exported.
func (s *Service) Registry() *registry.Registry { return s.reg }

// RootObject returns the default root object of the host at addr.
func (s *Service) RootObject(ctx context.Context, addr message.HostAddress) (*remote.Proxy, error) {
	return s.NamedRoot(ctx, addr, "")
}

// NamedRoot returns the root object registered under name by the host at addr.
func (s *Service) NamedRoot(ctx context.Context, addr message.HostAddress, name string) (*remote.Proxy, error) {
	ep, err := s.endpoint(ctx, addr)
	if err != nil {
		return nil, s.fail(err)
	}
	p, err := ep.Root(ctx, name)
	if err != nil {
		return nil, s.fail(err)
	}
	return p, nil
}

// Invoke calls selector on the remote object p and waits for the result. Errors
// raised on the host carry edoerr's Remote flag.
func (s *Service) Invoke(ctx context.Context, p *remote.Proxy, selector string, args ...any) (any, error) {
	if s.closed.Load() {
		return nil, s.fail(ErrClosed)
	}
	v, err := p.Call(ctx, selector, args...)
	if err != nil {
		return nil, s.fail(err)
	}
	return v, nil
}

func (s *Service) fail(err error) error {
	if h := s.opts.errorHandler; h != nil {
		h(err)
	}
	return err
}

// Connected reports whether an open connection to addr is pooled.
func (s *Service) Connected(addr message.HostAddress) bool {
	_, ok := s.pool.Lookup(addr.Key())
	return ok
}

// Stats returns a snapshot of the counters.
func (s *Service) Stats() Stats {
	st := s.stats.snapshot()
	st.Connections = s.pool.Len()
	return st
}

// Close closes every connection. Proxies obtained from s stop working.
func (s *Service) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.pool.Close(edoerr.Unreachable(ErrClosed, "client %s closed", s.opts.name))
	}
}

func (s *Service) endpoint(ctx context.Context, addr message.HostAddress) (*remote.Endpoint, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if addr.NeedsResolution() {
		if s.opts.resolver == nil {
			return nil, edoerr.Unreachable(nil, "no resolver for service %q", addr.ServiceName)
		}
		resolved, err := s.opts.resolver.Resolve(ctx, addr.ServiceName)
		if err != nil {
			return nil, edoerr.Unreachable(err, "resolve %q", addr.ServiceName)
		}
		resolved.ServiceName = addr.ServiceName
		addr = resolved
	}
	return s.pool.Get(ctx, addr.Key(), func(ctx context.Context) (*remote.Endpoint, error) {
		return s.dial(ctx, addr)
	})
}

// dial connects to addr, retrying with exponential backoff when configured.
func (s *Service) dial(ctx context.Context, addr message.HostAddress) (*remote.Endpoint, error) {
	for attempt := 0; ; attempt++ {
		ep, err := s.dialOnce(ctx, addr)
		if err == nil {
			return ep, nil
		}
		if attempt >= s.opts.dialRetries || !errors.Is(err, edoerr.ErrUnreachable) {
			return nil, err
		}

		delay := s.opts.retryBase * time.Duration(1<<attempt)
		s.log.Info("dial failed, retrying",
			zap.Stringer("address", addr), zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, edoerr.Unreachable(ctx.Err(), "dial %s", addr)
		}
	}
}

func (s *Service) dialOnce(ctx context.Context, addr message.HostAddress) (*remote.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.dialTimeout)
	defer cancel()
	s.stats.dial()

	var (
		nc  net.Conn
		err error
	)
	if addr.IsDevice() {
		if s.opts.deviceDialer == nil {
			return nil, edoerr.Unreachable(nil, "no device dialer for %s", addr)
		}
		nc, err = s.opts.deviceDialer(ctx, addr)
	} else {
		var d net.Dialer
		nc, err = d.DialContext(ctx, "tcp", addr.DialAddress())
	}
	if err != nil {
		return nil, edoerr.Unreachable(err, "dial %s", addr)
	}

	peer, err := transport.ClientHandshake(ctx, nc, s.codec, message.Hello{
		ProcessOriginID: s.reg.Origin(),
		ServiceName:     s.opts.name,
	})
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	if addr.ServiceName != "" && peer.ServiceName != addr.ServiceName {
		_ = nc.Close()
		return nil, edoerr.Unreachable(nil, "%s is served by %q, not %q", addr.DialAddress(), peer.ServiceName, addr.ServiceName)
	}

	s.log.Debug("connected", zap.Stringer("address", addr), zap.String("peer", peer.ServiceName))
	return remote.Open(nc, s.codec, peer, s.cfg,
		transport.WithHeartbeat(s.opts.heartbeat),
		transport.WithLogger(s.opts.logger)), nil
}
