// Package server implements the Host Service: it listens for connections and exposes
// root objects to the processes that connect.
//
// Connection pipeline:
//
//	Accept conn → handshake (Hello both ways, codec chosen by the client)
//	  → remote.Endpoint (one read loop per connection)
//	    → for each request: go dispatch
//	      → Middleware Chain → resolve handle → executor of the root → Object.Invoke
//	      → export result → write response
//
// Invalidate tears the host down for good: the registry forgets every object, each
// client is told goodbye, and later calls on its proxies fail with ServiceInvalidated.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"edo/edoerr"
	"edo/executor"
	"edo/message"
	"edo/middleware"
	"edo/registry"
	"edo/remote"
	"edo/transport"
)

// Host is a Host Service.
type Host struct {
	opts options
	reg  *registry.Registry
	cfg  *remote.Config
	log  *zap.Logger

	mu          sync.Mutex
	roots       map[string]message.ObjectHandle
	middlewares []middleware.Middleware
	listener    net.Listener
	addr        message.HostAddress
	published   bool
	endpoints   map[*remote.Endpoint]struct{}

	shutdown    atomic.Bool // set before the listener closes so Serve returns nil
	invalidated atomic.Bool
	handshakes  sync.WaitGroup
}

// NewHost creates a host whose default root ("" name) is root. root may be nil when
// roots are added with AddRoot.
func NewHost(root any, opts ...Option) *Host {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = uuid.NewString()
	}

	h := &Host{
		opts:      o,
		reg:       registry.New(),
		roots:     make(map[string]message.ObjectHandle),
		endpoints: make(map[*remote.Endpoint]struct{}),
		log:       o.logger.With(zap.String("host", o.name)),
	}
	h.cfg = &remote.Config{
		Registry:    h.reg,
		Executor:    executor.Concurrent{},
		Roots:       h.root,
		CallTimeout: o.callTimeout,
		Logger:      o.logger,
		OnClose:     h.forget,
	}
	if root != nil {
		// Pinning a fresh registry cannot fail.
		_ = h.AddRoot("", root, o.executor)
	}
	return h
}

// Name returns the service name.
func (h *Host) Name() string { return h.opts.name }

// Registry returns the object registry of the host.
func (h *Host) Registry() *registry.Registry { return h.reg }

// AddRoot exposes obj under name. Invocations on obj, and on every object it hands
// out, run on exec; nil means the default executor.
func (h *Host) AddRoot(name string, obj any, exec executor.Executor) error {
	var tag any
	if exec != nil {
		tag = exec
	}
	handle, err := h.reg.Pin(obj, tag)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.roots[name] = handle
	return nil
}

func (h *Host) root(name string) (message.ObjectHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.invalidated.Load() {
		return message.ObjectHandle{}, edoerr.ServiceInvalidated("host %s is invalidated", h.opts.name)
	}
	handle, ok := h.roots[name]
	if !ok {
		return message.ObjectHandle{}, edoerr.InvocationFailed(nil, "host %s has no root object named %q", h.opts.name, name)
	}
	return handle, nil
}

// Use registers a middleware. Middlewares apply in the order they are added, to
// connections accepted after the call.
func (h *Host) Use(mw middleware.Middleware) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.middlewares = append(h.middlewares, mw)
}

// Listen binds the listener and publishes the host. Port 0 picks a free port; see
// Address.
func (h *Host) Listen(network, address string) error {
	if h.invalidated.Load() {
		return edoerr.ServiceInvalidated("host %s is invalidated", h.opts.name)
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}

	addr := message.HostAddress{ServiceName: h.opts.name}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		addr.Port = uint16(tcp.Port)
		if !tcp.IP.IsUnspecified() {
			addr.Host = tcp.IP.String()
		}
	}

	h.mu.Lock()
	h.listener = ln
	h.addr = addr
	h.mu.Unlock()

	if p := h.opts.publisher; p != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.handshakeTimeout)
		defer cancel()
		if err := p.Register(ctx, h.opts.name, addr, h.opts.publishTTL); err != nil {
			_ = ln.Close()
			return fmt.Errorf("publish %s: %w", h.opts.name, err)
		}
		h.mu.Lock()
		h.published = true
		h.mu.Unlock()
	}
	h.log.Info("host service listening", zap.Stringer("address", addr))
	return nil
}

// Serve accepts connections until Shutdown or Invalidate. It returns nil when stopped
// on purpose.
func (h *Host) Serve() error {
	h.mu.Lock()
	ln := h.listener
	h.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			// Closing the listener during shutdown makes Accept fail.
			if h.shutdown.Load() {
				return nil
			}
			return err
		}
		h.handshakes.Add(1)
		go h.handleConn(nc)
	}
}

// ListenAndServe is Listen followed by Serve.
func (h *Host) ListenAndServe(network, address string) error {
	if err := h.Listen(network, address); err != nil {
		return err
	}
	return h.Serve()
}

// Start listens and serves in the background.
func (h *Host) Start(network, address string) error {
	if err := h.Listen(network, address); err != nil {
		return err
	}
	go func() {
		if err := h.Serve(); err != nil {
			h.log.Error("accept loop stopped", zap.Error(err))
		}
	}()
	return nil
}

// Address returns where the host listens. Valid after Listen.
func (h *Host) Address() message.HostAddress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

// Connections returns the number of open client connections.
func (h *Host) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.endpoints)
}

func (h *Host) handleConn(nc net.Conn) {
	defer h.handshakes.Done()

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.handshakeTimeout)
	defer cancel()
	c, peer, err := transport.ServerHandshake(ctx, nc, message.Hello{
		ProcessOriginID: h.reg.Origin(),
		ServiceName:     h.opts.name,
	})
	if err != nil {
		h.log.Debug("handshake failed", zap.Stringer("remote", nc.RemoteAddr()), zap.Error(err))
		_ = nc.Close()
		return
	}

	h.mu.Lock()
	if h.invalidated.Load() || h.shutdown.Load() {
		h.mu.Unlock()
		_ = nc.Close()
		return
	}
	cfg := *h.cfg
	cfg.Middleware = append([]middleware.Middleware(nil), h.middlewares...)
	ep := remote.Open(nc, c, peer, &cfg, transport.WithHeartbeat(h.opts.heartbeat), transport.WithLogger(h.opts.logger))
	// forget takes h.mu, so a connection dying right away is still untracked after this.
	h.endpoints[ep] = struct{}{}
	h.mu.Unlock()
}

func (h *Host) forget(ep *remote.Endpoint, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, ep)
}

func (h *Host) snapshot() []*remote.Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	eps := make([]*remote.Endpoint, 0, len(h.endpoints))
	for ep := range h.endpoints {
		eps = append(eps, ep)
	}
	return eps
}

func (h *Host) stopAccepting() {
	h.shutdown.Store(true)
	h.mu.Lock()
	ln := h.listener
	published := h.published
	h.published = false
	addr := h.addr
	h.mu.Unlock()

	// Deregister first so nobody resolves the name to a host that is going away.
	if published {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.handshakeTimeout)
		if err := h.opts.publisher.Deregister(ctx, h.opts.name, addr); err != nil {
			h.log.Warn("deregister failed", zap.Error(err))
		}
		cancel()
	}
	if ln != nil {
		_ = ln.Close()
	}
	h.handshakes.Wait()
}

// Invalidate stops the host for good. Every exported object is forgotten; clients
// receive a goodbye and get ServiceInvalidated from later calls on their proxies.
// Connections still open after the grace period are closed.
func (h *Host) Invalidate() {
	if !h.invalidated.CompareAndSwap(false, true) {
		return
	}
	h.stopAccepting()
	h.reg.Invalidate()

	eps := h.snapshot()
	for _, ep := range eps {
		if err := ep.Conn().SendGoodbye(edoerr.KindServiceInvalidated, "host service "+h.opts.name+" invalidated"); err != nil {
			h.log.Debug("goodbye not sent", zap.Error(err))
		}
	}

	deadline := time.NewTimer(h.opts.invalidateGrace)
	defer deadline.Stop()
	for _, ep := range eps {
		select {
		case <-ep.Done():
		case <-deadline.C:
			// Timer fired; close the rest without waiting.
			deadline.Reset(0)
		}
		ep.Close(edoerr.ServiceInvalidated("host service %s invalidated", h.opts.name))
	}
	h.log.Info("host service invalidated", zap.Int("connections", len(eps)))
}

// Shutdown stops accepting, waits up to timeout for invocations in progress to
// finish, then invalidates the host.
func (h *Host) Shutdown(timeout time.Duration) error {
	h.stopAccepting()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	for _, ep := range h.snapshot() {
		if werr := ep.Conn().Wait(ctx); werr != nil {
			err = fmt.Errorf("timeout waiting for ongoing requests to finish")
			break
		}
	}
	h.Invalidate()
	return err
}
