// Package remote turns a transport connection into object calls.
//
// An Endpoint sits on one connection. Outbound, it gives out Proxies for the peer's
// objects and converts call arguments to wire values, exporting local Objects so the
// peer can call back into them. Inbound, it resolves the target handle in the local
// registry, runs the call on the target's executor and exports the result.
package remote

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"edo/codec"
	"edo/edoerr"
	"edo/executor"
	"edo/message"
	"edo/middleware"
	"edo/registry"
	"edo/transport"
)

// DefaultCallTimeout bounds an outbound call whose context has no deadline.
const DefaultCallTimeout = 10 * time.Second

// RootFunc returns the pinned handle of the root object registered under name.
type RootFunc func(name string) (message.ObjectHandle, error)

// Config is shared by every Endpoint of a Host or Client Service.
type Config struct {
	Registry    *registry.Registry
	Executor    executor.Executor // for objects exported without one; Concurrent if nil
	Roots       RootFunc          // nil when this side has no roots
	Middleware  []middleware.Middleware
	CallTimeout time.Duration
	Logger      *zap.Logger

	OnClose   func(ep *Endpoint, err error)
	OnCall    func(selector string, d time.Duration, err error)
	OnRelease func(n int)
}

// Endpoint is one side of a connection seen as an object space.
type Endpoint struct {
	cfg   *Config
	conn  *transport.Conn
	serve middleware.HandlerFunc
	log   *zap.Logger

	mu      sync.Mutex
	proxies map[handleKey]*imported
}

// Open wraps an established connection (the handshake is done) and starts it.
func Open(nc net.Conn, c codec.Codec, peer message.Hello, cfg *Config, opts ...transport.Option) *Endpoint {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ep := &Endpoint{
		cfg:     cfg,
		proxies: make(map[handleKey]*imported),
	}
	ep.serve = middleware.Chain(cfg.Middleware...)(ep.dispatch)

	ep.conn = transport.New(nc, c, peer, ep, append([]transport.Option{transport.WithLogger(logger)}, opts...)...)
	ep.log = logger.With(zap.Uint64("conn", ep.conn.ID()), zap.String("peer", peer.ServiceName))
	ep.conn.Start()
	return ep
}

func (ep *Endpoint) Conn() *transport.Conn { return ep.conn }

func (ep *Endpoint) Peer() message.Hello { return ep.conn.Peer() }

func (ep *Endpoint) Done() <-chan struct{} { return ep.conn.Done() }

func (ep *Endpoint) Close(reason error) { ep.conn.Close(reason) }

func (ep *Endpoint) holder() registry.HolderID {
	return registry.HolderID(ep.conn.ID())
}

type endpointKey struct{}

// WithEndpoint returns ctx carrying ep.
func WithEndpoint(ctx context.Context, ep *Endpoint) context.Context {
	return context.WithValue(ctx, endpointKey{}, ep)
}

// EndpointFrom returns the endpoint an inbound call arrived on.
func EndpointFrom(ctx context.Context) *Endpoint {
	ep, _ := ctx.Value(endpointKey{}).(*Endpoint)
	return ep
}

// Root fetches the peer's root object registered under name ("" for the default).
func (ep *Endpoint) Root(ctx context.Context, name string) (*Proxy, error) {
	ch, err := ep.conn.SendRoot(name)
	if err != nil {
		return nil, err
	}
	v, err := ep.await(ctx, ch, "root "+name)
	if err != nil {
		return nil, err
	}
	p, ok := v.(*Proxy)
	if !ok {
		return nil, edoerr.InvocationFailed(nil, "root %q resolved to %T, not a remote object", name, v)
	}
	return p, nil
}

// call invokes selector on the peer's object target and waits for the result.
func (ep *Endpoint) call(ctx context.Context, target message.ObjectHandle, selector string, args []any) (result any, err error) {
	start := time.Now()
	if ep.cfg.OnCall != nil {
		defer func() { ep.cfg.OnCall(selector, time.Since(start), err) }()
	}

	vals, err := ep.encodeArgs(ctx, args)
	if err != nil {
		return nil, err
	}
	ch, err := ep.conn.Send(&message.InvocationRequest{
		Target:    target,
		Selector:  selector,
		Arguments: vals,
	})
	if err != nil {
		return nil, err
	}
	return ep.await(ctx, ch, selector)
}

func (ep *Endpoint) await(ctx context.Context, ch <-chan transport.Result, what string) (any, error) {
	if _, ok := ctx.Deadline(); !ok {
		timeout := ep.cfg.CallTimeout
		if timeout <= 0 {
			timeout = DefaultCallTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := executor.Await(ctx, ch)
	if err != nil {
		go ep.discard(ch)
		return nil, edoerr.Unreachable(err, "%s: no response", what)
	}
	if res.Err != nil {
		return nil, res.Err
	}

	resp := res.Response
	if resp.Error != nil {
		return nil, fromRemote(resp.Error)
	}
	if resp.Result == nil {
		return nil, nil
	}
	return ep.decode(*resp.Result)
}

// discard waits for a response nobody is waiting for anymore and gives back the hold
// the peer took when it exported the result.
func (ep *Endpoint) discard(ch <-chan transport.Result) {
	res := <-ch
	if res.Response == nil || res.Response.Result == nil {
		return
	}
	v := res.Response.Result
	if v.Kind != message.KindHandle || v.Handle == nil || v.Handle.ProcessOriginID != ep.Peer().ProcessOriginID {
		return
	}
	ep.sendRelease(*v.Handle, 1)
}

func (ep *Endpoint) sendRelease(h message.ObjectHandle, n int) {
	if err := ep.conn.SendRelease([]message.Release{{Handle: h, Count: uint32(n)}}); err != nil {
		ep.log.Debug("release not sent", zap.Uint64("handle", h.LocalID), zap.Error(err))
		return
	}
	if ep.cfg.OnRelease != nil {
		ep.cfg.OnRelease(n)
	}
}

// ServeInvocation implements transport.Handler.
func (ep *Endpoint) ServeInvocation(ctx context.Context, _ *transport.Conn, req *message.InvocationRequest) *message.InvocationResponse {
	ctx = middleware.WithDiscard(WithEndpoint(ctx, ep), ep.unexport)
	return ep.serve(ctx, req)
}

// unexport gives back the hold taken for a result that will never be sent.
func (ep *Endpoint) unexport(resp *message.InvocationResponse) {
	v := resp.Result
	if v == nil || v.Kind != message.KindHandle || v.Handle == nil {
		return
	}
	if err := ep.cfg.Registry.Release(*v.Handle, ep.holder(), 1); err != nil {
		ep.log.Debug("dropped result not released", zap.Uint64("handle", v.Handle.LocalID), zap.Error(err))
	}
}

func (ep *Endpoint) dispatch(ctx context.Context, req *message.InvocationRequest) *message.InvocationResponse {
	entry, err := ep.cfg.Registry.Lookup(req.Target)
	if err != nil {
		return failure(err, frame(req.Target.TypeDescriptor, req.Selector))
	}
	where := frame(entry.Handle.TypeDescriptor, req.Selector)

	obj, ok := entry.Object.(Object)
	if !ok {
		return failure(edoerr.InvocationFailed(nil, "%s cannot be invoked", entry.Handle.TypeDescriptor), where)
	}
	args, err := ep.decodeArgs(req.Arguments)
	if err != nil {
		return failure(err, where)
	}

	var (
		result  any
		callErr error
	)
	err = ep.executorFor(entry.Tag).Run(ctx, func(ctx context.Context) {
		result, callErr = obj.Invoke(ctx, req.Selector, args)
	})
	if err != nil {
		return failure(err, where)
	}
	if callErr != nil {
		return callFailure(callErr, where)
	}
	if err := ctx.Err(); err != nil {
		// Nobody waits for the result any more; do not export it.
		return failure(edoerr.InvocationFailed(err, "call abandoned"), where)
	}

	// Objects returned from a call run on the executor of the object that returned them.
	v, err := ep.encode(result, entry.Tag)
	if err != nil {
		return failure(err, where)
	}
	return &message.InvocationResponse{Result: &v}
}

func (ep *Endpoint) executorFor(tag any) executor.Executor {
	switch e := tag.(type) {
	case *executor.Queue:
		if e != nil {
			return e
		}
	case executor.Executor:
		if e != nil {
			return e
		}
	}
	if ep.cfg.Executor != nil {
		return ep.cfg.Executor
	}
	return executor.Concurrent{}
}

// ServeRoot implements transport.Handler.
func (ep *Endpoint) ServeRoot(_ context.Context, _ *transport.Conn, req *message.RootRequest) *message.InvocationResponse {
	where := frame("root", req.Name)
	if ep.cfg.Roots == nil {
		return failure(edoerr.InvocationFailed(nil, "this process serves no root objects"), where)
	}
	h, err := ep.cfg.Roots(req.Name)
	if err != nil {
		return failure(err, where)
	}
	if err := ep.cfg.Registry.Retain(h, ep.holder()); err != nil {
		return failure(err, where)
	}
	v := message.Handle(h)
	return &message.InvocationResponse{Result: &v}
}

// ServeRelease implements transport.Handler.
func (ep *Endpoint) ServeRelease(_ *transport.Conn, req *message.ReleaseRequest) {
	for _, r := range req.Releases {
		if err := ep.cfg.Registry.Release(r.Handle, ep.holder(), int(r.Count)); err != nil {
			ep.log.Debug("release ignored", zap.Uint64("handle", r.Handle.LocalID), zap.Error(err))
		}
	}
}

// ServeGoodbye implements transport.Handler. The peer is going away on purpose; the
// connection is closed from this side so pending calls fail at once.
func (ep *Endpoint) ServeGoodbye(_ *transport.Conn, msg *message.Goodbye) {
	ep.log.Info("peer said goodbye", zap.String("kind", msg.Kind), zap.String("message", msg.Message))
	kind := edoerr.Kind(msg.Kind)
	if kind == "" {
		kind = edoerr.KindServiceInvalidated
	}
	go ep.conn.Close(edoerr.New(kind).Detail("%s", msg.Message).Remote().Build())
}

// ConnClosed implements transport.Handler.
func (ep *Endpoint) ConnClosed(_ *transport.Conn, err error) {
	n := ep.cfg.Registry.ReleaseHolder(ep.holder())
	ep.log.Debug("endpoint closed", zap.Int("evicted", n), zap.Error(err))

	ep.mu.Lock()
	clear(ep.proxies)
	ep.mu.Unlock()

	if ep.cfg.OnClose != nil {
		ep.cfg.OnClose(ep, err)
	}
}
