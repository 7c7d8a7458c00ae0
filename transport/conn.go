// Package transport implements the connection between two processes.
//
// A Conn is symmetric: both sides send invocations and serve them. Many calls share
// one connection. Each outbound request carries a correlation id and waits on its own
// channel in the pending table; a single read loop routes every response to the
// matching waiter.
//
//	goroutine-1 ──Send(cid=1)──┐
//	goroutine-2 ──Send(cid=2)──┼──→ one net.Conn ──→ peer
//	goroutine-3 ──Send(cid=3)──┘
//
//	readLoop: ←── response(cid=2) → pending[2] → goroutine-2 wakes up
//	          ←── request         → go Handler.ServeInvocation → response written back
//
// Inbound requests are served on their own goroutines so that a caller blocked on a
// reply never stops the read loop from delivering that reply.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"edo/codec"
	"edo/edoerr"
	"edo/message"
	"edo/protocol"
)

// State of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// DefaultHeartbeat is the interval between keep-alive frames.
const DefaultHeartbeat = 30 * time.Second

// Handler serves the inbound traffic of a connection.
type Handler interface {
	ServeInvocation(ctx context.Context, c *Conn, req *message.InvocationRequest) *message.InvocationResponse
	ServeRoot(ctx context.Context, c *Conn, req *message.RootRequest) *message.InvocationResponse
	ServeRelease(c *Conn, req *message.ReleaseRequest)
	ServeGoodbye(c *Conn, msg *message.Goodbye)
	ConnClosed(c *Conn, err error)
}

// Result resolves one pending call: either the response or the transport error.
type Result struct {
	Response *message.InvocationResponse
	Err      error
}

type options struct {
	heartbeat time.Duration
	logger    *zap.Logger
}

// Option configures a Conn.
type Option func(*options)

// WithHeartbeat sets the keep-alive interval. Zero disables heartbeats and read
// deadlines.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithLogger sets the connection logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

var connIDs atomic.Uint64

// Conn is one established connection.
type Conn struct {
	id      uint64
	nc      net.Conn
	codec   codec.Codec
	peer    message.Hello
	handler Handler
	opts    options
	log     *zap.Logger

	state   atomic.Int32
	nextCID atomic.Uint64
	pending sync.Map // uint64 → chan Result

	writeMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	serving sync.WaitGroup

	goodbye   atomic.Pointer[message.Goodbye]
	closeOnce sync.Once
	err       error
	done      chan struct{}
}

// New wraps an established net.Conn whose handshake has completed. Call Start to begin
// reading.
func New(nc net.Conn, c codec.Codec, peer message.Hello, h Handler, opts ...Option) *Conn {
	o := options{heartbeat: DefaultHeartbeat, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	id := connIDs.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		id:      id,
		nc:      nc,
		codec:   c,
		peer:    peer,
		handler: h,
		opts:    o,
		log: o.logger.With(
			zap.Uint64("conn", id),
			zap.Stringer("remote", nc.RemoteAddr()),
		),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	conn.state.Store(int32(StateConnecting))
	return conn
}

// ID is unique within the process. It is the holder id of the connection in the
// object registry.
func (c *Conn) ID() uint64 { return c.id }

// Peer returns the Hello the other side sent.
func (c *Conn) Peer() message.Hello { return c.peer }

func (c *Conn) Codec() codec.Codec { return c.codec }

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *Conn) LocalAddr() net.Addr { return c.nc.LocalAddr() }

func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Goodbye returns the Goodbye the peer sent, if any.
func (c *Conn) Goodbye() *message.Goodbye { return c.goodbye.Load() }

// Start runs the read and heartbeat loops. The connection closes when either fails.
func (c *Conn) Start() {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return
	}
	g, ctx := errgroup.WithContext(c.ctx)
	g.Go(c.readLoop)
	if c.opts.heartbeat > 0 {
		g.Go(func() error { return c.heartbeatLoop(ctx) })
	}
	go func() {
		err := g.Wait()
		if err == nil {
			err = edoerr.Unreachable(nil, "connection closed")
		}
		c.Close(err)
	}()
	c.log.Debug("connection open", zap.String("peer", c.peer.ServiceName))
}

// Send writes req with a fresh correlation id and returns the channel its Result
// arrives on. The channel receives exactly one value.
func (c *Conn) Send(req *message.InvocationRequest) (<-chan Result, error) {
	req.CorrelationID = c.nextCID.Add(1)
	return c.call(req.CorrelationID, req)
}

// SendRoot asks the peer for the root object registered under name.
func (c *Conn) SendRoot(name string) (<-chan Result, error) {
	req := &message.RootRequest{CorrelationID: c.nextCID.Add(1), Name: name}
	return c.call(req.CorrelationID, req)
}

func (c *Conn) call(cid uint64, msg any) (<-chan Result, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}

	ch := make(chan Result, 1)
	c.pending.Store(cid, ch)

	// Close may have drained the table between usable and Store.
	if c.State() >= StateClosing {
		if _, ok := c.pending.LoadAndDelete(cid); ok {
			return nil, c.closedError()
		}
		return ch, nil
	}

	if err := c.write(msg); err != nil {
		c.Forget(cid)
		return nil, err
	}
	return ch, nil
}

// Forget drops the waiter for cid. A response arriving later is discarded.
func (c *Conn) Forget(cid uint64) {
	c.pending.Delete(cid)
}

// SendRelease tells the peer that the listed holds are no longer needed.
func (c *Conn) SendRelease(releases []message.Release) error {
	if len(releases) == 0 {
		return nil
	}
	if err := c.usable(); err != nil {
		return err
	}
	return c.write(&message.ReleaseRequest{Releases: releases})
}

// SendGoodbye announces that this side is closing the connection on purpose.
func (c *Conn) SendGoodbye(kind edoerr.Kind, msg string) error {
	if c.State() != StateOpen {
		return c.closedError()
	}
	return c.write(&message.Goodbye{Kind: string(kind), Message: msg})
}

func (c *Conn) usable() error {
	if c.State() != StateOpen {
		return c.closedError()
	}
	if g := c.Goodbye(); g != nil {
		return goodbyeError(g)
	}
	return nil
}

func (c *Conn) closedError() error {
	if g := c.Goodbye(); g != nil {
		return goodbyeError(g)
	}
	return edoerr.Unreachable(c.Err(), "connection %d is %s", c.id, c.State())
}

func goodbyeError(g *message.Goodbye) error {
	kind := edoerr.Kind(g.Kind)
	if kind == "" {
		kind = edoerr.KindServiceInvalidated
	}
	return edoerr.New(kind).Detail("peer said goodbye: %s", g.Message).Remote().Build()
}

// write serializes frames: without the lock two frames could interleave on the wire.
func (c *Conn) write(msg any) error {
	frame, err := protocol.EncodeMessage(c.codec, msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.nc.Write(frame); err != nil {
		werr := edoerr.Unreachable(err, "write to connection %d", c.id)
		go c.Close(werr)
		return werr
	}
	return nil
}

func (c *Conn) readLoop() error {
	for {
		if c.opts.heartbeat > 0 {
			// A peer silent for three heartbeats is dead.
			_ = c.nc.SetReadDeadline(time.Now().Add(3 * c.opts.heartbeat))
		}
		h, msg, err := protocol.ReadMessage(c.nc)
		if err != nil {
			return c.readError(err)
		}

		switch m := msg.(type) {
		case *message.InvocationResponse:
			c.resolve(m)
		case *message.InvocationRequest:
			c.serve(m.CorrelationID, func(ctx context.Context) *message.InvocationResponse {
				return c.handler.ServeInvocation(ctx, c, m)
			})
		case *message.RootRequest:
			c.serve(m.CorrelationID, func(ctx context.Context) *message.InvocationResponse {
				return c.handler.ServeRoot(ctx, c, m)
			})
		case *message.ReleaseRequest:
			c.handler.ServeRelease(c, m)
		case *message.Goodbye:
			c.goodbye.Store(m)
			c.handler.ServeGoodbye(c, m)
		case protocol.Heartbeat:
		default:
			return edoerr.MalformedFrame("unexpected %s frame on open connection", h.MsgType)
		}
	}
}

func (c *Conn) readError(err error) error {
	if c.State() >= StateClosing {
		return nil
	}
	switch {
	case errors.Is(err, edoerr.ErrMalformedFrame):
		c.log.Warn("malformed frame, closing connection", zap.Error(err))
		return err
	case errors.Is(err, io.EOF):
		return edoerr.Unreachable(err, "peer closed connection %d", c.id)
	default:
		return edoerr.Unreachable(err, "read from connection %d", c.id)
	}
}

func (c *Conn) resolve(resp *message.InvocationResponse) {
	v, ok := c.pending.LoadAndDelete(resp.CorrelationID)
	if !ok {
		c.log.Debug("discarding response without waiter", zap.Uint64("cid", resp.CorrelationID))
		return
	}
	v.(chan Result) <- Result{Response: resp}
}

func (c *Conn) serve(cid uint64, fn func(ctx context.Context) *message.InvocationResponse) {
	c.serving.Add(1)
	go func() {
		defer c.serving.Done()
		resp := fn(c.ctx)
		if resp == nil {
			return
		}
		resp.CorrelationID = cid
		if err := c.write(resp); err != nil {
			c.log.Debug("response not delivered", zap.Uint64("cid", cid), zap.Error(err))
		}
	}()
}

func (c *Conn) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.write(protocol.Heartbeat{}); err != nil {
				return err
			}
		}
	}
}

// Close tears the connection down. Every pending waiter receives an Unreachable
// error. Safe to call more than once; only the first reason is kept.
func (c *Conn) Close(reason error) {
	c.closeOnce.Do(func() {
		if reason == nil {
			reason = edoerr.Unreachable(nil, "connection %d closed locally", c.id)
		}
		c.state.Store(int32(StateClosing))
		c.err = reason
		c.cancel()
		_ = c.nc.Close()

		failed := edoerr.Unreachable(reason, "connection %d closed", c.id)
		c.pending.Range(func(key, _ any) bool {
			if v, ok := c.pending.LoadAndDelete(key); ok {
				v.(chan Result) <- Result{Err: failed}
			}
			return true
		})

		c.state.Store(int32(StateClosed))
		close(c.done)
		c.log.Debug("connection closed", zap.Error(reason))
		if c.handler != nil {
			c.handler.ConnClosed(c, reason)
		}
	})
}

// Wait blocks until inbound requests being served have finished or ctx ends.
func (c *Conn) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn(%d %s→%s)", c.id, c.nc.LocalAddr(), c.nc.RemoteAddr())
}
