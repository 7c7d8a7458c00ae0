package client

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"edo/codec"
	"edo/executor"
	"edo/message"
	"edo/remote"
	"edo/transport"
)

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultServiceName = "edo-client"
)

// Resolver turns a service name into the address of one host registered under it.
type Resolver interface {
	Resolve(ctx context.Context, name string) (message.HostAddress, error)
}

// DeviceDialer opens the byte stream to a host service on a remote device.
type DeviceDialer func(ctx context.Context, addr message.HostAddress) (net.Conn, error)

// ErrorHandler observes every error returned to callers of the Service.
type ErrorHandler func(err error)

type options struct {
	name         string
	resolver     Resolver
	deviceDialer DeviceDialer
	errorHandler ErrorHandler
	executor     executor.Executor
	codec        codec.CodecType
	logger       *zap.Logger
	callTimeout  time.Duration
	dialTimeout  time.Duration
	heartbeat    time.Duration
	dialRetries  int
	retryBase    time.Duration
}

func defaultOptions() options {
	return options{
		name:        DefaultServiceName,
		executor:    executor.Concurrent{},
		codec:       codec.Default,
		logger:      zap.NewNop(),
		callTimeout: remote.DefaultCallTimeout,
		dialTimeout: DefaultDialTimeout,
		heartbeat:   transport.DefaultHeartbeat,
	}
}

// Option configures a Service.
type Option func(*options)

// WithName sets the name this process announces in the handshake.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithResolver resolves addresses that carry only a service name.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

func WithDeviceDialer(d DeviceDialer) Option {
	return func(o *options) { o.deviceDialer = d }
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(o *options) { o.errorHandler = h }
}

// WithExecutor sets where callbacks from hosts run when the object passed out did
// not come from a queue.
func WithExecutor(e executor.Executor) Option {
	return func(o *options) { o.executor = e }
}

func WithCodec(c codec.CodecType) Option {
	return func(o *options) { o.codec = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCallTimeout bounds calls whose context has no deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithDialRetry retries failed dials up to n times with exponential backoff starting
// at base. Invocations are never retried.
func WithDialRetry(n int, base time.Duration) Option {
	return func(o *options) {
		o.dialRetries = n
		o.retryBase = base
	}
}
