package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"edo/executor"
	"edo/message"
	"edo/remote"
	"edo/transport"
)

const (
	DefaultInvalidateGrace  = time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultPublishTTL       = 10 // seconds; the lease is kept alive while the host runs
)

// Publisher makes the host findable by name, e.g. a naming registry.
type Publisher interface {
	Register(ctx context.Context, name string, addr message.HostAddress, ttl int64) error
	Deregister(ctx context.Context, name string, addr message.HostAddress) error
}

type options struct {
	name             string
	executor         executor.Executor
	publisher        Publisher
	publishTTL       int64
	logger           *zap.Logger
	callTimeout      time.Duration
	heartbeat        time.Duration
	handshakeTimeout time.Duration
	invalidateGrace  time.Duration
}

func defaultOptions() options {
	return options{
		executor:         executor.Concurrent{},
		publishTTL:       DefaultPublishTTL,
		logger:           zap.NewNop(),
		callTimeout:      remote.DefaultCallTimeout,
		heartbeat:        transport.DefaultHeartbeat,
		handshakeTimeout: DefaultHandshakeTimeout,
		invalidateGrace:  DefaultInvalidateGrace,
	}
}

// Option configures a Host.
type Option func(*options)

// WithName sets the service name sent in the handshake and published. The default
// is a random UUID.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithExecutor sets the executor of the default root object and of everything it
// hands out. The default runs each invocation on its own goroutine.
func WithExecutor(e executor.Executor) Option {
	return func(o *options) { o.executor = e }
}

// WithPublisher registers name → address with p while the host is listening.
func WithPublisher(p Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithPublishTTL sets the lease of the published record, in seconds.
func WithPublishTTL(ttl int64) Option {
	return func(o *options) { o.publishTTL = ttl }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCallTimeout bounds calls the host makes back into its clients.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithInvalidateGrace sets how long Invalidate waits for clients to hang up after
// the goodbye before it closes their connections.
func WithInvalidateGrace(d time.Duration) Option {
	return func(o *options) { o.invalidateGrace = d }
}
