// Package middleware wraps the dispatch of inbound invocations on a Host Service.
package middleware

import (
	"context"

	"edo/edoerr"
	"edo/message"
)

// HandlerFunc serves one inbound invocation.
type HandlerFunc func(ctx context.Context, req *message.InvocationRequest) *message.InvocationResponse

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares; the first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// reject answers req with an InvocationFailed error raised before the object ran.
func reject(req *message.InvocationRequest, msg string) *message.InvocationResponse {
	return &message.InvocationResponse{
		CorrelationID: req.CorrelationID,
		Error: &message.RemoteError{
			Kind:    string(edoerr.KindInvocationFailed),
			Message: msg,
			Trace:   []string{req.Target.TypeDescriptor + " " + req.Selector},
		},
	}
}

type discardKey struct{}

// WithDiscard returns a context whose middlewares hand responses they drop to fn.
// A response carrying an exported object holds a reference that only its reader
// would release.
func WithDiscard(ctx context.Context, fn func(*message.InvocationResponse)) context.Context {
	return context.WithValue(ctx, discardKey{}, fn)
}

// Discard passes a response nobody will read to the hook installed by WithDiscard.
func Discard(ctx context.Context, resp *message.InvocationResponse) {
	if resp == nil {
		return
	}
	if fn, ok := ctx.Value(discardKey{}).(func(*message.InvocationResponse)); ok {
		fn(resp)
	}
}
