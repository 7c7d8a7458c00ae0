// Package edoerr provides the structured error type used by every layer of the module.
//
// Errors are categorized by Kind. Use errors.Is with the sentinels to test a category:
//
//	if errors.Is(err, edoerr.ErrUnreachable) {
//		// the caller may dial again
//	}
//
// Errors that were captured in the other process carry Remote=true and the trace of the
// process that produced them.
package edoerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes the error
type Kind string

const (
	KindMalformedFrame     Kind = "malformed_frame"     // framing corruption, fatal to the connection
	KindUnknownHandle      Kind = "unknown_handle"      // stale or foreign handle
	KindInvocationFailed   Kind = "invocation_failed"   // the invoked operation failed
	KindUnreachable        Kind = "unreachable"         // transport failure or timeout
	KindServiceInvalidated Kind = "service_invalidated" // the host service was torn down
)

// Sentinels for errors.Is.
var (
	ErrMalformedFrame     = &Error{Kind: KindMalformedFrame}
	ErrUnknownHandle      = &Error{Kind: KindUnknownHandle}
	ErrInvocationFailed   = &Error{Kind: KindInvocationFailed}
	ErrUnreachable        = &Error{Kind: KindUnreachable}
	ErrServiceInvalidated = &Error{Kind: KindServiceInvalidated}
)

// Error is the structured error type
type Error struct {
	Cause  error
	Kind   Kind
	Detail string
	Trace  []string
	Remote bool
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Remote {
		b.WriteString("[remote] ")
	}
	b.WriteString(string(e.Kind))

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target has the same kind
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(kind Kind) *Builder {
	return &Builder{err: Error{Kind: kind}}
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Trace sets the originating call trace
func (b *Builder) Trace(trace []string) *Builder {
	b.err.Trace = trace
	return b
}

// Remote marks the error as captured in the other process
func (b *Builder) Remote() *Builder {
	b.err.Remote = true
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// MalformedFrame creates a framing error
func MalformedFrame(format string, args ...any) *Error {
	return New(KindMalformedFrame).Detail(format, args...).Build()
}

// UnknownHandle creates an unknown handle error
func UnknownHandle(format string, args ...any) *Error {
	return New(KindUnknownHandle).Detail(format, args...).Build()
}

// Unreachable creates a transport error wrapping cause
func Unreachable(cause error, format string, args ...any) *Error {
	return New(KindUnreachable).Detail(format, args...).Cause(cause).Build()
}

// ServiceInvalidated creates an invalidated service error
func ServiceInvalidated(format string, args ...any) *Error {
	return New(KindServiceInvalidated).Detail(format, args...).Build()
}

// InvocationFailed creates an invocation failure wrapping cause
func InvocationFailed(cause error, format string, args ...any) *Error {
	return New(KindInvocationFailed).Detail(format, args...).Cause(cause).Build()
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRemote reports whether err was captured in the other process.
func IsRemote(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Remote
}

// TraceOf returns the trace carried by err, if any.
func TraceOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Trace
	}
	return nil
}
