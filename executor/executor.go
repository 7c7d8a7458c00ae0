// Package executor decides where the body of an inbound invocation runs.
//
// A Queue is a single goroutine that runs tasks one at a time: objects bound to it see
// every invocation on the same goroutine, in arrival order. Concurrent runs each task in
// the goroutine that received it.
//
// A Queue task that makes an outbound call and blocks on the reply must not stop the
// queue, or a callback into the same queue (A calls B, B calls back into A) deadlocks.
// Await solves this: while it waits, it keeps running tasks submitted to the queue the
// waiting task belongs to.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
)

// ErrClosed is returned when a task is submitted to a closed Queue.
var ErrClosed = errors.New("executor: queue closed")

// Executor runs a task and waits for it to finish.
type Executor interface {
	Run(ctx context.Context, fn func(ctx context.Context)) error
}

// PanicError reports a task that panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// StackLines returns the goroutine stack split into trimmed lines.
func (e *PanicError) StackLines() []string {
	var lines []string
	for _, l := range strings.Split(e.Stack, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// call runs fn and turns a panic into a *PanicError.
func call(ctx context.Context, fn func(ctx context.Context)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	fn(ctx)
	return nil
}

// Concurrent runs tasks in the calling goroutine.
type Concurrent struct{}

func (Concurrent) Run(ctx context.Context, fn func(ctx context.Context)) error {
	return call(ctx, fn)
}

type queueKey struct{}

// Current returns the Queue whose task is running under ctx, or nil.
func Current(ctx context.Context) *Queue {
	q, _ := ctx.Value(queueKey{}).(*Queue)
	return q
}

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context)
	err  error
	done chan struct{}
}

// Queue is a serial executor backed by one goroutine.
type Queue struct {
	name  string
	tasks chan *task
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewQueue starts a queue.
func NewQueue(name string) *Queue {
	q := &Queue{
		name:  name,
		tasks: make(chan *task),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) String() string { return "queue(" + q.name + ")" }

func (q *Queue) loop() {
	defer close(q.done)
	for {
		select {
		case t := <-q.tasks:
			q.exec(t)
		case <-q.quit:
			return
		}
	}
}

func (q *Queue) exec(t *task) {
	t.err = call(context.WithValue(t.ctx, queueKey{}, q), t.fn)
	close(t.done)
}

// Run submits fn and waits until it has run. A task already running on q runs fn
// inline.
func (q *Queue) Run(ctx context.Context, fn func(ctx context.Context)) error {
	if Current(ctx) == q {
		return call(ctx, fn)
	}

	t := &task{ctx: ctx, fn: fn, done: make(chan struct{})}
	select {
	case q.tasks <- t:
	case <-q.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		// The task still runs; its result is dropped.
		return ctx.Err()
	}
}

// Close stops the queue. A task in progress finishes first.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.quit) })
	<-q.done
}

// Await waits for a value on ch. When ctx belongs to a Queue task, the queue's other
// tasks keep running on this goroutine until the value arrives.
func Await[T any](ctx context.Context, ch <-chan T) (T, error) {
	var zero T
	q := Current(ctx)
	if q == nil {
		select {
		case v := <-ch:
			return v, nil
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	for {
		select {
		case v := <-ch:
			return v, nil
		case t := <-q.tasks:
			q.exec(t)
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
