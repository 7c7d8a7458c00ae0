package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every task on a queue sees the queue through Current.
func TestQueueRunsSerially(t *testing.T) {
	q := NewQueue("serial")
	defer q.Close()

	var (
		mu      sync.Mutex
		running int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Run(context.Background(), func(ctx context.Context) {
				assert.Same(t, q, Current(ctx))
				mu.Lock()
				running++
				maxSeen = max(maxSeen, running)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen)
}

func TestConcurrentRunsInline(t *testing.T) {
	ran := false
	err := Concurrent{}.Run(context.Background(), func(ctx context.Context) {
		assert.Nil(t, Current(ctx))
		ran = true
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestPanicIsReturned(t *testing.T) {
	q := NewQueue("panics")
	defer q.Close()

	for _, exec := range []Executor{q, Concurrent{}} {
		err := exec.Run(context.Background(), func(context.Context) { panic("boom") })
		var pe *PanicError
		require.ErrorAs(t, err, &pe)
		require.Equal(t, "boom", pe.Value)
		require.NotEmpty(t, pe.StackLines())
	}

	// The queue survives the panic.
	require.NoError(t, q.Run(context.Background(), func(context.Context) {}))
}

func TestRunOnOwnQueueIsInline(t *testing.T) {
	q := NewQueue("nested")
	defer q.Close()

	inner := false
	err := q.Run(context.Background(), func(ctx context.Context) {
		assert.NoError(t, q.Run(ctx, func(context.Context) { inner = true }))
	})
	require.NoError(t, err)
	require.True(t, inner)
}

// A task waiting in Await keeps serving its queue, so a task submitted to the same
// queue while it waits (a callback) runs and can produce the awaited value.
func TestAwaitDrainsQueue(t *testing.T) {
	q := NewQueue("reentrant")
	defer q.Close()

	reply := make(chan int, 1)
	var got int
	err := q.Run(context.Background(), func(ctx context.Context) {
		go func() {
			// Simulates the peer calling back into q before answering.
			_ = q.Run(context.Background(), func(context.Context) { reply <- 42 })
		}()
		v, err := Await(ctx, reply)
		assert.NoError(t, err)
		got = v
	})
	require.NoError(t, err)
	require.Equal(t, 42, got)
}

func TestAwaitTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Await(ctx, make(chan int))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedQueue(t *testing.T) {
	q := NewQueue("closed")
	q.Close()
	q.Close()

	err := q.Run(context.Background(), func(context.Context) {})
	require.ErrorIs(t, err, ErrClosed)
}
