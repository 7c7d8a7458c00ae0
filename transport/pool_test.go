package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	done   chan struct{}
	once   sync.Once
	reason error
}

func newFakeConn() *fakeConn { return &fakeConn{done: make(chan struct{})} }

func (f *fakeConn) Done() <-chan struct{} { return f.done }

func (f *fakeConn) Close(reason error) {
	f.once.Do(func() {
		f.reason = reason
		close(f.done)
	})
}

func TestPoolReuses(t *testing.T) {
	p := NewPool[*fakeConn]()
	var dials atomic.Int32
	dial := func(context.Context) (*fakeConn, error) {
		dials.Add(1)
		time.Sleep(5 * time.Millisecond)
		return newFakeConn(), nil
	}

	var wg sync.WaitGroup
	got := make([]*fakeConn, 10)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.Get(context.Background(), "a", dial)
			if err == nil {
				got[i] = c
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), dials.Load())
	for _, c := range got {
		require.Same(t, got[0], c)
	}

	other, err := p.Get(context.Background(), "b", dial)
	require.NoError(t, err)
	require.NotSame(t, got[0], other)
	require.Equal(t, 2, p.Len())
}

func TestPoolEvictsClosed(t *testing.T) {
	p := NewPool[*fakeConn]()
	dial := func(context.Context) (*fakeConn, error) { return newFakeConn(), nil }

	first, err := p.Get(context.Background(), "a", dial)
	require.NoError(t, err)
	first.Close(nil)

	second, err := p.Get(context.Background(), "a", dial)
	require.NoError(t, err)
	require.NotSame(t, first, second)

	_, ok := p.Lookup("a")
	require.True(t, ok)
}

func TestPoolDialError(t *testing.T) {
	p := NewPool[*fakeConn]()
	boom := errors.New("refused")
	_, err := p.Get(context.Background(), "a", func(context.Context) (*fakeConn, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, p.Len())

	c, err := p.Get(context.Background(), "a", func(context.Context) (*fakeConn, error) { return newFakeConn(), nil })
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestPoolClose(t *testing.T) {
	p := NewPool[*fakeConn]()
	c, err := p.Get(context.Background(), "a", func(context.Context) (*fakeConn, error) { return newFakeConn(), nil })
	require.NoError(t, err)

	reason := errors.New("shutdown")
	p.Close(reason)
	<-c.Done()
	require.Equal(t, reason, c.reason)

	_, err = p.Get(context.Background(), "a", func(context.Context) (*fakeConn, error) { return newFakeConn(), nil })
	require.ErrorIs(t, err, ErrPoolClosed)
}
