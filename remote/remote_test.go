package remote

import (
	"context"
	"errors"
	"net"
	"runtime"
	"testing"
	"time"

	"edo/codec"
	"edo/edoerr"
	"edo/message"
	"edo/registry"
	"edo/transport"

	"github.com/stretchr/testify/require"
)

type calc struct {
	child *calc
	value int64
}

func (c *calc) Invoke(ctx context.Context, selector string, args Args) (any, error) {
	switch selector {
	case "add":
		a, b, err := args.Int2()
		return a + b, err
	case "value":
		return c.value, nil
	case "child":
		return c.child, nil
	case "echo":
		return args.Get(0), nil
	case "callBack":
		p, err := args.Proxy(0)
		if err != nil {
			return nil, err
		}
		return p.Call(ctx, "value")
	case "sleep":
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	case "fail":
		return nil, errors.New("no luck")
	case "panic":
		panic("kaboom")
	}
	return nil, edoerr.InvocationFailed(nil, "unrecognized selector %q", selector)
}

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func init() {
	RegisterValueType(point{})
}

type testPair struct {
	client, server       *Endpoint
	clientReg, serverReg *registry.Registry
	root                 *calc
}

func connect(t *testing.T) *testPair {
	t.Helper()
	tp := &testPair{
		clientReg: registry.New(),
		serverReg: registry.New(),
		root:      &calc{child: &calc{value: 9}, value: 1},
	}
	rootHandle, err := tp.serverReg.Pin(tp.root, nil)
	require.NoError(t, err)

	serverCfg := &Config{
		Registry:    tp.serverReg,
		CallTimeout: time.Second,
		Roots: func(name string) (message.ObjectHandle, error) {
			if name != "" {
				return message.ObjectHandle{}, edoerr.InvocationFailed(nil, "no root named %q", name)
			}
			return rootHandle, nil
		},
	}
	clientCfg := &Config{Registry: tp.clientReg, CallTimeout: time.Second}

	cn, sn := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	accepted := make(chan *Endpoint, 1)
	go func() {
		c, peer, err := transport.ServerHandshake(ctx, sn, message.Hello{ProcessOriginID: tp.serverReg.Origin()})
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- Open(sn, c, peer, serverCfg)
	}()

	cbor := codec.MustGetCodec(codec.CodecTypeCBOR)
	peer, err := transport.ClientHandshake(ctx, cn, cbor, message.Hello{ProcessOriginID: tp.clientReg.Origin()})
	require.NoError(t, err)
	tp.client = Open(cn, cbor, peer, clientCfg)
	tp.server = <-accepted
	require.NotNil(t, tp.server)

	t.Cleanup(func() {
		tp.client.Close(nil)
		tp.server.Close(nil)
	})
	return tp
}

func (tp *testPair) rootProxy(t *testing.T) *Proxy {
	t.Helper()
	p, err := tp.client.Root(context.Background(), "")
	require.NoError(t, err)
	return p
}

func TestCallRoot(t *testing.T) {
	tp := connect(t)
	root := tp.rootProxy(t)

	got, err := root.Call(context.Background(), "add", 2, 3)
	require.NoError(t, err)
	require.Equal(t, int64(5), got)
	require.Equal(t, "*remote.calc", root.Handle().TypeDescriptor)
}

func TestUnknownRoot(t *testing.T) {
	tp := connect(t)
	_, err := tp.client.Root(context.Background(), "missing")
	require.ErrorIs(t, err, edoerr.ErrInvocationFailed)
	require.True(t, edoerr.IsRemote(err))
}

func TestRemoteFailures(t *testing.T) {
	tp := connect(t)
	root := tp.rootProxy(t)

	_, err := root.Call(context.Background(), "frobnicate")
	require.ErrorIs(t, err, edoerr.ErrInvocationFailed)
	require.True(t, edoerr.IsRemote(err))
	require.Contains(t, err.Error(), `unrecognized selector "frobnicate"`)

	_, err = root.Call(context.Background(), "fail")
	require.ErrorIs(t, err, edoerr.ErrInvocationFailed)
	require.Contains(t, err.Error(), "no luck")
	require.Equal(t, []string{"*remote.calc fail"}, edoerr.TraceOf(err))

	_, err = root.Call(context.Background(), "panic")
	require.ErrorIs(t, err, edoerr.ErrInvocationFailed)
	require.Contains(t, err.Error(), "kaboom")
	require.Greater(t, len(edoerr.TraceOf(err)), 1)

	// The connection survives failures.
	got, err := root.Call(context.Background(), "add", 1, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), got)
}

func TestReturnedObjectsAreProxies(t *testing.T) {
	tp := connect(t)
	root := tp.rootProxy(t)

	first, err := root.Call(context.Background(), "child")
	require.NoError(t, err)
	second, err := root.Call(context.Background(), "child")
	require.NoError(t, err)

	child, ok := first.(*Proxy)
	require.True(t, ok)
	require.Same(t, child, second)
	require.True(t, child.Equal(second.(*Proxy)))
	require.False(t, child.Equal(root))

	v, err := child.Call(context.Background(), "value")
	require.NoError(t, err)
	require.Equal(t, int64(9), v)

	// Two exports, both held by this connection.
	require.Equal(t, 2, tp.serverReg.HolderCount(child.Handle()))
}

// An object that travels out and back arrives as itself.
func TestRoundTripIdentity(t *testing.T) {
	tp := connect(t)
	root := tp.rootProxy(t)

	back, err := root.Call(context.Background(), "echo", root)
	require.NoError(t, err)
	require.Same(t, root, back)

	mine := &calc{value: 5}
	back, err = root.Call(context.Background(), "echo", mine)
	require.NoError(t, err)
	require.Same(t, mine, back)
}

func TestCallback(t *testing.T) {
	tp := connect(t)
	root := tp.rootProxy(t)

	got, err := root.Call(context.Background(), "callBack", &calc{value: 42})
	require.NoError(t, err)
	require.Equal(t, int64(42), got)
}

func TestByValue(t *testing.T) {
	tp := connect(t)
	root := tp.rootProxy(t)

	got, err := root.Call(context.Background(), "echo", point{X: 1, Y: 2})
	require.NoError(t, err)
	require.Equal(t, point{X: 1, Y: 2}, got)
	require.Equal(t, 0, tp.clientReg.Len())

	got, err = root.Call(context.Background(), "echo", map[string]int{"a": 1})
	require.NoError(t, err)
	inline, ok := got.(InlineValue)
	require.True(t, ok)
	var m map[string]int
	require.NoError(t, inline.Decode(&m))
	require.Equal(t, map[string]int{"a": 1}, m)

	got, err = root.Call(context.Background(), "echo", ByValue(&calc{value: 3}))
	require.NoError(t, err)
	require.IsType(t, InlineValue{}, got)
}

func TestScalars(t *testing.T) {
	tp := connect(t)
	root := tp.rootProxy(t)

	for _, tc := range []struct {
		in, want any
	}{
		{nil, nil},
		{true, true},
		{int32(-4), int64(-4)},
		{uint8(200), uint64(200)},
		{1.5, 1.5},
		{"hi", "hi"},
		{[]byte{1, 2}, []byte{1, 2}},
	} {
		got, err := root.Call(context.Background(), "echo", tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestReleaseEvicts(t *testing.T) {
	tp := connect(t)
	root := tp.rootProxy(t)

	v, err := root.Call(context.Background(), "child")
	require.NoError(t, err)
	child := v.(*Proxy)
	h := child.Handle()

	child.Release()
	require.Eventually(t, func() bool { return tp.serverReg.HolderCount(h) == 0 }, time.Second, 5*time.Millisecond)

	_, err = child.Call(context.Background(), "value")
	require.ErrorIs(t, err, edoerr.ErrUnknownHandle)
	require.True(t, edoerr.IsRemote(err))

	// A fresh export after eviction is a different object for this side.
	v, err = root.Call(context.Background(), "child")
	require.NoError(t, err)
	require.NotSame(t, child, v)
}

func fetchChild(t *testing.T, root *Proxy) message.ObjectHandle {
	v, err := root.Call(context.Background(), "child")
	require.NoError(t, err)
	return v.(*Proxy).Handle()
}

func TestUnreachableProxyIsReleased(t *testing.T) {
	tp := connect(t)
	root := tp.rootProxy(t)

	h := fetchChild(t, root)
	require.Equal(t, 1, tp.serverReg.HolderCount(h))

	require.Eventually(t, func() bool {
		runtime.GC()
		return tp.serverReg.HolderCount(h) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseReleasesHolds(t *testing.T) {
	tp := connect(t)
	root := tp.rootProxy(t)
	child, err := root.Call(context.Background(), "child")
	require.NoError(t, err)
	require.Equal(t, 2, tp.serverReg.Len())

	tp.client.Close(nil)
	require.Eventually(t, func() bool { return tp.serverReg.Len() == 1 }, time.Second, 5*time.Millisecond)

	_, err = root.Call(context.Background(), "value")
	require.ErrorIs(t, err, edoerr.ErrUnreachable)
	runtime.KeepAlive(child)
}

func TestCallTimeout(t *testing.T) {
	tp := connect(t)
	root := tp.rootProxy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := root.Call(ctx, "sleep")
	require.ErrorIs(t, err, edoerr.ErrUnreachable)

	// The late response is discarded and the connection keeps working.
	got, err := root.Call(context.Background(), "add", 1, 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), got)
}

func TestProxyFromAnotherConnection(t *testing.T) {
	one := connect(t)
	two := connect(t)

	_, err := two.rootProxy(t).Call(context.Background(), "echo", one.rootProxy(t))
	require.ErrorIs(t, err, edoerr.ErrInvocationFailed)
}

func TestGoodbye(t *testing.T) {
	tp := connect(t)
	root := tp.rootProxy(t)

	require.NoError(t, tp.server.Conn().SendGoodbye(edoerr.KindServiceInvalidated, "bye"))
	<-tp.client.Done()

	_, err := root.Call(context.Background(), "value")
	require.ErrorIs(t, err, edoerr.ErrServiceInvalidated)
}
