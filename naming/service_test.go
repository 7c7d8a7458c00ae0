package naming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edo/client"
	"edo/edoerr"
	"edo/message"
	"edo/remote"
	"edo/server"
)

func startNaming(t *testing.T, reg Registry) *server.Host {
	t.Helper()
	h := NewServer(reg, nil)
	require.NoError(t, h.Start("tcp", "127.0.0.1:0"))
	t.Cleanup(h.Invalidate)
	return h
}

func newRemoteRegistry(t *testing.T, ns *server.Host) (*RemoteRegistry, *client.Service) {
	t.Helper()
	svc := client.NewService()
	t.Cleanup(svc.Close)
	rr := NewRemoteRegistry(svc, ns.Address())
	rr.SetPollInterval(20 * time.Millisecond)
	return rr, svc
}

func TestRemoteRegistry(t *testing.T) {
	ns := startNaming(t, NewMemoryRegistry())
	rr, _ := newRemoteRegistry(t, ns)
	exerciseRegistry(t, rr, "arith")
}

func TestNamingServiceUnknownSelector(t *testing.T) {
	ns := startNaming(t, NewMemoryRegistry())
	_, svc := newRemoteRegistry(t, ns)

	ctx := context.Background()
	root, err := svc.RootObject(ctx, ns.Address())
	require.NoError(t, err)
	_, err = svc.Invoke(ctx, root, "rename", "a", "b")
	assert.Equal(t, edoerr.KindInvocationFailed, edoerr.KindOf(err))
	_, err = svc.Invoke(ctx, root, "register", "arith", "not an address", 10)
	assert.Equal(t, edoerr.KindInvocationFailed, edoerr.KindOf(err))
}

func TestNamingServiceForgetsClosedConnections(t *testing.T) {
	backing := NewMemoryRegistry()
	ns := startNaming(t, backing)
	ctx := context.Background()

	svc := client.NewService()
	rr := NewRemoteRegistry(svc, ns.Address())
	require.NoError(t, rr.Register(ctx, "arith", message.LocalPort(8001), 10))
	require.NoError(t, rr.Register(ctx, "calc", message.LocalPort(8002), 10))
	addrs, err := backing.Discover(ctx, "arith")
	require.NoError(t, err)
	require.Len(t, addrs, 1)

	svc.Close()
	assert.Eventually(t, func() bool {
		a, _ := backing.Discover(ctx, "arith")
		c, _ := backing.Discover(ctx, "calc")
		return len(a) == 0 && len(c) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func whoami(id int) remote.Methods {
	return remote.Methods{
		"whoami": func(ctx context.Context, args remote.Args) (any, error) { return id, nil },
	}
}

// Two hosts publish under one name through the naming service; a client finds them
// by name and follows the registry when one goes away.
func TestPublishAndResolveByName(t *testing.T) {
	ns := startNaming(t, NewMemoryRegistry())
	publisher, _ := newRemoteRegistry(t, ns)

	hosts := make([]*server.Host, 2)
	for i := range hosts {
		hosts[i] = server.NewHost(whoami(i+1), server.WithName("arith"), server.WithPublisher(publisher),
			server.WithInvalidateGrace(100*time.Millisecond))
		require.NoError(t, hosts[i].Start("tcp", "127.0.0.1:0"))
		t.Cleanup(hosts[i].Invalidate)
	}

	lookups, _ := newRemoteRegistry(t, ns)
	resolver := newResolver(t, lookups)
	svc := client.NewService(client.WithResolver(resolver))
	t.Cleanup(svc.Close)

	ctx := context.Background()
	call := func() (int64, error) {
		root, err := svc.RootObject(ctx, message.Named("arith"))
		if err != nil {
			return 0, err
		}
		v, err := svc.Invoke(ctx, root, "whoami")
		if err != nil {
			return 0, err
		}
		return v.(int64), nil
	}

	seen := make(map[int64]bool)
	for i := 0; i < 4; i++ {
		id, err := call()
		require.NoError(t, err)
		seen[id] = true
	}
	assert.Equal(t, map[int64]bool{1: true, 2: true}, seen)

	hosts[0].Invalidate()
	assert.Eventually(t, func() bool {
		addrs, err := resolver.Lookup(ctx, "arith")
		return err == nil && len(addrs) == 1 && addrs[0].Equal(hosts[1].Address())
	}, 2*time.Second, 20*time.Millisecond)

	for i := 0; i < 3; i++ {
		id, err := call()
		require.NoError(t, err)
		assert.Equal(t, int64(2), id)
	}
}
