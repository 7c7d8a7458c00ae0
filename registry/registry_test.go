package registry

import (
	"sync"
	"testing"

	"edo/codec"
	"edo/edoerr"
	"edo/message"

	"github.com/stretchr/testify/require"
)

type calculator struct{ name string }

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func exportHandle(t *testing.T, r *Registry, obj any, holder HolderID) message.ObjectHandle {
	t.Helper()
	v, err := r.Export(obj, ExportOptions{Holder: holder})
	require.NoError(t, err)
	require.Equal(t, message.KindHandle, v.Kind)
	return *v.Handle
}

func TestExportIsStable(t *testing.T) {
	r := NewWithOrigin(7)
	obj := &calculator{name: "c"}

	h1 := exportHandle(t, r, obj, 1)
	h2 := exportHandle(t, r, obj, 1)
	require.Equal(t, h1, h2)
	require.Equal(t, uint64(7), h1.ProcessOriginID)
	require.Equal(t, "*registry.calculator", h1.TypeDescriptor)
	require.Equal(t, 2, r.HolderCount(h1))

	other := exportHandle(t, r, &calculator{name: "d"}, 1)
	require.NotEqual(t, h1, other)
	require.Greater(t, other.LocalID, h1.LocalID)

	got, err := r.Resolve(h1)
	require.NoError(t, err)
	require.Same(t, obj, got)
}

func TestExportByValue(t *testing.T) {
	r := NewWithOrigin(7)
	v, err := r.Export(point{X: 1, Y: 2}, ExportOptions{PassByValue: true, Holder: 1})
	require.NoError(t, err)
	require.Equal(t, message.KindInline, v.Kind)
	require.Equal(t, "registry.point", v.Inline.TypeDescriptor)
	require.Equal(t, 0, r.Len())

	var p point
	require.NoError(t, codec.Unmarshal(v.Inline.Data, &p))
	require.Equal(t, point{X: 1, Y: 2}, p)
}

func TestResolveUnknown(t *testing.T) {
	r := NewWithOrigin(7)
	h := exportHandle(t, r, &calculator{}, 1)

	foreign := h
	foreign.ProcessOriginID = 8
	_, err := r.Resolve(foreign)
	require.ErrorIs(t, err, edoerr.ErrUnknownHandle)

	missing := h
	missing.LocalID = 99
	_, err = r.Resolve(missing)
	require.ErrorIs(t, err, edoerr.ErrUnknownHandle)
}

func TestReleaseEvicts(t *testing.T) {
	r := NewWithOrigin(7)
	obj := &calculator{}
	h := exportHandle(t, r, obj, 1)
	require.NoError(t, r.Retain(h, 2))
	require.Equal(t, 2, r.HolderCount(h))

	require.NoError(t, r.Release(h, 1, 1))
	require.Equal(t, 1, r.HolderCount(h))

	require.NoError(t, r.Release(h, 2, 5))
	_, err := r.Resolve(h)
	require.ErrorIs(t, err, edoerr.ErrUnknownHandle)

	err = r.Release(h, 2, 1)
	require.ErrorIs(t, err, edoerr.ErrUnknownHandle)

	// A new export after eviction gets a new handle.
	again := exportHandle(t, r, obj, 1)
	require.NotEqual(t, h.LocalID, again.LocalID)
}

func TestReleaseHolder(t *testing.T) {
	r := NewWithOrigin(7)
	solo := exportHandle(t, r, &calculator{name: "solo"}, 1)
	exportHandle(t, r, &calculator{name: "solo"}, 1) // distinct object, also solely held
	shared := exportHandle(t, r, &calculator{name: "shared"}, 1)
	require.NoError(t, r.Retain(shared, 2))

	require.Equal(t, 2, r.ReleaseHolder(1))
	require.Equal(t, 1, r.Len())

	_, err := r.Resolve(solo)
	require.ErrorIs(t, err, edoerr.ErrUnknownHandle)
	require.Equal(t, 1, r.HolderCount(shared))
	require.Equal(t, 0, r.HeldBy(shared, 1))
}

func TestPinnedSurvivesRelease(t *testing.T) {
	r := NewWithOrigin(7)
	root := &calculator{name: "root"}
	h, err := r.Pin(root, "queue")
	require.NoError(t, err)

	require.Equal(t, h, exportHandle(t, r, root, 1))
	require.Equal(t, 0, r.ReleaseHolder(1))

	e, err := r.Lookup(h)
	require.NoError(t, err)
	require.True(t, e.Pinned)
	require.Equal(t, "queue", e.Tag)
}

func TestInvalidate(t *testing.T) {
	r := NewWithOrigin(7)
	h, err := r.Pin(&calculator{}, nil)
	require.NoError(t, err)

	r.Invalidate()
	require.True(t, r.Invalidated())
	_, err = r.Resolve(h)
	require.ErrorIs(t, err, edoerr.ErrServiceInvalidated)

	_, err = r.Export(&calculator{}, ExportOptions{Holder: 1})
	require.ErrorIs(t, err, edoerr.ErrServiceInvalidated)
}

func TestIdentity(t *testing.T) {
	r := NewWithOrigin(7)

	// Plain values have no identity.
	h1 := exportHandle(t, r, point{X: 1}, 1)
	h2 := exportHandle(t, r, point{X: 1}, 1)
	require.NotEqual(t, h1.LocalID, h2.LocalID)

	// Maps do.
	table := map[string]int{}
	m1 := exportHandle(t, r, table, 1)
	m2 := exportHandle(t, r, table, 1)
	require.Equal(t, m1, m2)
	require.NotEqual(t, m1, exportHandle(t, r, map[string]int{}, 1))
}

func TestConcurrentExport(t *testing.T) {
	r := New()
	obj := &calculator{}

	var wg sync.WaitGroup
	handles := make([]message.ObjectHandle, 64)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := r.Export(obj, ExportOptions{Holder: HolderID(i % 4)})
			if err == nil {
				handles[i] = *v.Handle
			}
		}(i)
	}
	wg.Wait()

	for _, h := range handles {
		require.Equal(t, handles[0], h)
	}
	require.Equal(t, len(handles), r.HolderCount(handles[0]))
}
