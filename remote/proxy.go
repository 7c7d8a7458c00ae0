package remote

import (
	"context"
	"fmt"
	"runtime"
	"weak"

	"edo/message"
)

type handleKey struct {
	origin uint64
	id     uint64
}

func keyOf(h message.ObjectHandle) handleKey {
	return handleKey{origin: h.ProcessOriginID, id: h.LocalID}
}

// importRef counts how many times the peer exported the handle to us while one proxy
// stood for it. Guarded by Endpoint.mu.
type importRef struct {
	count int
}

type imported struct {
	proxy weak.Pointer[Proxy]
	ref   *importRef
}

// Proxy stands for an object living in the peer process. Calls on it are sent over
// the connection it was received on.
//
// An endpoint hands out one *Proxy per remote object while that proxy is reachable, so
// pointer equality works like identity. When the proxy is garbage collected the peer is
// told to release the object.
type Proxy struct {
	handle message.ObjectHandle
	ep     *Endpoint
	ref    *importRef
}

type cleanupArg struct {
	ep  *Endpoint
	h   message.ObjectHandle
	ref *importRef
}

func (ep *Endpoint) importProxy(h message.ObjectHandle) *Proxy {
	key := keyOf(h)

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if im, ok := ep.proxies[key]; ok {
		if p := im.proxy.Value(); p != nil {
			im.ref.count++
			return p
		}
	}

	ref := &importRef{count: 1}
	p := &Proxy{handle: h, ep: ep, ref: ref}
	ep.proxies[key] = &imported{proxy: weak.Make(p), ref: ref}
	runtime.AddCleanup(p, func(a cleanupArg) {
		go a.ep.release(a.h, a.ref)
	}, cleanupArg{ep: ep, h: h, ref: ref})
	return p
}

// release gives back every hold counted by ref.
func (ep *Endpoint) release(h message.ObjectHandle, ref *importRef) {
	ep.mu.Lock()
	n := ref.count
	ref.count = 0
	key := keyOf(h)
	if im, ok := ep.proxies[key]; ok && im.ref == ref {
		delete(ep.proxies, key)
	}
	ep.mu.Unlock()

	if n > 0 {
		ep.sendRelease(h, n)
	}
}

// Handle returns the handle of the remote object.
func (p *Proxy) Handle() message.ObjectHandle { return p.handle }

// Endpoint returns the connection the proxy belongs to.
func (p *Proxy) Endpoint() *Endpoint { return p.ep }

// Call invokes selector on the remote object and waits for the result.
func (p *Proxy) Call(ctx context.Context, selector string, args ...any) (any, error) {
	return p.ep.call(ctx, p.handle, selector, args)
}

// Equal reports whether both proxies stand for the same remote object.
func (p *Proxy) Equal(o *Proxy) bool {
	if p == nil || o == nil {
		return p == o
	}
	return keyOf(p.handle) == keyOf(o.handle)
}

// Release tells the peer this process no longer needs the object. Later calls on p
// fail once the peer has evicted it.
func (p *Proxy) Release() {
	p.ep.release(p.handle, p.ref)
}

func (p *Proxy) String() string {
	return fmt.Sprintf("proxy(%s #%d@%x)", p.handle.TypeDescriptor, p.handle.LocalID, p.handle.ProcessOriginID)
}
