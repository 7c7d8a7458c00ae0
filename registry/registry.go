// Package registry is the per-process table of objects made visible to the other side.
//
// The registry is an arena: an ObjectHandle is an index into it, valid only in the
// process that minted it and only until the entry is evicted. Each entry counts the
// holds of every remote holder (a connection). The entry keeps the object alive for as
// long as any holder might still reference it; when the last hold is released the entry
// is evicted and the object becomes collectable.
//
// Root objects are pinned: they are never evicted by release, only by Invalidate.
package registry

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"edo/codec"
	"edo/edoerr"
	"edo/message"
)

// HolderID identifies a remote holder, normally a connection id.
type HolderID uint64

// ExportOptions control a single Export call.
type ExportOptions struct {
	PassByValue bool     // serialize inline; never creates an entry
	Holder      HolderID // who receives the hold
	Tag         any      // attached to new entries, e.g. the executor objects run on
}

// Entry is a snapshot of one registry entry.
type Entry struct {
	Handle  message.ObjectHandle
	Object  any
	Tag     any
	Pinned  bool
	Holders int // total holds across all holders
}

type entry struct {
	Entry
	holders map[HolderID]int
}

// Registry maps local objects to handles.
type Registry struct {
	origin uint64

	mu          sync.Mutex
	nextID      uint64
	entries     map[uint64]*entry // LocalID → entry
	ids         map[any]uint64    // object identity → LocalID
	invalidated bool
}

// New creates a registry with a random origin id.
func New() *Registry {
	u := uuid.New()
	origin := binary.BigEndian.Uint64(u[:8])
	if origin == 0 {
		origin = 1
	}
	return NewWithOrigin(origin)
}

// NewWithOrigin creates a registry with a fixed origin id.
func NewWithOrigin(origin uint64) *Registry {
	return &Registry{
		origin:  origin,
		entries: make(map[uint64]*entry),
		ids:     make(map[any]uint64),
	}
}

// Origin returns the ProcessOriginID stamped on every handle of this registry.
func (r *Registry) Origin() uint64 {
	return r.origin
}

// Export makes obj visible to the holder.
//
// Pass-by-value objects are serialized inline. Otherwise the object receives a handle,
// the same one on every export while its entry lives, and the holder gains one hold.
func (r *Registry) Export(obj any, opts ExportOptions) (message.Value, error) {
	if obj == nil {
		return message.Nil(), nil
	}
	if opts.PassByValue {
		data, err := codec.Marshal(obj)
		if err != nil {
			return message.Value{}, fmt.Errorf("registry: serialize %T by value: %w", obj, err)
		}
		return message.Inline(Describe(obj), data), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.invalidated {
		return message.Value{}, edoerr.ServiceInvalidated("registry %x is invalidated", r.origin)
	}
	e := r.entryFor(obj, opts.Tag)
	e.holders[opts.Holder]++
	e.Holders++
	return message.Handle(e.Handle), nil
}

// Pin exports obj as a root anchor. Pinned entries survive releases.
func (r *Registry) Pin(obj any, tag any) (message.ObjectHandle, error) {
	if obj == nil {
		return message.ObjectHandle{}, fmt.Errorf("registry: cannot pin nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.invalidated {
		return message.ObjectHandle{}, edoerr.ServiceInvalidated("registry %x is invalidated", r.origin)
	}
	e := r.entryFor(obj, tag)
	e.Pinned = true
	return e.Handle, nil
}

// entryFor returns the live entry of obj or creates one. Caller holds r.mu.
func (r *Registry) entryFor(obj any, tag any) *entry {
	key, comparable := identity(obj)
	if comparable {
		if id, ok := r.ids[key]; ok {
			return r.entries[id]
		}
	}

	r.nextID++
	e := &entry{
		Entry: Entry{
			Handle: message.ObjectHandle{
				ProcessOriginID: r.origin,
				LocalID:         r.nextID,
				TypeDescriptor:  Describe(obj),
			},
			Object: obj,
			Tag:    tag,
		},
		holders: make(map[HolderID]int),
	}
	r.entries[r.nextID] = e
	if comparable {
		r.ids[key] = r.nextID
	}
	return e
}

// lookup finds the entry for h. Caller holds r.mu.
func (r *Registry) lookup(h message.ObjectHandle) (*entry, error) {
	if r.invalidated {
		return nil, edoerr.ServiceInvalidated("registry %x is invalidated", r.origin)
	}
	if h.ProcessOriginID != r.origin {
		return nil, edoerr.UnknownHandle("handle %d originates in %x, not %x", h.LocalID, h.ProcessOriginID, r.origin)
	}
	e, ok := r.entries[h.LocalID]
	if !ok {
		return nil, edoerr.UnknownHandle("handle %d is not exported (released or never issued)", h.LocalID)
	}
	return e, nil
}

// Lookup returns a snapshot of the entry for h.
func (r *Registry) Lookup(h message.ObjectHandle) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(h)
	if err != nil {
		return Entry{}, err
	}
	return e.Entry, nil
}

// Resolve returns the object exported under h.
func (r *Registry) Resolve(h message.ObjectHandle) (any, error) {
	e, err := r.Lookup(h)
	if err != nil {
		return nil, err
	}
	return e.Object, nil
}

// Retain adds one hold on h for holder.
func (r *Registry) Retain(h message.ObjectHandle, holder HolderID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(h)
	if err != nil {
		return err
	}
	e.holders[holder]++
	e.Holders++
	return nil
}

// Release drops up to n holds of holder on h. The entry is evicted when no holds
// remain, unless it is pinned.
func (r *Registry) Release(h message.ObjectHandle, holder HolderID, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(h)
	if err != nil {
		return err
	}
	held := e.holders[holder]
	if held == 0 {
		return edoerr.UnknownHandle("handle %d is not held by holder %d", h.LocalID, holder)
	}
	if n > held {
		n = held
	}
	r.drop(e, holder, n)
	return nil
}

// ReleaseHolder drops every hold of holder and returns the number of evicted entries.
func (r *Registry) ReleaseHolder(holder HolderID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for _, e := range r.entries {
		if n := e.holders[holder]; n > 0 {
			if r.drop(e, holder, n) {
				evicted++
			}
		}
	}
	return evicted
}

// drop removes n holds and evicts the entry if nothing holds it. Caller holds r.mu.
func (r *Registry) drop(e *entry, holder HolderID, n int) bool {
	e.holders[holder] -= n
	if e.holders[holder] <= 0 {
		delete(e.holders, holder)
	}
	e.Holders -= n
	if e.Holders > 0 || e.Pinned {
		return false
	}
	delete(r.entries, e.Handle.LocalID)
	if key, ok := identity(e.Object); ok {
		delete(r.ids, key)
	}
	return true
}

// HolderCount returns the total holds on h, or 0 if h is not exported.
func (r *Registry) HolderCount(h message.ObjectHandle) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(h)
	if err != nil {
		return 0
	}
	return e.Holders
}

// HeldBy returns the holds of one holder on h.
func (r *Registry) HeldBy(h message.ObjectHandle, holder HolderID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(h)
	if err != nil {
		return 0
	}
	return e.holders[holder]
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Invalidate evicts every entry, pinned or not. Later lookups fail with ServiceInvalidated.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.invalidated = true
	clear(r.entries)
	clear(r.ids)
}

// Invalidated reports whether Invalidate has been called.
func (r *Registry) Invalidated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalidated
}

// Describer lets an object choose its TypeDescriptor.
type Describer interface {
	TypeDescriptor() string
}

// Describe returns the type descriptor recorded for obj.
func Describe(obj any) string {
	if d, ok := obj.(Describer); ok {
		return d.TypeDescriptor()
	}
	return fmt.Sprintf("%T", obj)
}

type mapKey struct {
	typ reflect.Type
	ptr uintptr
}

// identity returns the key that makes repeated exports of obj share one handle.
// Only reference-like values have a stable identity; everything else gets a fresh
// handle on every export. A map stays valid as a key while its entry holds it.
func identity(obj any) (any, bool) {
	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return obj, true
	case reflect.Map:
		return mapKey{typ: v.Type(), ptr: v.Pointer()}, true
	}
	return nil, false
}
