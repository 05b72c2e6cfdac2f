// Package registry is the bounded, lock-free pool of session slots shared
// by every session of a kernel.
//
// Slots live in a fixed array. Each slot carries a generation counter that
// is even while the slot is free and odd while it is live; a Handle
// records the index and the generation it was issued with, so a handle
// kept after Release no longer resolves. Free slot indices sit on a
// Treiber stack whose head packs the top index with a modification tag,
// which rules out ABA on concurrent pop/push.
package registry

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Error codes.
const (
	CodeExhausted     = "EXHAUSTED"
	CodeInvalidHandle = "INVALID_HANDLE"
)

var (
	ErrExhausted     = errors.New("registry: exhausted")
	ErrInvalidHandle = errors.New("registry: invalid handle")
)

// RegistryError is returned by Allocate, Get and Release.
type RegistryError struct {
	Code   string `json:"code"`
	Handle Handle `json:"handle,omitempty"`
}

func (e *RegistryError) Error() string {
	if e.Code == CodeExhausted {
		return "EXHAUSTED: no free session slots"
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Handle)
}

func (e *RegistryError) Is(target error) bool {
	switch e.Code {
	case CodeExhausted:
		return target == ErrExhausted
	case CodeInvalidHandle:
		return target == ErrInvalidHandle
	}
	return false
}

// Handle identifies one allocation. The zero Handle is never issued.
type Handle uint64

func makeHandle(idx uint32, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(idx))
}

func (h Handle) index() uint32 { return uint32(h) }
func (h Handle) gen() uint32   { return uint32(h >> 32) }

func (h Handle) String() string {
	return fmt.Sprintf("slot %d gen %d", h.index(), h.gen())
}

type slot[T any] struct {
	gen  atomic.Uint32
	val  atomic.Pointer[T]
	next atomic.Uint32 // free-list link: index+1, 0 terminates
}

// Registry is a fixed-capacity pool of *T values.
type Registry[T any] struct {
	slots []slot[T]
	// head packs tag<<32 | (top index + 1); the low half is 0 when empty.
	head atomic.Uint64
	live atomic.Int64
}

// New returns a registry with capacity slots.
func New[T any](capacity int) (*Registry[T], error) {
	if capacity <= 0 || capacity > 1<<31 {
		return nil, fmt.Errorf("registry: capacity %d out of range", capacity)
	}
	r := &Registry[T]{slots: make([]slot[T], capacity)}
	// Chain every slot onto the free list, lowest index on top.
	for i := 0; i < capacity-1; i++ {
		r.slots[i].next.Store(uint32(i + 2))
	}
	r.head.Store(1)
	return r, nil
}

// Capacity returns the number of slots.
func (r *Registry[T]) Capacity() int { return len(r.slots) }

// Live returns the number of allocated slots.
func (r *Registry[T]) Live() int { return int(r.live.Load()) }

func (r *Registry[T]) pop() (uint32, bool) {
	for {
		old := r.head.Load()
		top := uint32(old)
		if top == 0 {
			return 0, false
		}
		next := r.slots[top-1].next.Load()
		tag := uint32(old>>32) + 1
		if r.head.CompareAndSwap(old, uint64(tag)<<32|uint64(next)) {
			return top - 1, true
		}
	}
}

func (r *Registry[T]) push(idx uint32) {
	for {
		old := r.head.Load()
		r.slots[idx].next.Store(uint32(old))
		tag := uint32(old>>32) + 1
		if r.head.CompareAndSwap(old, uint64(tag)<<32|uint64(idx+1)) {
			return
		}
	}
}

// Allocate claims a free slot, stores v in it and returns its handle. A
// full registry fails immediately with EXHAUSTED.
func (r *Registry[T]) Allocate(v *T) (Handle, error) {
	idx, ok := r.pop()
	if !ok {
		return 0, &RegistryError{Code: CodeExhausted}
	}
	s := &r.slots[idx]
	s.val.Store(v)
	// even -> odd publishes the value.
	g := s.gen.Add(1)
	r.live.Add(1)
	return makeHandle(idx, g), nil
}

func (r *Registry[T]) slotFor(h Handle) (*slot[T], bool) {
	idx := h.index()
	if h.gen()&1 == 0 || int64(idx) >= int64(len(r.slots)) {
		return nil, false
	}
	return &r.slots[idx], true
}

// Get resolves a handle without locking. The returned value is a
// consistent snapshot: the slot generation is checked on both sides of
// the load.
func (r *Registry[T]) Get(h Handle) (*T, error) {
	s, ok := r.slotFor(h)
	if !ok {
		return nil, &RegistryError{Code: CodeInvalidHandle, Handle: h}
	}
	if s.gen.Load() != h.gen() {
		return nil, &RegistryError{Code: CodeInvalidHandle, Handle: h}
	}
	v := s.val.Load()
	if v == nil || s.gen.Load() != h.gen() {
		return nil, &RegistryError{Code: CodeInvalidHandle, Handle: h}
	}
	return v, nil
}

// Release frees the slot behind h. Exactly one of several concurrent
// Release calls for the same handle succeeds.
func (r *Registry[T]) Release(h Handle) (*T, error) {
	s, ok := r.slotFor(h)
	if !ok {
		return nil, &RegistryError{Code: CodeInvalidHandle, Handle: h}
	}
	// odd -> even retires the handle before the value is cleared.
	if !s.gen.CompareAndSwap(h.gen(), h.gen()+1) {
		return nil, &RegistryError{Code: CodeInvalidHandle, Handle: h}
	}
	v := s.val.Swap(nil)
	r.live.Add(-1)
	r.push(h.index())
	return v, nil
}

// Range calls fn for every live slot until fn returns false. It observes
// each slot independently, not a registry-wide instant.
func (r *Registry[T]) Range(fn func(h Handle, v *T) bool) {
	for i := range r.slots {
		s := &r.slots[i]
		g := s.gen.Load()
		if g&1 == 0 {
			continue
		}
		v := s.val.Load()
		if v == nil || s.gen.Load() != g {
			continue
		}
		if !fn(makeHandle(uint32(i), g), v) {
			return
		}
	}
}
