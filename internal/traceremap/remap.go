// Package traceremap implements the capture-side concurrent handle remap: a
// 64-bit opaque handle maps to a pointer-stable per-object record, backed by
// a concurrent map for lookup and a pointer-stable vector for iteration and
// dense index assignment.
package traceremap

import (
	"fmt"
	"sync"

	"github.com/lavatrace/lavatrace/internal/tracedata"
)

// Record is one entry tracked by a Remap: the handle it was created under
// plus the frames it was created and (if ever) destroyed in.
type Record[T any] struct {
	Handle         uint64
	FrameCreated   uint32
	FrameDestroyed uint32
	Destroyed      bool
	Value          T
}

// Remap is a concurrent handle -> record map. Inserts of distinct keys are
// lock-free with respect to each other's reads; Add and Unset take a mutex
// to keep index assignment and the backing vector consistent.
//
// Invariant: two Adds with the same key are forbidden.
// Invariant: an unset record's Index is never reused.
type Remap[T any] struct {
	mu      sync.Mutex
	entries sync.Map // uint64 -> *Record[T]
	order   *tracedata.Vector[Record[T]]
}

// New returns an empty remap.
func New[T any]() *Remap[T] {
	return &Remap[T]{order: tracedata.New[Record[T]]()}
}

// Add registers handle, created in frame, and returns the new record.
// Panics if handle is zero or already present — two Adds for the same
// handle without an intervening Unset is an invariant violation.
func (r *Remap[T]) Add(handle uint64, frame uint32, value T) *Record[T] {
	if handle == 0 {
		panic("traceremap: handle must not be zero")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries.Load(handle); exists {
		panic(fmt.Sprintf("traceremap: duplicate add for handle %#x", handle))
	}

	_, rec := r.order.EmplaceBack(Record[T]{Handle: handle, FrameCreated: frame, Value: value})
	r.entries.Store(handle, rec)
	return rec
}

// Unset stamps FrameDestroyed and marks the record destroyed. The map
// entry is left in place rather than erased — a null sentinel, not a
// deletion — so At and Contains report the handle as gone while ForEach
// over the order vector still finds the record for post-mortem iteration.
func (r *Remap[T]) Unset(handle uint64, frame uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.entries.Load(handle)
	if !ok {
		return
	}
	rec := v.(*Record[T])
	rec.Destroyed = true
	rec.FrameDestroyed = frame
}

// At returns the record for handle, or nil if it was never added or has
// since been Unset. Lock-free relative to inserts of other keys.
func (r *Remap[T]) At(handle uint64) *Record[T] {
	v, ok := r.entries.Load(handle)
	if !ok {
		return nil
	}
	rec := v.(*Record[T])
	if rec.Destroyed {
		return nil
	}
	return rec
}

// Contains reports whether handle names a currently-live record; it
// returns false once the handle has been Unset, matching the null-sentinel
// check a live lookup performs.
func (r *Remap[T]) Contains(handle uint64) bool {
	v, ok := r.entries.Load(handle)
	if !ok {
		return false
	}
	return !v.(*Record[T]).Destroyed
}

// Len returns the number of records ever added (including destroyed ones).
func (r *Remap[T]) Len() int {
	return r.order.Len()
}

// ForEach visits every record (including destroyed ones) in insertion
// order, matching the append-only-never-relocate property of the backing
// vector.
func (r *Remap[T]) ForEach(fn func(index int, rec *Record[T])) {
	r.order.ForEach(fn)
}

// Clear empties the remap. Single-threaded use only.
func (r *Remap[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries.Range(func(k, _ any) bool {
		r.entries.Delete(k)
		return true
	})
	r.order.Clear()
}
