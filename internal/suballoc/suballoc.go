// Package suballoc implements the per-thread GPU memory suballocator: each
// owning thread places buffer/image backing memory into a small number of
// large heaps, and frees are deferred onto a lock-free per-heap queue
// drained the next time that heap is visited by an allocation request.
package suballoc

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultHeapSize is the minimum heap size a fresh heap is created with
// when no existing heap can satisfy a request.
const DefaultHeapSize = 32 * 1024 * 1024

// Tiling distinguishes linear vs. optimal (tiled) placement compatibility.
type Tiling uint8

const (
	TilingLinear Tiling = iota
	TilingOptimal
)

// Request describes one allocation request.
type Request struct {
	Size              uint64
	Alignment         uint64
	MemoryTypeIndex   uint32
	Tiling            Tiling
	HostCoherent      bool
	RequiresDedicated bool // prefers-dedicated bit, or device-address usage
}

// Allocation is the result of a successful placement.
type Allocation struct {
	Heap          *Heap
	Offset        uint64
	Size          uint64
	NeedsInit     bool
	NeedsFlush    bool
}

type subAllocation struct {
	offset uint64
	size   uint64
	index  uint64 // caller-assigned object index, for lookup
}

// Heap is one contiguous device memory allocation owned by a single
// thread. Writes (placement, reclamation) must only ever happen on the
// owning thread; reads (Find*) are lock-free relative to those writes
// except where the owning thread is itself reclaiming.
type Heap struct {
	owningThread    int
	memoryTypeIndex uint32
	tiling          Tiling
	hostCoherent    bool
	total           uint64
	data            []byte // the heap's backing storage, sub-allocated by offset

	mu    sync.Mutex // guards subs and free; only the owning thread's calls and Free()'s enqueue take it briefly
	subs  []subAllocation
	free  uint64

	pendingFrees chan uint64 // lock-free-ish: buffered channel of offsets to reclaim
}

func newHeap(owningThread int, memoryTypeIndex uint32, tiling Tiling, hostCoherent bool, size uint64) *Heap {
	return &Heap{
		owningThread:    owningThread,
		memoryTypeIndex: memoryTypeIndex,
		tiling:          tiling,
		hostCoherent:    hostCoherent,
		total:           size,
		free:            size,
		data:            make([]byte, size),
		pendingFrees:    make(chan uint64, 4096),
	}
}

// Bytes returns the backing byte range [offset, offset+size) of the heap,
// the actual storage a sub-allocation's patches are applied into.
func (h *Heap) Bytes(offset, size uint64) []byte {
	return h.data[offset : offset+size]
}

// OwningThread returns the thread id that owns this heap for writes.
func (h *Heap) OwningThread() int { return h.owningThread }

// Total returns the heap's total byte size.
func (h *Heap) Total() uint64 { return h.total }

// drainPendingFrees reclaims every offset enqueued by Free since the last
// visit. Must be called with h.mu held.
func (h *Heap) drainPendingFrees() {
	for {
		select {
		case offset := <-h.pendingFrees:
			for i, s := range h.subs {
				if s.offset == offset {
					h.free += s.size
					h.subs = append(h.subs[:i], h.subs[i+1:]...)
					break
				}
			}
		default:
			return
		}
	}
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// tryPlace attempts front/between/after placement in this heap. Must be
// called with h.mu held, after drainPendingFrees.
func (h *Heap) tryPlace(size, alignment uint64) (uint64, bool) {
	if h.free < size {
		return 0, false
	}
	sort.Slice(h.subs, func(i, j int) bool { return h.subs[i].offset < h.subs[j].offset })

	// Front.
	if len(h.subs) == 0 {
		if size <= h.total {
			return 0, true
		}
		return 0, false
	}
	if h.subs[0].offset >= size {
		return 0, true
	}

	// Between.
	for i := 0; i < len(h.subs)-1; i++ {
		gapStart := alignUp(h.subs[i].offset+h.subs[i].size, alignment)
		gapEnd := h.subs[i+1].offset
		if gapEnd > gapStart && gapEnd-gapStart >= size {
			return gapStart, true
		}
	}

	// After.
	last := h.subs[len(h.subs)-1]
	afterStart := alignUp(last.offset+last.size, alignment)
	if h.total-afterStart >= size && afterStart+size <= h.total {
		return afterStart, true
	}
	return 0, false
}

func (h *Heap) place(offset, size uint64, index uint64) {
	h.subs = append(h.subs, subAllocation{offset: offset, size: size, index: index})
	h.free -= size
}

// SelfTest verifies that sub-allocations are
// pairwise disjoint, offsets are sorted, and free+used==total.
func (h *Heap) SelfTest() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sorted := append([]subAllocation(nil), h.subs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].offset < sorted[j].offset })

	var used uint64
	for i, s := range sorted {
		used += s.size
		if s.offset+s.size > h.total {
			return fmt.Errorf("suballoc: sub-allocation at %d+%d exceeds heap total %d", s.offset, s.size, h.total)
		}
		if i > 0 {
			prev := sorted[i-1]
			if s.offset < prev.offset+prev.size {
				return fmt.Errorf("suballoc: overlapping sub-allocations at %d and %d", prev.offset, s.offset)
			}
		}
	}
	if used+h.free != h.total {
		return fmt.Errorf("suballoc: free(%d)+used(%d) != total(%d)", h.free, used, h.total)
	}
	return nil
}

// lookupEntry tracks where an object's memory lives plus the one-shot
// needs_init bit.
type lookupEntry struct {
	heap     *Heap
	offset   uint64
	size     uint64
	seenOnce atomic.Bool
}

// Pool is the per-process collection of per-thread heaps plus the
// index→allocation lookup table used by find_buffer_memory/find_image_memory.
type Pool struct {
	mu    sync.Mutex
	heaps map[int][]*Heap // keyed by owning thread

	lookupMu sync.RWMutex
	lookup   map[uint64]*lookupEntry // keyed by caller object index
}

// NewPool constructs an empty suballocator pool.
func NewPool() *Pool {
	return &Pool{
		heaps:  make(map[int][]*Heap),
		lookup: make(map[uint64]*lookupEntry),
	}
}

// Allocate places req: dedicated allocations get their own heap; otherwise
// existing heaps (reclaiming pending frees as they're visited) are tried
// before a new heap is created.
func (p *Pool) Allocate(thread int, req Request, objectIndex uint64) (Allocation, error) {
	if req.Size == 0 {
		return Allocation{}, fmt.Errorf("suballoc: zero-size allocation request")
	}

	if req.RequiresDedicated {
		h := newHeap(thread, req.MemoryTypeIndex, req.Tiling, req.HostCoherent, req.Size)
		h.mu.Lock()
		h.place(0, req.Size, objectIndex)
		h.mu.Unlock()
		p.addHeap(thread, h)
		return p.recordAndReturn(h, 0, req.Size, objectIndex), nil
	}

	p.mu.Lock()
	heaps := p.heaps[thread]
	p.mu.Unlock()

	for _, h := range heaps {
		if h.memoryTypeIndex != req.MemoryTypeIndex || h.tiling != req.Tiling || h.hostCoherent != req.HostCoherent {
			continue
		}
		h.mu.Lock()
		h.drainPendingFrees()
		if h.free < req.Size {
			h.mu.Unlock()
			continue
		}
		offset, ok := h.tryPlace(req.Size, req.Alignment)
		if !ok {
			h.mu.Unlock()
			continue
		}
		h.place(offset, req.Size, objectIndex)
		h.mu.Unlock()
		return p.recordAndReturn(h, offset, req.Size, objectIndex), nil
	}

	size := req.Size
	if size < DefaultHeapSize {
		size = DefaultHeapSize
	}
	h := newHeap(thread, req.MemoryTypeIndex, req.Tiling, req.HostCoherent, size)
	h.mu.Lock()
	h.place(0, req.Size, objectIndex)
	h.mu.Unlock()
	p.addHeap(thread, h)
	return p.recordAndReturn(h, 0, req.Size, objectIndex), nil
}

func (p *Pool) addHeap(thread int, h *Heap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heaps[thread] = append(p.heaps[thread], h)
}

func (p *Pool) recordAndReturn(h *Heap, offset, size, objectIndex uint64) Allocation {
	e := &lookupEntry{heap: h, offset: offset, size: size}
	p.lookupMu.Lock()
	p.lookup[objectIndex] = e
	p.lookupMu.Unlock()
	return Allocation{Heap: h, Offset: offset, Size: size, NeedsInit: true, NeedsFlush: !h.hostCoherent}
}

// Free enqueues offset for deferred reclamation on heap h. May be called
// from any thread; actual bookkeeping only happens when h is next visited
// by Allocate on its owning thread.
func (p *Pool) Free(h *Heap, offset uint64) {
	select {
	case h.pendingFrees <- offset:
	default:
		// Queue saturated: fall back to taking the lock directly. This only
		// happens under extreme free pressure and keeps reclamation correct
		// at the cost of blocking the freeing thread briefly.
		h.mu.Lock()
		for i, s := range h.subs {
			if s.offset == offset {
				h.free += s.size
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				break
			}
		}
		h.mu.Unlock()
	}
}

// Find returns the allocation for objectIndex, the first-lookup needs_init
// bit (true only on the first call for this index), and whether a host
// flush is required before the device observes writes.
func (p *Pool) Find(objectIndex uint64) (heap *Heap, offset, size uint64, needsInit, needsFlush bool, ok bool) {
	p.lookupMu.RLock()
	e, found := p.lookup[objectIndex]
	p.lookupMu.RUnlock()
	if !found {
		return nil, 0, 0, false, false, false
	}
	firstLookup := !e.seenOnce.Swap(true)
	return e.heap, e.offset, e.size, firstLookup, !e.heap.hostCoherent, true
}

// SelfTest walks every heap across every thread verifying the invariants of
// free+used==total, and offsets are sorted with no overlap.
func (p *Pool) SelfTest() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for thread, heaps := range p.heaps {
		for _, h := range heaps {
			if err := h.SelfTest(); err != nil {
				return fmt.Errorf("suballoc: thread %d: %w", thread, err)
			}
		}
	}
	return nil
}

// HeapCount returns the number of heaps owned by thread, for tests asserting
// that deferred frees avoided a new heap allocation.
func (p *Pool) HeapCount(thread int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heaps[thread])
}
