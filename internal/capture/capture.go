// Package capture implements the capture coordinator: the object that owns
// the function dictionary, the per-thread stream writers, the global frame
// counter, and the per-call protocol every producing thread follows. The
// actual parameter encoding for a given API call is supplied by the caller
// via EncodeFunc; this package owns only the packet framing, barrier
// injection, and differential memory-scan hookup around it.
package capture

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lavatrace/lavatrace/internal/diag"
	"github.com/lavatrace/lavatrace/internal/feature"
	"github.com/lavatrace/lavatrace/internal/mempool"
	"github.com/lavatrace/lavatrace/internal/model"
	"github.com/lavatrace/lavatrace/internal/patch"
	"github.com/lavatrace/lavatrace/internal/sidecar"
	"github.com/lavatrace/lavatrace/internal/stream"
	"github.com/lavatrace/lavatrace/internal/traceremap"
	"github.com/lavatrace/lavatrace/internal/wire"
)

// EncodeFunc serializes one API call's parameters onto w, using
// w.WriteHandle for any Vulkan-style handle so cross-thread ordering is
// recorded.
type EncodeFunc func(w *ThreadWriter)

// ThreadWriter is the per-thread stream writer handed to EncodeFunc,
// layering handle-triplet and frame-mark bookkeeping on top of the raw
// chunked stream writer.
type ThreadWriter struct {
	*stream.Writer
	coord      *Coordinator
	threadID   int
	osThread   int8
	callNumber atomic.Uint32

	pendingBarrier atomic.Bool

	memMu   sync.Mutex
	touched map[uint64]*trackedMemory

	scratch *mempool.Pool
}

type trackedMemory struct {
	obj     *model.MemoryObject
	touched bool
}

// WriteHandle encodes the (index, originating_thread, last_modifying_call)
// triplet for a tracked object.
func (tw *ThreadWriter) WriteHandle(h wire.Handle) {
	tw.WriteUint32(h.Index)
	tw.WriteUint8(uint8(h.OriginatingThread))
	tw.WriteUint16(h.LastModifyingCall)
}

// CallNumber returns this thread's current local call counter, the value
// other threads spin-wait against during replay.
func (tw *ThreadWriter) CallNumber() uint32 { return tw.callNumber.Load() }

// ThreadID returns this thread's dense index in the thread registry.
func (tw *ThreadWriter) ThreadID() int { return tw.threadID }

// Scratch returns the thread's per-call scratch arena, reset at the start
// of every Call, for EncodeFunc implementations copying variable-length
// parameters (C-string duplicates, argument arrays) without a per-call heap
// allocation.
func (tw *ThreadWriter) Scratch() *mempool.Pool { return tw.scratch }

// RequestBarrier marks that the next call on this thread must be preceded
// by a THREAD_BARRIER packet (set when a cross-thread dependency was just
// established, e.g. a handle was shared to another thread out of band).
func (tw *ThreadWriter) RequestBarrier() { tw.pendingBarrier.Store(true) }

// TouchMemory records that offset..offset+size-1 of the given memory
// object was written by this call, for the post-call differential scan.
func (tw *ThreadWriter) TouchMemory(obj *model.MemoryObject, offset, size uint64) {
	obj.EnsureShadow()
	obj.Exposed.Add(offset, offset+size-1)
}

// Coordinator owns the capture-wide state shared by every producing
// thread: the dictionary, frame counter, and thread registry.
type Coordinator struct {
	dict     map[string]uint16
	dictMu   sync.RWMutex
	nextFunc uint16

	frameMu     sync.Mutex
	globalFrame atomic.Uint32
	frames      sidecar.Frames

	threadsMu sync.Mutex
	threads   []*ThreadWriter

	log  *slog.Logger
	diag *diag.Sink

	nextIndex     atomic.Uint32
	memoryObjects *traceremap.Remap[*model.MemoryObject]
	boundObjects  *traceremap.Remap[*model.BoundObject]
	features      *feature.Set
}

// New constructs an empty Coordinator.
func New(log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		dict:          make(map[string]uint16),
		log:           log,
		diag:          diag.NewSink(log),
		memoryObjects: traceremap.New[*model.MemoryObject](),
		boundObjects:  traceremap.New[*model.BoundObject](),
		features:      feature.NewSet(),
	}
}

// NextObjectIndex assigns the next dense, monotonically increasing object
// index shared by every per-type registry.
func (c *Coordinator) NextObjectIndex() uint32 { return c.nextIndex.Add(1) - 1 }

// MemoryObjects returns the registry of tracked memory objects, populated
// via RegisterMemoryObject and snapshotted into tracking.json at
// finalization.
func (c *Coordinator) MemoryObjects() *traceremap.Remap[*model.MemoryObject] {
	return c.memoryObjects
}

// BoundObjects returns the registry of buffers/images/tensors/acceleration
// structures bound to backing memory.
func (c *Coordinator) BoundObjects() *traceremap.Remap[*model.BoundObject] {
	return c.boundObjects
}

// Features returns the feature-usage detector shared by every producing
// thread.
func (c *Coordinator) Features() *feature.Set { return c.features }

// RegisterMemoryObject assigns handle its registry entry, created in the
// given frame.
func (c *Coordinator) RegisterMemoryObject(handle uint64, frame uint32, obj *model.MemoryObject) *traceremap.Record[*model.MemoryObject] {
	return c.memoryObjects.Add(handle, frame, obj)
}

// RegisterBoundObject assigns handle its registry entry, created in the
// given frame.
func (c *Coordinator) RegisterBoundObject(handle uint64, frame uint32, obj *model.BoundObject) *traceremap.Record[*model.BoundObject] {
	return c.boundObjects.Add(handle, frame, obj)
}

// Limits returns the sidecar limits snapshot: for each per-type registry,
// one past the highest dense index assigned in it (the table size a
// replay-side pre-allocation needs). Pipeline and command-buffer limits
// are left at zero — this capture path does not register those types.
func (c *Coordinator) Limits() sidecar.Limits {
	var l sidecar.Limits
	c.memoryObjects.ForEach(func(_ int, rec *traceremap.Record[*model.MemoryObject]) {
		if idx := rec.Value.Index + 1; idx > l.MaxMemoryIndex {
			l.MaxMemoryIndex = idx
		}
	})
	c.boundObjects.ForEach(func(_ int, rec *traceremap.Record[*model.BoundObject]) {
		idx := rec.Value.Index + 1
		switch rec.Value.Kind {
		case model.KindBuffer:
			if idx > l.MaxBufferIndex {
				l.MaxBufferIndex = idx
			}
		case model.KindImage:
			if idx > l.MaxImageIndex {
				l.MaxImageIndex = idx
			}
		case model.KindTensor:
			if idx > l.MaxTensorIndex {
				l.MaxTensorIndex = idx
			}
		case model.KindAccelerationStructure:
			if idx > l.MaxAccelerationStructureIndex {
				l.MaxAccelerationStructureIndex = idx
			}
		}
	})
	return l
}

// Tracking returns the sidecar tracking snapshot: every registered memory
// and bound object, grouped by type name, including destroyed ones (their
// FrameDestroyed stamp is what makes them reconstructible).
func (c *Coordinator) Tracking() sidecar.Tracking {
	t := make(sidecar.Tracking)

	var mem []sidecar.TrackingEntry
	c.memoryObjects.ForEach(func(_ int, rec *traceremap.Record[*model.MemoryObject]) {
		mem = append(mem, sidecar.TrackingEntry{
			Index:          rec.Value.Index,
			Handle:         rec.Handle,
			FrameCreated:   rec.FrameCreated,
			FrameDestroyed: rec.FrameDestroyed,
			DisplayName:    rec.Value.DisplayName,
		})
	})
	if len(mem) > 0 {
		t["memory"] = mem
	}

	byKind := make(map[model.ObjectKind][]sidecar.TrackingEntry)
	c.boundObjects.ForEach(func(_ int, rec *traceremap.Record[*model.BoundObject]) {
		byKind[rec.Value.Kind] = append(byKind[rec.Value.Kind], sidecar.TrackingEntry{
			Index:          rec.Value.Index,
			Handle:         rec.Handle,
			FrameCreated:   rec.FrameCreated,
			FrameDestroyed: rec.FrameDestroyed,
			DisplayName:    rec.Value.DisplayName,
		})
	})
	for kind, entries := range byKind {
		t[boundKindName(kind)] = entries
	}
	return t
}

func boundKindName(k model.ObjectKind) string {
	switch k {
	case model.KindBuffer:
		return "buffer"
	case model.KindImage:
		return "image"
	case model.KindTensor:
		return "tensor"
	case model.KindAccelerationStructure:
		return "acceleration_structure"
	default:
		return "unknown"
	}
}

// FunctionID returns the dictionary id for name, assigning a new one on
// first use.
func (c *Coordinator) FunctionID(name string) uint16 {
	c.dictMu.RLock()
	id, ok := c.dict[name]
	c.dictMu.RUnlock()
	if ok {
		return id
	}

	c.dictMu.Lock()
	defer c.dictMu.Unlock()
	if id, ok := c.dict[name]; ok {
		return id
	}
	id = c.nextFunc
	c.dict[name] = id
	c.nextFunc++
	return id
}

// Dictionary returns a snapshot of the function-name → id map, ready for
// the dictionary.json sidecar.
func (c *Coordinator) Dictionary() sidecar.Dictionary {
	c.dictMu.RLock()
	defer c.dictMu.RUnlock()
	out := make(sidecar.Dictionary, len(c.dict))
	for k, v := range c.dict {
		out[k] = v
	}
	return out
}

// NewThreadWriter registers a new producing OS thread and returns its
// stream writer. Threads are indexed by first-touch order (the ordered
// thread registry).
func (c *Coordinator) NewThreadWriter(out *stream.Writer) *ThreadWriter {
	c.threadsMu.Lock()
	defer c.threadsMu.Unlock()

	id := len(c.threads)
	tw := &ThreadWriter{
		Writer:   out,
		coord:    c,
		threadID: id,
		osThread: int8(id),
		touched:  make(map[uint64]*trackedMemory),
		scratch:  mempool.New(0),
	}
	c.threads = append(c.threads, tw)
	return tw
}

// Call executes the per-API-call protocol: checkpoint, optional barrier
// injection, the VULKAN_API_CALL header, the caller-supplied encoder, and
// local bookkeeping. It does not itself run the post-call memory scan —
// callers with host-visible touched memory should follow up with
// FlushMemory.
func (tw *ThreadWriter) Call(functionName string, encode EncodeFunc) {
	tw.scratch.Reset()
	tw.Position() // checkpoint: callers needing the offset should capture it themselves before Call

	if tw.pendingBarrier.CompareAndSwap(true, false) {
		tw.writeBarrier()
	}

	id := tw.coord.FunctionID(functionName)
	tw.WriteUint8(wire.PacketVulkanAPICall)
	tw.WriteUint16(id)
	tw.WriteUint32(0) // reserved

	if encode != nil {
		encode(tw)
	}

	tw.callNumber.Add(1)
}

// writeBarrier emits a THREAD_BARRIER packet naming, for every other
// active thread, the call number this thread must have observed before
// the issuer's next call is allowed to run on replay.
func (tw *ThreadWriter) writeBarrier() {
	tw.coord.threadsMu.Lock()
	others := make([]*ThreadWriter, 0, len(tw.coord.threads)-1)
	for _, other := range tw.coord.threads {
		if other != tw {
			others = append(others, other)
		}
	}
	tw.coord.threadsMu.Unlock()

	tw.WriteUint8(wire.PacketThreadBarrier)
	tw.WriteUint8(uint8(len(others)))
	for _, other := range others {
		tw.WriteUint32(other.CallNumber())
	}
}

// FlushMemory implements the memory patch driver for one memory object: if
// obj has been touched since the last flush, scan the mapped region against
// its shadow, emit the differential patch packet, and update the shadow in
// place.
func (tw *ThreadWriter) FlushMemory(deviceHandle, objHandle wire.Handle, obj *model.MemoryObject, packetTag uint8, live []byte) {
	obj.EnsureShadow()
	if obj.Exposed.Size() == 0 {
		return
	}

	tw.WriteUint8(packetTag)
	tw.WriteHandle(deviceHandle)
	tw.WriteHandle(objHandle)

	encoded, _ := patch.Diff(obj.Shadow, live)
	tw.WritePatch(encoded)

	obj.Exposed.Clear()
}

// NewFrame advances the global frame counter and records, for every
// registered thread, the current logical stream offset paired with its
// local and global frame numbers.
func (c *Coordinator) NewFrame() uint32 {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()

	global := c.globalFrame.Load()

	local := make(map[int]uint32)
	for _, m := range c.frames {
		local[m.Thread]++
	}

	c.threadsMu.Lock()
	for _, tw := range c.threads {
		c.frames = append(c.frames, sidecar.FrameMarkEntry{
			Thread:       tw.threadID,
			StreamOffset: tw.Position(),
			LocalFrame:   local[tw.threadID],
			GlobalFrame:  global,
		})
	}
	c.threadsMu.Unlock()

	return c.globalFrame.Add(1)
}

// Frames returns a snapshot of the accumulated frame index, ready for the
// frames_<tid>.json sidecars.
func (c *Coordinator) Frames() sidecar.Frames {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()
	out := make(sidecar.Frames, len(c.frames))
	copy(out, c.frames)
	return out
}

// ThreadCount returns how many producing threads have registered so far.
func (c *Coordinator) ThreadCount() int {
	c.threadsMu.Lock()
	defer c.threadsMu.Unlock()
	return len(c.threads)
}

// Diag exposes the diagnostic sink for fatal-path reporting from the
// caller's own components (e.g. the suballocator).
func (c *Coordinator) Diag() *diag.Sink { return c.diag }

// TouchedRange returns the smallest span covering everything written to obj
// since the last flush, for callers assembling tracking.json entries.
func TouchedRange(obj *model.MemoryObject) (first, last uint64, ok bool) {
	if obj.Exposed == nil || obj.Exposed.Size() == 0 {
		return 0, 0, false
	}
	span := obj.Exposed.Span()
	return span.First, span.Last, true
}
