// Package replay implements the replay coordinator: the caller opens the
// pack archive and runs Coordinator.Run once per recorded thread, each in
// its own goroutine, and Run dispatches that thread's packets
// to per-function decoders supplied by the caller, enforcing the
// cross-thread ordering encoded in handle triplets and THREAD_BARRIER
// packets via a fixed 10µs spin-wait discipline.
package replay

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lavatrace/lavatrace/internal/addrremap"
	"github.com/lavatrace/lavatrace/internal/archive"
	"github.com/lavatrace/lavatrace/internal/config"
	"github.com/lavatrace/lavatrace/internal/diag"
	"github.com/lavatrace/lavatrace/internal/replayremap"
	"github.com/lavatrace/lavatrace/internal/stream"
	"github.com/lavatrace/lavatrace/internal/suballoc"
	"github.com/lavatrace/lavatrace/internal/wire"
)

// defaultUpdateSize is the backing-memory size reserved for an IMAGE_UPDATE/
// BUFFER_UPDATE/TENSOR_UPDATE target the first time its object index is
// seen, standing in for the allocation-size metadata a full device-call
// decoder would otherwise have recorded when the object was created.
const defaultUpdateSize = 1 << 20

// DecodeFunc decodes one API call's body from r and applies it to whatever
// host/device state the caller maintains. It must read exactly the bytes
// that EncodeFunc on the capture side wrote, including any handle triplets
// via r.ReadHandle.
type DecodeFunc func(r *ThreadReader, functionID uint16) error

// PostProcessFunc is invoked after a successful decode, in dispatch order,
// letting offline tooling (diffing, re-export) observe every call.
type PostProcessFunc func(functionID uint16)

// Dictionary maps the wire function id back to its name, and Decoders maps
// a name to the decoder that understands its wire body.
type Dictionary struct {
	Names    map[uint16]string
	Decoders map[string]DecodeFunc
}

// ThreadReader is the per-thread stream reader handed to a DecodeFunc. It
// exposes read primitives plus the handle-triplet decode that performs the
// cross-thread spin-wait.
type ThreadReader struct {
	*stream.Reader
	coord      *Coordinator
	threadID   int
	callNumber atomic.Uint32
	terminated atomic.Bool
}

// ReadHandle decodes a handle triplet and, if it was created on a different
// thread, blocks until that thread's call counter has reached the required
// value.
func (tr *ThreadReader) ReadHandle() (wire.Handle, error) {
	index, err := tr.ReadUint32()
	if err != nil {
		return wire.Handle{}, err
	}
	origin, err := tr.ReadUint8()
	if err != nil {
		return wire.Handle{}, err
	}
	lastCall, err := tr.ReadUint16()
	if err != nil {
		return wire.Handle{}, err
	}
	h := wire.Handle{Index: index, OriginatingThread: int8(origin), LastModifyingCall: lastCall}

	if h.OriginatingThread != wire.NullThread && int(h.OriginatingThread) != tr.threadID {
		tr.coord.waitForCall(int(h.OriginatingThread), uint32(h.LastModifyingCall))
	}
	return h, nil
}

// CallNumber returns this thread's current local call counter.
func (tr *ThreadReader) CallNumber() uint32 { return tr.callNumber.Load() }

// Coordinator drives replay of one pack archive.
type Coordinator struct {
	dict    Dictionary
	log     *slog.Logger
	diag    *diag.Sink
	postHook PostProcessFunc

	readersMu sync.RWMutex
	readers   []*ThreadReader

	firstErrMu sync.Mutex
	firstErr   error

	mem     *suballoc.Pool
	handles *replayremap.Remap
	addrs   *addrremap.Remapper
	scanner *addrremap.CandidateScanner
}

// New constructs a Coordinator over dict, ready to have threads attached.
func New(dict Dictionary, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	addrs := addrremap.New()
	return &Coordinator{
		dict:    dict,
		log:     log,
		diag:    diag.NewSink(log),
		mem:     suballoc.NewPool(),
		handles: replayremap.New(),
		addrs:   addrs,
		scanner: addrremap.NewCandidateScanner(addrs),
	}
}

// Memory returns the suballocator backing every IMAGE_UPDATE/BUFFER_UPDATE/
// TENSOR_UPDATE patch target.
func (c *Coordinator) Memory() *suballoc.Pool { return c.mem }

// Handles returns the dense-index -> replay-handle table populated the
// first time each object index is encountered on the wire.
func (c *Coordinator) Handles() *replayremap.Remap { return c.handles }

// Addresses returns the device-address remapper backing the candidate
// scanner run over every freshly-applied patch segment.
func (c *Coordinator) Addresses() *addrremap.Remapper { return c.addrs }

// OnPostProcess registers a callback invoked after every successful decode,
// for offline-tool use (trace inspection, statistics, conversion) rather
// than live replay.
func (c *Coordinator) OnPostProcess(fn PostProcessFunc) { c.postHook = fn }

// AttachThread registers a new per-thread reader under r, in the order
// threads appear in the archive.
func (c *Coordinator) AttachThread(r *stream.Reader) *ThreadReader {
	c.readersMu.Lock()
	defer c.readersMu.Unlock()
	tr := &ThreadReader{Reader: r, coord: c, threadID: len(c.readers)}
	c.readers = append(c.readers, tr)
	return tr
}

// waitForCall spin-waits (10µs sleeps) until thread
// `thread`'s call counter reaches at least `call`, or that thread has
// terminated (in which case it can never advance further and we must not
// hang forever on a malformed trace).
func (c *Coordinator) waitForCall(thread int, call uint32) {
	c.readersMu.RLock()
	if thread < 0 || thread >= len(c.readers) {
		c.readersMu.RUnlock()
		return
	}
	target := c.readers[thread]
	c.readersMu.RUnlock()

	for target.CallNumber() < call {
		if target.terminated.Load() && target.CallNumber() < call {
			c.setErr(fmt.Errorf("replay: thread %d terminated before call %d was reached", thread, call))
			return
		}
		time.Sleep(config.SpinWaitInterval)
	}
}

func (c *Coordinator) setErr(err error) {
	c.firstErrMu.Lock()
	defer c.firstErrMu.Unlock()
	if c.firstErr == nil {
		c.firstErr = err
		c.diag.Fatal("replay", err)
	}
}

// Err returns the first fatal error reported by any worker, if any.
func (c *Coordinator) Err() error {
	c.firstErrMu.Lock()
	defer c.firstErrMu.Unlock()
	return c.firstErr
}

// Run dispatches packets on tr until a terminator packet, a fatal error, or
// Coordinator.Err() is already set by another thread. Intended to be run in
// its own goroutine per thread, one worker per recorded stream.
func (c *Coordinator) Run(tr *ThreadReader) {
	defer tr.terminated.Store(true)

	for {
		if c.Err() != nil {
			return
		}

		tag, err := tr.ReadUint8()
		if err != nil {
			c.setErr(fmt.Errorf("replay: thread %d: reading packet tag: %w", tr.threadID, err))
			return
		}

		switch tag {
		case wire.PacketEOF:
			return

		case wire.PacketVulkanAPICall, wire.PacketVulkanSCAPICall:
			if err := c.dispatchCall(tr); err != nil {
				c.setErr(fmt.Errorf("replay: thread %d: %w", tr.threadID, err))
				return
			}

		case wire.PacketThreadBarrier:
			if err := c.dispatchBarrier(tr); err != nil {
				c.setErr(fmt.Errorf("replay: thread %d: %w", tr.threadID, err))
				return
			}

		case wire.PacketImageUpdate, wire.PacketBufferUpdate, wire.PacketTensorUpdate:
			if err := c.dispatchMemoryUpdate(tr, tag); err != nil {
				c.setErr(fmt.Errorf("replay: thread %d: %w", tr.threadID, err))
				return
			}

		default:
			c.setErr(fmt.Errorf("replay: thread %d: unexpected packet tag %d", tr.threadID, tag))
			return
		}
	}
}

func (c *Coordinator) dispatchCall(tr *ThreadReader) error {
	functionID, err := tr.ReadUint16()
	if err != nil {
		return fmt.Errorf("reading function id: %w", err)
	}
	if _, err := tr.ReadUint32(); err != nil { // reserved
		return fmt.Errorf("reading reserved field: %w", err)
	}

	name, ok := c.dict.Names[functionID]
	if !ok {
		return fmt.Errorf("%w: function id %d", wire.ErrUnknownFunction, functionID)
	}
	decode, ok := c.dict.Decoders[name]
	if !ok {
		return fmt.Errorf("%w: no decoder registered for %q", wire.ErrUnknownFunction, name)
	}

	if err := decode(tr, functionID); err != nil {
		return fmt.Errorf("decoding %q: %w", name, err)
	}

	tr.callNumber.Add(1)
	if c.postHook != nil {
		c.postHook(functionID)
	}
	return nil
}

// dispatchMemoryUpdate applies one IMAGE_UPDATE/BUFFER_UPDATE/TENSOR_UPDATE
// packet: read the device and object handles, resolve the object's backing
// memory from the suballocator (allocating it on first touch), reapply the
// patch directly into that memory, and feed every freshly-written segment
// to the device-address candidate scanner.
func (c *Coordinator) dispatchMemoryUpdate(tr *ThreadReader, tag uint8) error {
	deviceHandle, err := tr.ReadHandle()
	if err != nil {
		return fmt.Errorf("reading device handle: %w", err)
	}
	objHandle, err := tr.ReadHandle()
	if err != nil {
		return fmt.Errorf("reading object handle: %w", err)
	}

	target, err := c.resolveBacking(objHandle, tag)
	if err != nil {
		return err
	}

	if _, err := tr.ReadPatch(target, len(target), func(offset uint64, data []byte) {
		c.scanner.Scan(offset, data, uint64(deviceHandle.Index))
	}); err != nil {
		return fmt.Errorf("applying patch: %w", err)
	}
	return nil
}

// resolveBacking returns the backing byte slice for objHandle's memory,
// allocating it from the suballocator and recording the dense index ->
// replay-handle assignment the first time this object index is touched.
func (c *Coordinator) resolveBacking(objHandle wire.Handle, tag uint8) ([]byte, error) {
	objectIndex := uint64(objHandle.Index)

	if heap, offset, size, _, _, ok := c.mem.Find(objectIndex); ok {
		return heap.Bytes(offset, size), nil
	}

	thread := int(objHandle.OriginatingThread)
	if thread < 0 {
		thread = 0
	}
	req := suballoc.Request{
		Size:              defaultUpdateSize,
		Alignment:         1,
		Tiling:            suballoc.TilingLinear,
		RequiresDedicated: tag == wire.PacketTensorUpdate,
	}
	alloc, err := c.mem.Allocate(thread, req, objectIndex)
	if err != nil {
		return nil, fmt.Errorf("allocating backing memory for object %d: %w", objectIndex, err)
	}
	c.handles.Set(objHandle.Index, objectIndex+1)
	return alloc.Heap.Bytes(alloc.Offset, alloc.Size), nil
}

func (c *Coordinator) dispatchBarrier(tr *ThreadReader) error {
	n, err := tr.ReadUint8()
	if err != nil {
		return fmt.Errorf("reading barrier count: %w", err)
	}
	for i := uint8(0); i < n; i++ {
		call, err := tr.ReadUint32()
		if err != nil {
			return fmt.Errorf("reading barrier call number %d: %w", i, err)
		}
		// Barrier call numbers are positional per thread index, skipping our
		// own slot the way the capture side built the list.
		target := int(i)
		if target >= tr.threadID {
			target++
		}
		c.waitForCall(target, call)
	}
	return nil
}

// OpenArchive is a convenience wrapper opening a pack archive for replay;
// per-thread packet streams are opened individually via archive.Reader.OpenInside
// and wrapped in stream.NewReader by the caller, since the compression
// codec is a per-archive metadata field the caller already parsed out of
// metadata.json.
func OpenArchive(path string) (*archive.Reader, error) {
	r, err := archive.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: opening archive: %w", err)
	}
	return r, nil
}
