package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/lavatrace/lavatrace/internal/throttle"
)

// DefaultChunkSize is the default staging chunk size (64 MiB) used by the
// capture core.
const DefaultChunkSize = 64 * 1024 * 1024

// chunkHeaderSize is the 16-byte (compressed_size, uncompressed_size)
// header prepended to every compressed chunk on the wire.
const chunkHeaderSize = 16

// queueDepth bounds the uncompressed/compressed chunk channels, giving the
// producer back-pressure once the compressor or serializer falls behind.
const queueDepth = 4

// WriterConfig configures a Writer.
type WriterConfig struct {
	ChunkSize int
	Codec     Codec

	// DisableCompressor runs compression synchronously on the producer
	// thread instead of handing chunks to a background worker.
	DisableCompressor bool
	// DisableSerializer runs the file write synchronously on whichever
	// thread last touches the compressed chunk (producer, or compressor
	// if it is enabled).
	DisableSerializer bool

	// BytesPerSec caps the serializer's underlying write throughput,
	// letting a capture session share disk bandwidth with the traced
	// application instead of saturating it. 0 disables throttling.
	BytesPerSec int64

	Logger *slog.Logger
}

// Writer is the per-thread append-only chunked stream writer. A single
// caller goroutine (the "producer") appends primitives; depending on
// configuration, up to two background worker goroutines compress and
// serialize chunks concurrently with the producer.
type Writer struct {
	out   io.Writer
	codec Codec
	log   *slog.Logger

	chunkSize     int
	staging       []byte
	totalAppended int64 // logical uncompressed byte position, across all flushed chunks

	uncompressedQ chan []byte
	compressedQ   chan []byte

	compressorWG sync.WaitGroup
	serializerWG sync.WaitGroup

	disableCompressor bool
	disableSerializer bool

	doneFeeding     atomic.Bool
	doneCompressing atomic.Bool

	mu        sync.Mutex // guards err and bytesWritten
	err       error
	bytesWritten int64

	closed atomic.Bool
}

// NewWriter constructs a Writer over out. Workers are started immediately
// and run until Close is called.
func NewWriter(out io.Writer, cfg WriterConfig) *Writer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	out = throttle.NewWriter(context.Background(), out, cfg.BytesPerSec, cfg.ChunkSize)

	w := &Writer{
		out:               out,
		codec:             cfg.Codec,
		log:               cfg.Logger,
		chunkSize:         cfg.ChunkSize,
		staging:           make([]byte, 0, cfg.ChunkSize),
		uncompressedQ:     make(chan []byte, queueDepth),
		compressedQ:       make(chan []byte, queueDepth),
		disableCompressor: cfg.DisableCompressor,
		disableSerializer: cfg.DisableSerializer,
	}

	if !w.disableCompressor {
		w.compressorWG.Add(1)
		go w.compressorLoop()
	}
	if !w.disableSerializer {
		w.serializerWG.Add(1)
		go w.serializerLoop()
	}
	return w
}

// setErr records the first fatal error. Once set, all subsequent writes
// are discarded.
func (w *Writer) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
		w.log.Error("stream writer: fatal error, discarding subsequent writes", "error", err)
	}
}

// Err returns the first fatal error encountered by any stage, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Writer) failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err != nil
}

// compressorLoop pops uncompressed chunks, compresses them, prepends the
// 16-byte header, and pushes to the compressed queue.
func (w *Writer) compressorLoop() {
	defer w.compressorWG.Done()
	for chunk := range w.uncompressedQ {
		w.compressAndEnqueue(chunk)
	}
	w.doneCompressing.Store(true)
}

func (w *Writer) compressAndEnqueue(chunk []byte) {
	if w.failed() {
		return
	}
	compressed, err := w.codec.Compress(nil, chunk)
	if err != nil {
		w.setErr(fmt.Errorf("stream: compressing chunk: %w", err))
		return
	}
	framed := make([]byte, chunkHeaderSize, chunkHeaderSize+len(compressed))
	binary.LittleEndian.PutUint64(framed[0:8], uint64(len(compressed)))
	binary.LittleEndian.PutUint64(framed[8:16], uint64(len(chunk)))
	framed = append(framed, compressed...)

	if w.disableSerializer {
		w.serializeInline(framed)
		return
	}
	w.compressedQ <- framed
}

// serializerLoop pops compressed frames and writes them to the underlying
// file descriptor, retrying on transient write errors.
func (w *Writer) serializerLoop() {
	defer w.serializerWG.Done()
	for frame := range w.compressedQ {
		w.serializeInline(frame)
	}
}

// retryableWrite writes the whole of buf to w.out, retrying on transient
// errors (the Go analogue of EAGAIN/EINTR/EWOULDBLOCK retry: an error whose
// underlying cause reports itself Temporary, or a short write).
func retryableWrite(out io.Writer, buf []byte) (int, error) {
	var temp interface{ Temporary() bool }
	written := 0
	for written < len(buf) {
		n, err := out.Write(buf[written:])
		written += n
		if err == nil {
			continue
		}
		if errors.As(err, &temp) && temp.Temporary() {
			continue
		}
		return written, err
	}
	return written, nil
}

func (w *Writer) serializeInline(frame []byte) {
	if w.failed() {
		return
	}
	n, err := retryableWrite(w.out, frame)
	w.mu.Lock()
	w.bytesWritten += int64(n)
	w.mu.Unlock()
	if err != nil {
		w.setErr(fmt.Errorf("stream: writing chunk to archive: %w", err))
	}
}

// flushStaging moves the current staging chunk to the uncompressed-chunks
// queue (or compresses it inline, if the compressor is disabled) and resets
// the staging buffer.
func (w *Writer) flushStaging() {
	if len(w.staging) == 0 {
		return
	}
	chunk := w.staging
	w.staging = make([]byte, 0, w.chunkSize)

	if w.disableCompressor {
		w.compressAndEnqueue(chunk)
		return
	}
	w.uncompressedQ <- chunk
}

// append grows the staging chunk by p, flushing to the pipeline whenever it
// would overflow the configured chunk size.
func (w *Writer) append(p []byte) {
	if w.failed() {
		return
	}
	for len(p) > 0 {
		room := w.chunkSize - len(w.staging)
		if room <= 0 {
			w.flushStaging()
			room = w.chunkSize
		}
		n := len(p)
		if n > room {
			n = room
		}
		w.staging = append(w.staging, p[:n]...)
		w.totalAppended += int64(n)
		p = p[n:]
	}
}

// Primitive encoders. Every call appends bytes in program order on the
// calling (producer) goroutine; none may ever reorder bytes relative to the
// caller's other writes.

func (w *Writer) WriteUint8(v uint8)   { w.append([]byte{v}) }
func (w *Writer) WriteUint16(v uint16) { w.append(binary.LittleEndian.AppendUint16(nil, v)) }
func (w *Writer) WriteUint32(v uint32) { w.append(binary.LittleEndian.AppendUint32(nil, v)) }
func (w *Writer) WriteUint64(v uint64) { w.append(binary.LittleEndian.AppendUint64(nil, v)) }

func (w *Writer) WriteFloat32(v float32) { w.append(binary.LittleEndian.AppendUint32(nil, math.Float32bits(v))) }
func (w *Writer) WriteFloat64(v float64) { w.append(binary.LittleEndian.AppendUint64(nil, math.Float64bits(v))) }

// WriteBytes appends a raw byte array with no length prefix.
func (w *Writer) WriteBytes(p []byte) { w.append(p) }

// WriteString appends a uint16-length-prefixed string (no terminator).
func (w *Writer) WriteString(s string) {
	w.WriteUint16(uint16(len(s)))
	w.append([]byte(s))
}

// WriteStringArray appends a uint32 count followed by each length-prefixed
// string.
func (w *Writer) WriteStringArray(arr []string) {
	w.WriteUint32(uint32(len(arr)))
	for _, s := range arr {
		w.WriteString(s)
	}
}

// WritePatch appends an already-encoded patch stream (see internal/patch)
// and returns the number of bytes physically appended, so the caller can
// tally total patch bytes emitted.
func (w *Writer) WritePatch(encoded []byte) int {
	w.append(encoded)
	return len(encoded)
}

// BytesWritten returns the number of compressed bytes physically written to
// the underlying file so far.
func (w *Writer) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesWritten
}

// Position returns the logical offset (in uncompressed bytes) the producer
// has appended so far, usable as a frame checkpoint.
func (w *Writer) Position() int64 {
	return w.totalAppended
}

// Close runs the finalization protocol: marks done_feeding, flushes any
// partial staging chunk, waits for the compressor to drain and set
// done_compressing, waits for the serializer to drain, then returns the
// first fatal error encountered by any stage (if any).
func (w *Writer) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return w.Err()
	}

	w.flushStaging()
	w.doneFeeding.Store(true)

	if !w.disableCompressor {
		close(w.uncompressedQ)
		w.compressorWG.Wait()
	} else {
		w.doneCompressing.Store(true)
	}

	if !w.disableSerializer {
		close(w.compressedQ)
		w.serializerWG.Wait()
	}

	return w.Err()
}
