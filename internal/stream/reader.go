package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/lavatrace/lavatrace/internal/patch"
)

// DefaultReadaheadChunks is the default depth of the reader's uncompressed
// chunk queue.
const DefaultReadaheadChunks = 4

// ErrArchiveTruncated indicates the underlying stream ended mid-chunk or
// mid-header: always a fatal archive error.
var ErrArchiveTruncated = errors.New("stream: archive truncated")

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	Codec            Codec
	ReadaheadChunks  int
	Logger           *slog.Logger
}

// Reader is the per-thread chunked stream reader: the inverse of Writer. A
// background decompressor goroutine reads (header, payload) pairs from the
// underlying io.Reader, decompresses each chunk, and pushes it onto a
// bounded queue; the caller goroutine consumes bytes from that queue via the
// Read* primitives.
type Reader struct {
	in    io.Reader
	codec Codec
	log   *slog.Logger

	chunks chan []byte
	errCh  chan error

	mu              sync.Mutex
	cond            *sync.Cond
	cumulative      int64 // total uncompressed bytes made available so far
	decompressorErr error
	eof             bool

	current []byte
	curOff  int
}

// NewReader constructs a Reader over in and starts its decompressor worker.
func NewReader(in io.Reader, cfg ReaderConfig) *Reader {
	if cfg.ReadaheadChunks <= 0 {
		cfg.ReadaheadChunks = DefaultReadaheadChunks
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Reader{
		in:     in,
		codec:  cfg.Codec,
		log:    cfg.Logger,
		chunks: make(chan []byte, cfg.ReadaheadChunks),
		errCh:  make(chan error, 1),
	}
	r.cond = sync.NewCond(&r.mu)

	go r.decompressLoop()
	return r
}

func (r *Reader) decompressLoop() {
	defer close(r.chunks)
	for {
		var hdr [chunkHeaderSize]byte
		if _, err := io.ReadFull(r.in, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				r.markEOF()
				return
			}
			r.fail(fmt.Errorf("%w: reading chunk header: %v", ErrArchiveTruncated, err))
			return
		}
		compressedSize := binary.LittleEndian.Uint64(hdr[0:8])
		uncompressedSize := binary.LittleEndian.Uint64(hdr[8:16])

		payload := make([]byte, compressedSize)
		if _, err := io.ReadFull(r.in, payload); err != nil {
			r.fail(fmt.Errorf("%w: reading chunk payload: %v", ErrArchiveTruncated, err))
			return
		}

		uncompressed, err := r.codec.Decompress(make([]byte, 0, uncompressedSize), payload)
		if err != nil {
			r.fail(fmt.Errorf("stream: decompressing chunk: %w", err))
			return
		}

		r.chunks <- uncompressed

		r.mu.Lock()
		r.cumulative += int64(len(uncompressed))
		r.cond.Broadcast()
		r.mu.Unlock()
	}
}

func (r *Reader) fail(err error) {
	r.mu.Lock()
	r.decompressorErr = err
	r.cond.Broadcast()
	r.mu.Unlock()
	select {
	case r.errCh <- err:
	default:
	}
	r.log.Error("stream reader: fatal error", "error", err)
}

func (r *Reader) markEOF() {
	r.mu.Lock()
	r.eof = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Err returns the first fatal decompression/archive error, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decompressorErr
}

// Preload blocks the caller until the cumulative uncompressed size made
// available by the decompressor reaches at least target bytes, or until EOF
// or a fatal error — useful for deterministic frame warm-up.
func (r *Reader) Preload(target int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.cumulative < target && !r.eof && r.decompressorErr == nil {
		r.cond.Wait()
	}
	return r.decompressorErr
}

// fill ensures r.current has at least one unread byte, pulling the next
// chunk from the queue (blocking) if necessary. Returns io.EOF once the
// stream is exhausted.
func (r *Reader) fill() error {
	for r.curOff >= len(r.current) {
		chunk, ok := <-r.chunks
		if !ok {
			if err := r.Err(); err != nil {
				return err
			}
			return io.EOF
		}
		r.current = chunk
		r.curOff = 0
	}
	return nil
}

// readN reads exactly n bytes, assembling across chunk boundaries as
// needed.
func (r *Reader) readN(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		if err := r.fill(); err != nil {
			return nil, err
		}
		avail := len(r.current) - r.curOff
		need := n - len(out)
		take := avail
		if take > need {
			take = need
		}
		out = append(out, r.current[r.curOff:r.curOff+take]...)
		r.curOff += take
	}
	return out, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.readN(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.readN(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.readN(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadFloat32() (float32, error) {
	u, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(u), nil
}

func (r *Reader) ReadFloat64() (float64, error) {
	u, err := r.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// ReadBytes reads exactly n raw bytes with no length prefix.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	return r.readN(n)
}

// ReadString reads a uint16-length-prefixed string with no terminator.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return "", err
	}
	b, err := r.readN(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadStringArray reads a uint32 count followed by that many
// length-prefixed strings.
func (r *Reader) ReadStringArray() ([]string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// Read implements io.Reader over the chunk queue, letting internal/patch.Apply
// (and any other primitive consumer) pull bytes across chunk boundaries
// transparently.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := r.fill(); err != nil {
		return 0, err
	}
	n := copy(p, r.current[r.curOff:])
	r.curOff += n
	return n, nil
}

// ReadPatch reads a patch stream (see internal/patch) directly from the
// chunked reader and reapplies it into target, invoking fn per segment.
// maxSize bounds how many bytes of target the patch may touch.
func (r *Reader) ReadPatch(target []byte, maxSize int, fn patch.SegmentFunc) (uint64, error) {
	if maxSize > 0 && maxSize < len(target) {
		target = target[:maxSize]
	}
	written, err := patch.Apply(r, target, fn)
	if err != nil {
		return written, fmt.Errorf("stream: applying patch: %w", err)
	}
	return written, nil
}
