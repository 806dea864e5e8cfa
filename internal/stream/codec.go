// Package stream implements the per-thread chunked, compressed append-only
// binary stream used on both the capture (Writer) and replay (Reader) side,
// plus the primitive encoders/decoders every packet body is built from.
package stream

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Algorithm selects the chunk compression codec. The exact algorithm is an
// interchangeable implementation detail; this core ships the two codecs
// already vendored by the rest of the dependency stack.
type Algorithm uint8

const (
	AlgorithmZstd Algorithm = iota
	AlgorithmGzip
)

// Codec compresses and decompresses whole chunks. Implementations must be
// safe for concurrent use by distinct Compress/Decompress calls (the writer
// and reader each run a single dedicated worker goroutine, but a process may
// host many streams sharing the same Codec).
type Codec interface {
	Compress(dst []byte, src []byte) ([]byte, error)
	Decompress(dst []byte, src []byte) ([]byte, error)
}

// NewCodec constructs the codec for algo at the given compression level
// (codec-specific; 0 selects each codec's default).
func NewCodec(algo Algorithm, level int) (Codec, error) {
	switch algo {
	case AlgorithmZstd:
		return newZstdCodec(level)
	case AlgorithmGzip:
		return newGzipCodec(level)
	default:
		return nil, fmt.Errorf("stream: unknown compression algorithm %d", algo)
	}
}

type zstdCodec struct {
	level zstd.EncoderLevel
}

func newZstdCodec(level int) (*zstdCodec, error) {
	l := zstd.SpeedDefault
	if level > 0 {
		l = zstd.EncoderLevelFromZstd(level)
	}
	return &zstdCodec{level: l}, nil
}

func (c *zstdCodec) Compress(dst, src []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, fmt.Errorf("stream: creating zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(src, dst), nil
}

func (c *zstdCodec) Decompress(dst, src []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("stream: creating zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(src, dst)
	if err != nil {
		return nil, fmt.Errorf("stream: zstd decompress: %w", err)
	}
	return out, nil
}

type gzipCodec struct {
	level int
}

func newGzipCodec(level int) (*gzipCodec, error) {
	if level <= 0 {
		level = pgzip.DefaultCompression
	}
	return &gzipCodec{level: level}, nil
}

func (c *gzipCodec) Compress(dst, src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := pgzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("stream: creating pgzip writer: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("stream: pgzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("stream: closing pgzip writer: %w", err)
	}
	return append(dst, buf.Bytes()...), nil
}

func (c *gzipCodec) Decompress(dst, src []byte) ([]byte, error) {
	r, err := pgzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("stream: creating pgzip reader: %w", err)
	}
	defer r.Close()
	buf := bytes.NewBuffer(dst)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("stream: pgzip read: %w", err)
	}
	return buf.Bytes(), nil
}
