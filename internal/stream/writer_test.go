package stream

import (
	"bytes"
	"testing"
)

func newTestCodec(t *testing.T) Codec {
	t.Helper()
	c, err := NewCodec(AlgorithmZstd, 0)
	if err != nil {
		t.Fatalf("constructing codec: %v", err)
	}
	return c
}

func TestWriterCloseFlushesAndReturnsNil(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, WriterConfig{ChunkSize: 1024, Codec: newTestCodec(t)})

	w.WriteUint32(42)
	w.WriteString("hello")
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("expected non-empty output")
	}
}

func TestWriterPositionTracksCumulativeBytes(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, WriterConfig{ChunkSize: 8, Codec: newTestCodec(t)})
	defer w.Close()

	if w.Position() != 0 {
		t.Fatalf("expected initial position 0, got %d", w.Position())
	}
	w.WriteUint32(1)
	if w.Position() != 4 {
		t.Errorf("expected position 4 after uint32, got %d", w.Position())
	}
	w.WriteUint64(2)
	if w.Position() != 12 {
		t.Errorf("expected position 12 after uint64, got %d", w.Position())
	}
}

func TestWriterDisabledStagesRunInline(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, WriterConfig{
		ChunkSize:         64,
		Codec:             newTestCodec(t),
		DisableCompressor: true,
		DisableSerializer: true,
	})
	w.WriteUint64(0xdeadbeef)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("expected non-empty output")
	}
}

func TestWriterCloseIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, WriterConfig{ChunkSize: 64, Codec: newTestCodec(t)})
	w.WriteUint8(1)
	if err := w.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}
}
