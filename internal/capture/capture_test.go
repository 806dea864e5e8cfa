package capture

import (
	"bytes"
	"testing"

	"github.com/lavatrace/lavatrace/internal/model"
	"github.com/lavatrace/lavatrace/internal/stream"
	"github.com/lavatrace/lavatrace/internal/wire"
)

func newCodec(t *testing.T) stream.Codec {
	t.Helper()
	c, err := stream.NewCodec(stream.AlgorithmZstd, 0)
	if err != nil {
		t.Fatalf("constructing codec: %v", err)
	}
	return c
}

func TestFunctionIDIsStableAndAssignedOnce(t *testing.T) {
	c := New(nil)
	id1 := c.FunctionID("vkCreateBuffer")
	id2 := c.FunctionID("vkCreateImage")
	id3 := c.FunctionID("vkCreateBuffer")
	if id1 != id3 {
		t.Errorf("expected stable id for repeated lookups, got %d and %d", id1, id3)
	}
	if id1 == id2 {
		t.Errorf("expected distinct ids for distinct names, got %d for both", id1)
	}
	if len(c.Dictionary()) != 2 {
		t.Errorf("expected 2 dictionary entries, got %d", len(c.Dictionary()))
	}
}

func TestCallEmitsPacketHeaderAndEncodesBody(t *testing.T) {
	c := New(nil)
	var buf bytes.Buffer
	w := stream.NewWriter(&buf, stream.WriterConfig{ChunkSize: 4096, Codec: newCodec(t)})
	tw := c.NewThreadWriter(w)

	var gotHandle wire.Handle
	tw.Call("vkCreateBuffer", func(tw *ThreadWriter) {
		tw.WriteHandle(wire.Handle{Index: 7, OriginatingThread: 0, LastModifyingCall: 1})
		gotHandle = wire.Handle{Index: 7, OriginatingThread: 0, LastModifyingCall: 1}
	})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if tw.CallNumber() != 1 {
		t.Errorf("expected call number 1, got %d", tw.CallNumber())
	}
	if gotHandle.Index != 7 {
		t.Errorf("expected handle index 7, got %d", gotHandle.Index)
	}

	r := stream.NewReader(&buf, stream.ReaderConfig{Codec: newCodec(t)})
	if tag, err := r.ReadUint8(); err != nil || tag != wire.PacketVulkanAPICall {
		t.Fatalf("expected VULKAN_API_CALL tag, got (%d, %v)", tag, err)
	}
	if id, err := r.ReadUint16(); err != nil || id != c.FunctionID("vkCreateBuffer") {
		t.Errorf("expected function id %d, got (%d, %v)", c.FunctionID("vkCreateBuffer"), id, err)
	}
}

func TestNewFrameAdvancesGlobalCounterAndRecordsMarks(t *testing.T) {
	c := New(nil)
	var buf bytes.Buffer
	w := stream.NewWriter(&buf, stream.WriterConfig{ChunkSize: 4096, Codec: newCodec(t)})
	c.NewThreadWriter(w)

	f0 := c.NewFrame()
	f1 := c.NewFrame()
	if f0 != 0 || f1 != 1 {
		t.Errorf("expected frame counters 0,1, got %d,%d", f0, f1)
	}
	if len(c.Frames()) != 2 {
		t.Errorf("expected 2 frame marks, got %d", len(c.Frames()))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRequestBarrierInjectsBarrierPacketOnNextCall(t *testing.T) {
	c := New(nil)
	var buf0, buf1 bytes.Buffer
	w0 := stream.NewWriter(&buf0, stream.WriterConfig{ChunkSize: 4096, Codec: newCodec(t)})
	w1 := stream.NewWriter(&buf1, stream.WriterConfig{ChunkSize: 4096, Codec: newCodec(t)})
	tw0 := c.NewThreadWriter(w0)
	tw1 := c.NewThreadWriter(w1)

	tw0.Call("vkCreateBuffer", nil)
	tw1.RequestBarrier()
	tw1.Call("vkCmdCopyBuffer", nil)

	if err := w0.Close(); err != nil {
		t.Fatalf("close w0: %v", err)
	}
	if err := w1.Close(); err != nil {
		t.Fatalf("close w1: %v", err)
	}

	r := stream.NewReader(&buf1, stream.ReaderConfig{Codec: newCodec(t)})
	if tag, err := r.ReadUint8(); err != nil || tag != wire.PacketThreadBarrier {
		t.Fatalf("expected THREAD_BARRIER tag first, got (%d, %v)", tag, err)
	}
	if n, err := r.ReadUint8(); err != nil || n != 1 {
		t.Fatalf("expected 1 barrier slot, got (%d, %v)", n, err)
	}
	if cn, err := r.ReadUint32(); err != nil || cn != 1 {
		t.Errorf("expected barrier to wait on thread 0's call 1, got (%d, %v)", cn, err)
	}
	if tag, err := r.ReadUint8(); err != nil || tag != wire.PacketVulkanAPICall {
		t.Errorf("expected VULKAN_API_CALL tag after the barrier, got (%d, %v)", tag, err)
	}
}

func TestFlushMemoryEmitsPatchAndClearsExposedRange(t *testing.T) {
	c := New(nil)
	var buf bytes.Buffer
	w := stream.NewWriter(&buf, stream.WriterConfig{ChunkSize: 4096, Codec: newCodec(t)})
	tw := c.NewThreadWriter(w)

	obj := model.NewMemoryObject(1, 16)
	obj.EnsureShadow()
	live := make([]byte, 16)
	copy(live, []byte("abcd"))
	obj.Exposed.Add(0, 3)

	deviceHandle := wire.Handle{Index: 0, OriginatingThread: wire.NullThread}
	objHandle := wire.Handle{Index: 1, OriginatingThread: wire.NullThread}
	tw.FlushMemory(deviceHandle, objHandle, obj, wire.PacketBufferUpdate, live)

	if obj.Exposed.Size() != 0 {
		t.Errorf("expected Exposed to be cleared after flush, got size %d", obj.Exposed.Size())
	}
	if string(obj.Shadow[:4]) != "abcd" {
		t.Errorf("expected shadow updated to %q, got %q", "abcd", obj.Shadow[:4])
	}
	if w.Position() == 0 {
		t.Error("expected FlushMemory to write a packet to the stream")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestFlushMemorySkipsUnexposedObject(t *testing.T) {
	c := New(nil)
	var buf bytes.Buffer
	w := stream.NewWriter(&buf, stream.WriterConfig{ChunkSize: 4096, Codec: newCodec(t)})
	tw := c.NewThreadWriter(w)

	obj := model.NewMemoryObject(1, 16)
	live := make([]byte, 16)

	tw.FlushMemory(wire.Handle{}, wire.Handle{Index: 1}, obj, wire.PacketBufferUpdate, live)
	if w.Position() != 0 {
		t.Errorf("expected no packet written for an untouched object, wrote %d bytes", w.Position())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRegistriesFeedLimitsAndTracking(t *testing.T) {
	c := New(nil)

	mem := model.NewMemoryObject(100, 64)
	mem.Index = c.NextObjectIndex()
	c.RegisterMemoryObject(100, 0, mem)

	bound := &model.BoundObject{Kind: model.KindBuffer, Backing: 100, Size: 64}
	bound.Index = c.NextObjectIndex()
	c.RegisterBoundObject(200, 0, bound)

	limits := c.Limits()
	if limits.MaxMemoryIndex != 1 {
		t.Errorf("expected MaxMemoryIndex 1, got %d", limits.MaxMemoryIndex)
	}
	if limits.MaxBufferIndex != 2 {
		t.Errorf("expected MaxBufferIndex 2, got %d", limits.MaxBufferIndex)
	}

	tracking := c.Tracking()
	if len(tracking["memory"]) != 1 {
		t.Errorf("expected 1 memory tracking entry, got %d", len(tracking["memory"]))
	}
	if len(tracking["buffer"]) != 1 {
		t.Errorf("expected 1 buffer tracking entry, got %d", len(tracking["buffer"]))
	}
}

func TestScratchArenaResetsAtEachCall(t *testing.T) {
	c := New(nil)
	var buf bytes.Buffer
	w := stream.NewWriter(&buf, stream.WriterConfig{ChunkSize: 4096, Codec: newCodec(t)})
	tw := c.NewThreadWriter(w)

	tw.Call("vkCreateBuffer", func(tw *ThreadWriter) {
		tw.Scratch().CopyString("harness-buffer")
	})
	if tw.Scratch().Used() == 0 {
		t.Error("expected scratch arena usage to persist for the remainder of the call")
	}
	tw.Call("vkQueueSubmit", func(tw *ThreadWriter) {
		if used := tw.Scratch().Used(); used != 0 {
			t.Errorf("expected scratch arena reset at the start of the next call, got %d bytes used", used)
		}
	})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
