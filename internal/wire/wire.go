// Package wire defines the binary packet taxonomy and primitive encodings
// shared by the capture and replay coordinators: packet tags, the handle
// triplet, length-prefixed strings, and the sparse patch encoding.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Packet tags, matching the on-stream taxonomy.
const (
	PacketEOF            uint8 = 0
	PacketVulkanAPICall   uint8 = 2
	PacketThreadBarrier   uint8 = 3
	PacketImageUpdate     uint8 = 4
	PacketBufferUpdate    uint8 = 5
	PacketVulkanSCAPICall uint8 = 6
	PacketTensorUpdate    uint8 = 7
)

// NullThread is the originating-thread value of a null handle.
const NullThread int8 = -1

// Handle is the wire encoding of an object reference: the dense index, the
// originating thread, and the last call number that modified the object on
// that thread.
type Handle struct {
	Index             uint32
	OriginatingThread int8
	LastModifyingCall uint16
}

// NullHandle is the zero-valued wire handle, encoded as (0, -1, 0).
var NullHandle = Handle{OriginatingThread: NullThread}

// ErrTruncated indicates the stream ended before a fixed-size field could be
// fully read.
var ErrTruncated = errors.New("wire: truncated read")

// ErrUnknownFunction indicates a function id with no dictionary entry was
// encountered mid-stream; since its body length is unknown, the stream
// cannot be resynchronized and must be aborted.
var ErrUnknownFunction = errors.New("wire: unknown function id, stream unresynchronizable")

// PutUint8/16/32/64 and corresponding Get helpers below give every stream
// writer/reader primitive encoder/decoder a single point of truth for
// little-endian layout: all integers are little-endian, and floats are
// bit-copied via unsigned integers of equal width.

func PutUint8(buf []byte, v uint8) []byte   { return append(buf, v) }
func PutUint16(buf []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(buf, v) }
func PutUint32(buf []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(buf, v) }
func PutUint64(buf []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(buf, v) }

// PutFloat32/64 bit-copy via their unsigned counterpart rather than encoding
// a textual or varint representation.
func PutFloat32(buf []byte, v float32) []byte {
	return PutUint32(buf, math.Float32bits(v))
}
func PutFloat64(buf []byte, v float64) []byte {
	return PutUint64(buf, math.Float64bits(v))
}

// PutString appends a uint16 length prefix followed by the raw bytes, with
// no terminator.
func PutString(buf []byte, s string) []byte {
	buf = PutUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// PutStringArray appends a uint32 count followed by each length-prefixed
// string in order.
func PutStringArray(buf []byte, arr []string) []byte {
	buf = PutUint32(buf, uint32(len(arr)))
	for _, s := range arr {
		buf = PutString(buf, s)
	}
	return buf
}

// PutHandle appends the (index, originating_thread, last_modifying_call)
// triplet for h.
func PutHandle(buf []byte, h Handle) []byte {
	buf = PutUint32(buf, h.Index)
	buf = append(buf, byte(h.OriginatingThread))
	buf = PutUint16(buf, h.LastModifyingCall)
	return buf
}

// ReadUint8 reads a single byte from r.
func ReadUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return b[0], nil
}

// ReadUint16 reads a little-endian uint16 from r.
func ReadUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// ReadUint32 reads a little-endian uint32 from r.
func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadUint64 reads a little-endian uint64 from r.
func ReadUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// ReadFloat32/64 bit-copy back from their unsigned counterpart.
func ReadFloat32(r io.Reader) (float32, error) {
	u, err := ReadUint32(r)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(u), nil
}
func ReadFloat64(r io.Reader) (float64, error) {
	u, err := ReadUint64(r)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// ReadString reads a uint16-length-prefixed string with no terminator.
func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return string(buf), nil
}

// ReadStringArray reads a uint32 count followed by that many length-prefixed
// strings.
func ReadStringArray(r io.Reader) ([]string, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		s, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// ReadHandle reads the (index, originating_thread, last_modifying_call)
// triplet.
func ReadHandle(r io.Reader) (Handle, error) {
	index, err := ReadUint32(r)
	if err != nil {
		return Handle{}, err
	}
	threadByte, err := ReadUint8(r)
	if err != nil {
		return Handle{}, err
	}
	call, err := ReadUint16(r)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Index: index, OriginatingThread: int8(threadByte), LastModifyingCall: call}, nil
}
