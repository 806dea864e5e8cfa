// Package patch implements the differential memory-patch codec: scanning a
// live memory region against a shadow copy to produce a sparse diff, and
// reapplying that diff on the replay side.
package patch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// stride is the word size the scanner advances by while skip-matching or
// diff-running, matching the 8-byte-aligned scan in the original scanner.
const stride = 8

// Segment is one (offsetDelta, length, bytes) triplet of the wire encoding.
// OffsetDelta is the number of unchanged bytes since the end of the previous
// segment (or the start of the scan, for the first segment).
type Segment struct {
	OffsetDelta uint32
	Length      uint32
	Data        []byte
}

// Diff compares orig against chng (both must be the same length) and
// returns the encoded patch stream plus the number of bytes that changed.
// orig is updated in place to match chng for every byte covered by an
// emitted segment, so a subsequent Diff(orig, chng) call degenerates to the
// zero-change terminator — this is what gives the codec its idempotence
// property.
func Diff(orig, chng []byte) (out []byte, changed uint64) {
	if len(orig) != len(chng) {
		panic("patch: orig and chng must be the same length")
	}

	total := len(orig)
	pos := 0     // absolute cursor into orig/chng
	skipRun := 0 // bytes skipped (identical) since the end of the previous segment

	for pos < total {
		// Skip-matching loop: advance stride bytes at a time while identical.
		for total-pos >= stride && bytes.Equal(orig[pos:pos+stride], chng[pos:pos+stride]) {
			pos += stride
			skipRun += stride
		}

		runStart := pos
		diffLen := 0

		// Diff run: advance stride bytes at a time while different.
		for total-pos >= stride && !bytes.Equal(orig[pos:pos+stride], chng[pos:pos+stride]) {
			pos += stride
			diffLen += stride
		}

		// Trailing remainder < stride bytes: the run loops above only ever
		// advance on full strides, so anything left is handled here.
		if remaining := total - pos; remaining > 0 {
			if diffLen == 0 {
				if bytes.Equal(orig[pos:pos+remaining], chng[pos:pos+remaining]) {
					// Tail matches exactly: nothing to emit, scan is done.
					pos += remaining
					continue
				}
				diffLen = remaining
				pos += remaining
			} else {
				// Already mid diff-run: fold the tail in unconditionally.
				diffLen += remaining
				pos += remaining
			}
		}

		if diffLen == 0 {
			continue
		}

		segData := chng[runStart : runStart+diffLen]
		out = binary.LittleEndian.AppendUint32(out, uint32(skipRun))
		out = binary.LittleEndian.AppendUint32(out, uint32(diffLen))
		out = append(out, segData...)

		copy(orig[runStart:runStart+diffLen], segData)
		changed += uint64(diffLen)
		skipRun = 0
	}

	// Terminator.
	out = binary.LittleEndian.AppendUint32(out, 0)
	out = binary.LittleEndian.AppendUint32(out, 0)
	return out, changed
}

// SegmentFunc is invoked once per applied segment, with the absolute offset
// (relative to the start of the target buffer) and the bytes just written.
// Used by the replay side to feed the device-address candidate scanner
// (internal/addrremap) over newly written memory.
type SegmentFunc func(offset uint64, data []byte)

// Apply reads a patch stream from r and reapplies it to target, invoking fn
// (if non-nil) once per segment. It returns the number of bytes written and
// stops at the (0,0) terminator.
func Apply(r io.Reader, target []byte, fn SegmentFunc) (written uint64, err error) {
	var cursor uint64
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return written, fmt.Errorf("patch: reading segment header: %w", err)
		}
		delta := binary.LittleEndian.Uint32(hdr[0:4])
		length := binary.LittleEndian.Uint32(hdr[4:8])
		if delta == 0 && length == 0 {
			return written, nil
		}

		cursor += uint64(delta)
		if cursor+uint64(length) > uint64(len(target)) {
			return written, fmt.Errorf("patch: segment [%d,%d) exceeds target size %d", cursor, cursor+uint64(length), len(target))
		}

		buf := target[cursor : cursor+uint64(length)]
		if _, err := io.ReadFull(r, buf); err != nil {
			return written, fmt.Errorf("patch: reading segment payload: %w", err)
		}
		if fn != nil {
			fn(cursor, buf)
		}
		written += uint64(length)
		cursor += uint64(length)
	}
}

// DecodeSegments fully decodes an in-memory patch buffer into a slice of
// Segments, mainly useful for tests and diagnostic tooling.
func DecodeSegments(buf []byte) ([]Segment, error) {
	var segs []Segment
	pos := 0
	for {
		if pos+8 > len(buf) {
			return nil, fmt.Errorf("patch: truncated header at offset %d", pos)
		}
		delta := binary.LittleEndian.Uint32(buf[pos : pos+4])
		length := binary.LittleEndian.Uint32(buf[pos+4 : pos+8])
		pos += 8
		if delta == 0 && length == 0 {
			return segs, nil
		}
		if pos+int(length) > len(buf) {
			return nil, fmt.Errorf("patch: truncated payload at offset %d", pos)
		}
		segs = append(segs, Segment{OffsetDelta: delta, Length: length, Data: buf[pos : pos+int(length)]})
		pos += int(length)
	}
}
