// Package archive implements the pack file container: a single file holding
// several named sub-files behind an appendable, chainable index, used to
// store the dictionary/metadata/limits/tracking sidecars and the per-thread
// packet streams inside one .lvt archive.
package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
)

const (
	// SignatureCurrent is written by every archive this package creates.
	SignatureCurrent = "LAVA0001\x00"
	// SignatureLegacy is accepted on read for archives produced by the
	// original single-index (version-0) format.
	SignatureLegacy = "LAVATUBE\x00"

	signatureSize = 8 + 1 // 8 bytes + nul
	nameSize      = 40
	entrySize     = 8 + 8 + nameSize // position, length, name
)

// Entry describes one named sub-file stored inside the archive.
type Entry struct {
	Name     string
	Position uint64
	Length   uint64
}

// Writer appends named sub-files to a pack archive on disk, maintaining a
// chained index so the archive remains appendable (version-1 semantics).
// Each Writer covers one session from Create to Close; this package has no
// call that reopens a closed archive to append further entries.
type Writer struct {
	f        *os.File
	entries  []Entry
	indexPos int64 // offset of the most recently written index's next_index_position field
}

// Create creates a new pack archive at path, writing the signature and an
// empty terminating index.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("archive: creating %s: %w", path, err)
	}
	if _, err := f.Write([]byte(SignatureCurrent)); err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: writing signature: %w", err)
	}

	w := &Writer{f: f}
	if err := w.writeEmptyIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeEmptyIndex() error {
	pos, err := w.f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("archive: seeking to EOF: %w", err)
	}
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], 0)
	if _, err := w.f.Write(hdr[:]); err != nil {
		return fmt.Errorf("archive: writing index count: %w", err)
	}
	w.indexPos = pos + 2
	var next [8]byte
	if _, err := w.f.Write(next[:]); err != nil {
		return fmt.Errorf("archive: writing index terminator: %w", err)
	}
	return nil
}

// Append streams r's contents into the archive under name and records an
// index entry for it. name must fit in 40 bytes.
func (w *Writer) Append(name string, r io.Reader) (Entry, error) {
	if len(name) > nameSize {
		return Entry{}, fmt.Errorf("archive: name %q exceeds %d bytes", name, nameSize)
	}

	pos, err := w.f.Seek(0, io.SeekEnd)
	if err != nil {
		return Entry{}, fmt.Errorf("archive: seeking to EOF: %w", err)
	}
	n, err := io.Copy(w.f, r)
	if err != nil {
		return Entry{}, fmt.Errorf("archive: writing %q: %w", name, err)
	}

	e := Entry{Name: name, Position: uint64(pos), Length: uint64(n)}
	w.entries = append(w.entries, e)
	return e, nil
}

// AppendBytes is a convenience wrapper around Append for an in-memory
// payload (used for the JSON sidecars).
func (w *Writer) AppendBytes(name string, data []byte) (Entry, error) {
	return w.Append(name, bytes.NewReader(data))
}

// Close writes one index block holding every entry appended since Create,
// placed after the current EOF, patches the previous index's
// next_index_position to point at it, and closes the file. Earlier indices
// are left untouched. If nothing was appended, no index is written.
func (w *Writer) Close() error {
	defer w.f.Close()
	if len(w.entries) == 0 {
		return nil
	}

	newIndexPos, err := w.f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("archive: seeking to EOF: %w", err)
	}

	var buf bytes.Buffer
	var count [2]byte
	binary.LittleEndian.PutUint16(count[:], uint16(len(w.entries)))
	buf.Write(count[:])
	for _, e := range w.entries {
		var rec [entrySize]byte
		binary.LittleEndian.PutUint64(rec[0:8], e.Position)
		binary.LittleEndian.PutUint64(rec[8:16], e.Length)
		copy(rec[16:16+nameSize], []byte(e.Name))
		buf.Write(rec[:])
	}
	var terminator [8]byte
	buf.Write(terminator[:])

	if _, err := w.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("archive: writing new index: %w", err)
	}

	if _, err := w.f.WriteAt(leUint64(uint64(newIndexPos)), w.indexPos); err != nil {
		return fmt.Errorf("archive: patching previous index chain pointer: %w", err)
	}
	w.indexPos = newIndexPos + 2 + int64(len(w.entries))*entrySize
	w.entries = nil
	return nil
}

func leUint64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

// Reader opens an existing pack archive read-only and resolves entry
// lookups across every chained index.
type Reader struct {
	f       *os.File
	entries map[string]Entry
	order   []Entry
}

// Open opens path, validates the signature, and walks every linked index.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: opening %s: %w", path, err)
	}

	var sig [signatureSize]byte
	if _, err := io.ReadFull(f, sig[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: reading signature: %w", err)
	}
	s := string(sig[:])
	if s != SignatureCurrent && s != SignatureLegacy {
		f.Close()
		return nil, fmt.Errorf("archive: unrecognised signature %q", s)
	}

	r := &Reader{f: f, entries: make(map[string]Entry)}
	if err := r.walkIndices(int64(signatureSize)); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) walkIndices(pos int64) error {
	for pos != 0 {
		if _, err := r.f.Seek(pos, io.SeekStart); err != nil {
			return fmt.Errorf("archive: seeking to index at %d: %w", pos, err)
		}
		var countBuf [2]byte
		if _, err := io.ReadFull(r.f, countBuf[:]); err != nil {
			return fmt.Errorf("archive: reading index count: %w", err)
		}
		count := binary.LittleEndian.Uint16(countBuf[:])

		for i := uint16(0); i < count; i++ {
			var rec [entrySize]byte
			if _, err := io.ReadFull(r.f, rec[:]); err != nil {
				return fmt.Errorf("archive: reading index entry %d: %w", i, err)
			}
			e := Entry{
				Position: binary.LittleEndian.Uint64(rec[0:8]),
				Length:   binary.LittleEndian.Uint64(rec[8:16]),
				Name:     trimNul(rec[16 : 16+nameSize]),
			}
			r.entries[e.Name] = e
			r.order = append(r.order, e)
		}

		var nextBuf [8]byte
		if _, err := io.ReadFull(r.f, nextBuf[:]); err != nil {
			return fmt.Errorf("archive: reading index chain pointer: %w", err)
		}
		pos = int64(binary.LittleEndian.Uint64(nextBuf[:]))
	}
	return nil
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Lookup returns the entry for name, across every linked index.
func (r *Reader) Lookup(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Entries returns every entry across every linked index, in the order they
// were written.
func (r *Reader) Entries() []Entry {
	out := make([]Entry, len(r.order))
	copy(out, r.order)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// OpenInside returns an io.SectionReader positioned at name's bytes within
// the archive, along with its absolute offset and length.
func (r *Reader) OpenInside(name string) (*io.SectionReader, uint64, uint64, error) {
	e, ok := r.Lookup(name)
	if !ok {
		return nil, 0, 0, fmt.Errorf("archive: no such entry %q", name)
	}
	return io.NewSectionReader(r.f, int64(e.Position), int64(e.Length)), e.Position, e.Length, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.f.Close() }
