package addrremap

import "encoding/binary"

// Candidate is one offset within a buffer whose 64-bit word looked like a
// live GPU address at the time it was last scanned.
type Candidate struct {
	Offset       uint64
	Address      uint64
	OriginSource uint64 // opaque change-source token supplied by the caller
}

// CandidateScanner tracks, per buffer, which 4-byte-aligned offsets hold a
// word that resolves against a Remapper. It is re-run over any segment
// freshly written by the memory-patch codec (internal/patch).
type CandidateScanner struct {
	remapper   *Remapper
	candidates map[uint64]*Candidate // offset -> candidate
}

// NewCandidateScanner returns a scanner backed by remapper.
func NewCandidateScanner(remapper *Remapper) *CandidateScanner {
	return &CandidateScanner{remapper: remapper, candidates: make(map[uint64]*Candidate)}
}

// Scan walks data (the bytes just written at bufferOffset within some
// buffer) at 4-byte-aligned positions, reading each 64-bit word and testing
// it against the remapper. New candidates are recorded; candidates whose
// address changed to another valid candidate are updated; candidates that
// no longer resolve are removed.
func (s *CandidateScanner) Scan(bufferOffset uint64, data []byte, origin uint64) {
	const align = 4
	const wordSize = 8

	for i := 0; i+wordSize <= len(data); i += align {
		off := bufferOffset + uint64(i)
		addr := binary.LittleEndian.Uint64(data[i : i+wordSize])

		if !s.remapper.IsCandidate(addr) {
			delete(s.candidates, off)
			continue
		}

		if existing, ok := s.candidates[off]; ok {
			existing.Address = addr
			existing.OriginSource = origin
			continue
		}
		s.candidates[off] = &Candidate{Offset: off, Address: addr, OriginSource: origin}
	}
}

// Candidates returns a snapshot slice of all currently tracked candidates.
func (s *CandidateScanner) Candidates() []Candidate {
	out := make([]Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		out = append(out, *c)
	}
	return out
}

// Remove deletes the candidate at offset, if any (e.g. once the buffer
// region has been freed).
func (s *CandidateScanner) Remove(offset uint64) {
	delete(s.candidates, offset)
}
