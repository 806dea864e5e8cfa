package addrremap

import (
	"encoding/binary"
	"testing"
)

func TestCandidateScannerTracksAndExpires(t *testing.T) {
	m := New()
	m.Add(0x1000, 0x1000, 0, "buf")

	s := NewCandidateScanner(m)
	data := make([]byte, 16)
	binary.LittleEndian.PutUint64(data[0:8], 0x1500)  // valid candidate
	binary.LittleEndian.PutUint64(data[8:16], 0x9999) // not a candidate

	s.Scan(0, data, 42)
	cands := s.Candidates()
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cands))
	}
	if cands[0].Offset != 0 {
		t.Errorf("expected offset 0, got %d", cands[0].Offset)
	}
	if cands[0].Address != 0x1500 {
		t.Errorf("expected address 0x1500, got %#x", cands[0].Address)
	}

	// Overwrite with a value that no longer resolves: candidate must be removed.
	binary.LittleEndian.PutUint64(data[0:8], 0xDEADBEEF)
	s.Scan(0, data, 43)
	if len(s.Candidates()) != 0 {
		t.Errorf("expected no candidates after overwrite, got %d", len(s.Candidates()))
	}
}

func TestCandidateScannerUpdatesExisting(t *testing.T) {
	m := New()
	m.Add(0x2000, 0x100, 0, "buf")

	s := NewCandidateScanner(m)
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, 0x2010)
	s.Scan(0, data, 1)

	binary.LittleEndian.PutUint64(data, 0x2020)
	s.Scan(0, data, 2)

	cands := s.Candidates()
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cands))
	}
	if cands[0].Address != 0x2020 {
		t.Errorf("expected address 0x2020, got %#x", cands[0].Address)
	}
	if cands[0].OriginSource != 2 {
		t.Errorf("expected origin source 2, got %d", cands[0].OriginSource)
	}
}
