package addrremap

import (
	"sort"
	"testing"
)

func TestSmallestEnclosingRange(t *testing.T) {
	m := New()
	m.Add(100, 50, 100000, "A")
	m.Add(110, 20, 200000, "B")
	m.Add(190, 10, 300000, "C")

	if got := m.GetByAddress(120); got != "B" {
		t.Errorf("expected B, got %v", got)
	}
	if got := m.TranslateAddress(120); got != uint64(200000+(120-110)) {
		t.Errorf("expected translated 200010, got %d", got)
	}

	if got := m.GetByAddress(135); got != "A" {
		t.Errorf("expected A, got %v", got)
	}
	if got := m.TranslateAddress(135); got != uint64(100000+(135-100)) {
		t.Errorf("expected translated 100035, got %d", got)
	}

	if got := m.GetByAddress(195); got != "C" {
		t.Errorf("expected C, got %v", got)
	}
	if got := m.TranslateAddress(195); got != uint64(300000+(195-190)) {
		t.Errorf("expected translated 300005, got %d", got)
	}

	if got := m.GetByAddress(50); got != nil {
		t.Errorf("expected nil for unmapped address, got %v", got)
	}
	if got := m.TranslateAddress(50); got != 0 {
		t.Errorf("expected 0 for unmapped address, got %d", got)
	}
}

func TestIsCandidateFastReject(t *testing.T) {
	m := New()
	m.Add(1000, 16, 0, "X")
	if !m.IsCandidate(1005) {
		t.Error("expected 1005 to be a candidate")
	}
	if m.IsCandidate(999) {
		t.Error("expected 999 to not be a candidate")
	}
	if m.IsCandidate(1016) {
		t.Error("expected 1016 (one past end) to not be a candidate")
	}
}

func TestGetByRangeReturnsAllOverlapping(t *testing.T) {
	m := New()
	m.Add(0, 10, 0, "a")
	m.Add(5, 10, 0, "b")
	m.Add(100, 10, 0, "c")

	got := m.GetByRange(4, 3)
	names := make([]string, 0, len(got))
	for _, v := range got {
		names = append(names, v.(string))
	}
	sort.Strings(names)

	want := []string{"a", "b"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("expected %v, got %v", want, names)
			break
		}
	}
}
