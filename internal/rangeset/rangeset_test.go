package rangeset

import (
	"reflect"
	"testing"
)

func TestAddMergesTouchingAndOverlapping(t *testing.T) {
	s := New()
	s.Add(0, 10)
	s.Add(11, 15) // touching: 10+1 >= 11, must merge per invariant 2
	if s.Size() != 1 {
		t.Fatalf("expected size 1, got %d", s.Size())
	}
	if s.Span() != (Range{First: 0, Last: 15}) {
		t.Errorf("expected span {0,15}, got %+v", s.Span())
	}
	s.SelfTest()
}

func TestAddMergesOverlapping(t *testing.T) {
	s := New()
	s.Add(0, 5)
	s.Add(3, 9)
	want := []Range{{First: 0, Last: 9}}
	if !reflect.DeepEqual(s.Ranges(), want) {
		t.Errorf("expected %v, got %v", want, s.Ranges())
	}
}

func TestAddDisjoint(t *testing.T) {
	s := New()
	s.Add(0, 5)
	s.Add(20, 25)
	if s.Size() != 2 {
		t.Fatalf("expected size 2, got %d", s.Size())
	}
	s.SelfTest()
}

func TestFetchSplitsEnclosedQuery(t *testing.T) {
	s := New()
	s.Add(0, 10)
	s.Add(11, 15)

	r := s.Fetch(5, 6, false)
	if r != (Range{First: 5, Last: 6}) {
		t.Errorf("expected {5,6}, got %+v", r)
	}
	want := []Range{{First: 0, Last: 4}, {First: 7, Last: 15}}
	if !reflect.DeepEqual(s.Ranges(), want) {
		t.Errorf("expected %v, got %v", want, s.Ranges())
	}
}

func TestFetchKeepDoesNotMutate(t *testing.T) {
	s := New()
	s.Add(0, 10)
	s.Add(11, 15)

	r := s.Fetch(0, 15, true)
	if r != (Range{First: 0, Last: 15}) {
		t.Errorf("expected {0,15}, got %+v", r)
	}
	if s.Size() != 1 {
		t.Errorf("expected size unchanged at 1, got %d", s.Size())
	}
}

func TestFetchNoIntersectionReturnsZero(t *testing.T) {
	s := New()
	s.Add(100, 110)
	r := s.Fetch(0, 10, false)
	if !r.Empty() {
		t.Errorf("expected empty range, got %+v", r)
	}
	if s.Size() != 1 {
		t.Errorf("expected size unchanged at 1, got %d", s.Size())
	}
}

func TestOverlapFastPath(t *testing.T) {
	a := New()
	a.Add(0, 10)
	b := New()
	b.Add(5, 20)
	if !a.Overlap(b, 0) {
		t.Error("expected overlap")
	}

	c := New()
	c.Add(1000, 2000)
	if a.Overlap(c, 0) {
		t.Error("expected no overlap")
	}
}

func TestBytesAndClear(t *testing.T) {
	s := New()
	s.Add(0, 9)
	s.Add(20, 29)
	if s.Bytes() != 20 {
		t.Fatalf("expected 20 bytes, got %d", s.Bytes())
	}
	s.Clear()
	if s.Size() != 0 {
		t.Errorf("expected size 0 after clear, got %d", s.Size())
	}
}
