package patch

import (
	"bytes"
	"reflect"
	"testing"
)

func TestDiffSparsePatch(t *testing.T) {
	orig := []byte{1, 2, 3, 4, 5}
	chng := []byte{1, 0, 3, 4, 5}

	out, changed := Diff(orig, chng)
	if len(out) == 0 {
		t.Fatal("expected non-empty patch output")
	}
	if changed < 1 || changed > 5 {
		t.Errorf("expected changed in [1,5], got %d", changed)
	}

	target := []byte{1, 2, 3, 4, 5}
	written, err := Apply(bytes.NewReader(out), target, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !bytes.Equal(target, chng) {
		t.Errorf("expected target %v, got %v", chng, target)
	}
	if written != changed {
		t.Errorf("expected written %d to equal changed %d", written, changed)
	}
}

func TestDiffIdempotence(t *testing.T) {
	orig := []byte{1, 2, 3, 4, 5}
	chng := []byte{1, 0, 3, 4, 5}

	_, _ = Diff(orig, chng)
	// orig now equals chng; re-diffing the unchanged pair must produce only
	// the zero-change terminator.
	out2, changed2 := Diff(orig, chng)
	if changed2 != 0 {
		t.Errorf("expected no changes, got %d", changed2)
	}
	if !bytes.Equal(out2, []byte{0, 0, 0, 0, 0, 0, 0, 0}) {
		t.Errorf("expected zero terminator, got %v", out2)
	}
}

func TestDiffNoChanges(t *testing.T) {
	a := bytes.Repeat([]byte{0xAB}, 64)
	b := bytes.Repeat([]byte{0xAB}, 64)
	out, changed := Diff(a, b)
	if changed != 0 {
		t.Errorf("expected no changes, got %d", changed)
	}
	if !bytes.Equal(out, []byte{0, 0, 0, 0, 0, 0, 0, 0}) {
		t.Errorf("expected zero terminator, got %v", out)
	}
}

func TestDiffLargeRegionRoundTrip(t *testing.T) {
	orig := make([]byte, 4096)
	chng := make([]byte, 4096)
	copy(chng, orig)
	for _, off := range []int{5, 100, 101, 102, 4000, 4095} {
		chng[off] ^= 0xFF
	}

	out, changed := Diff(orig, chng)
	if changed == 0 {
		t.Fatal("expected some bytes to have changed")
	}

	target := make([]byte, 4096)
	var segments int
	_, err := Apply(bytes.NewReader(out), target, func(offset uint64, data []byte) {
		segments++
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !bytes.Equal(target, chng) {
		t.Error("target does not match expected changed buffer")
	}
	if segments == 0 {
		t.Error("expected at least one segment callback")
	}
}

func TestDecodeSegments(t *testing.T) {
	orig := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	chng := []byte{0, 0, 0, 0, 0, 0, 0, 0, 1, 1}
	out, _ := Diff(orig, chng)
	segs, err := DecodeSegments(out)
	if err != nil {
		t.Fatalf("decode segments: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if !reflect.DeepEqual(segs[0].Data, []byte{1, 1}) {
		t.Errorf("expected segment data [1,1], got %v", segs[0].Data)
	}
}
