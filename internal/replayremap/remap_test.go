package replayremap

import "testing"

func TestNullValueSentinels(t *testing.T) {
	r := New()
	if got := r.At(NullValue); got != 0 {
		t.Errorf("expected At(NullValue)==0, got %d", got)
	}
	if got := r.Index(0); got != 0 {
		t.Errorf("expected Index(0)==0, got %d", got)
	}
}

func TestSetRequiresZeroSlot(t *testing.T) {
	r := New()
	r.Set(3, 0xCAFE)
	if got := r.At(3); got != 0xCAFE {
		t.Errorf("expected At(3)==0xCAFE, got %#x", got)
	}
	if got := r.Index(0xCAFE); got != 3 {
		t.Errorf("expected Index(0xCAFE)==3, got %d", got)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic re-setting an occupied slot")
			}
		}()
		r.Set(3, 0xBEEF)
	}()
}

func TestReplaceOverwritesAndUpdatesReverse(t *testing.T) {
	r := New()
	r.Set(1, 0x100)
	r.Replace(1, 0x200)
	if got := r.At(1); got != 0x200 {
		t.Errorf("expected At(1)==0x200, got %#x", got)
	}
	if got := r.Index(0x100); got != Invalid {
		t.Errorf("expected old value to be unmapped, got index %d", got)
	}
	if got := r.Index(0x200); got != 1 {
		t.Errorf("expected Index(0x200)==1, got %d", got)
	}
}

func TestUnmappedIndexIsInvalid(t *testing.T) {
	r := New()
	if got := r.Index(0xDEAD); got != Invalid {
		t.Errorf("expected Invalid, got %d", got)
	}
	if got := r.At(7); got != 0 {
		t.Errorf("expected At(7)==0, got %d", got)
	}
}
