package feature

import "testing"

func TestAdjustKeepsOnlyRequestedAndObserved(t *testing.T) {
	s := NewSet()
	s.Request(DualSrcBlend)
	s.Request(ShaderInt64) // requested but never exercised

	s.ObserveDualSrcBlend(true, false, false, false)

	adjusted := s.Adjust()
	if !adjusted[DualSrcBlend] {
		t.Error("expected DualSrcBlend to survive adjust")
	}
	if _, stillThere := adjusted[ShaderInt64]; stillThere {
		t.Error("unused requested feature must be dropped")
	}
}

func TestObserveWithoutRequestNeverSurfaces(t *testing.T) {
	s := NewSet()
	s.ObserveDualSrcBlend(true, true, true, true)
	adjusted := s.Adjust()
	if adjusted[DualSrcBlend] {
		t.Error("observed-but-not-requested must not appear")
	}
}

func TestAdjustNamedRendersStrings(t *testing.T) {
	s := NewSet()
	s.Request(BufferDeviceAddress)
	s.ObserveBufferDeviceAddress()
	named := s.AdjustNamed()
	if !named["buffer_device_address"] {
		t.Error("expected buffer_device_address to be true")
	}
}
