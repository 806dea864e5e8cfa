// Package feature implements the feature-usage detector: a set of atomic
// booleans mirroring optional capabilities the captured application might
// enable, tightened at archive finalization to only what was actually
// observed in use.
package feature

import "sync/atomic"

// Name enumerates the tracked feature bits. Extend this list as new
// per-command or per-struct detectors are added.
type Name int

const (
	DualSrcBlend Name = iota
	SparseBinding
	MultiDrawIndirect
	ShaderInt64
	BufferDeviceAddress
	RayTracingPipeline
	TensorOperations
	nameCount
)

// Set tracks, per feature, whether the application requested it and
// whether capture ever actually observed it being used. Reads/writes of
// the observed bits use relaxed-equivalent atomics: the reducer that
// tightens requested∩observed runs single-threaded after capture, so no
// stronger ordering is required during the concurrent capture phase.
type Set struct {
	requested [nameCount]atomic.Bool
	observed  [nameCount]atomic.Bool
}

// NewSet returns an empty feature set.
func NewSet() *Set { return &Set{} }

// Request marks a feature as requested by the application (mirrors a field
// read from the app's create-info struct at device/instance creation).
func (s *Set) Request(n Name) { s.requested[n].Store(true) }

// Requested reports whether n was requested by the application.
func (s *Set) Requested(n Name) bool { return s.requested[n].Load() }

// Observe marks a feature as actually exercised during capture. Safe to
// call concurrently from any producing thread.
func (s *Set) Observe(n Name) { s.observed[n].Store(true) }

// Observed reports whether n was ever observed in use.
func (s *Set) Observed(n Name) bool { return s.observed[n].Load() }

// ObserveDualSrcBlend inspects a colour-blend attachment for a SRC1 blend
// factor, an example of an inspection-driven detector rather than one tied
// to a single API entry point.
func (s *Set) ObserveDualSrcBlend(srcColorUsesSrc1, dstColorUsesSrc1, srcAlphaUsesSrc1, dstAlphaUsesSrc1 bool) {
	if srcColorUsesSrc1 || dstColorUsesSrc1 || srcAlphaUsesSrc1 || dstAlphaUsesSrc1 {
		s.Observe(DualSrcBlend)
	}
}

// ObserveBufferDeviceAddress marks device-address usage, observed whenever
// an allocation is made with the device-address usage flag set.
func (s *Set) ObserveBufferDeviceAddress() { s.Observe(BufferDeviceAddress) }

// Adjust returns the tightened feature map suitable for the metadata
// sidecar: every feature that was requested AND observed in use. A feature
// the application requested but never exercised is dropped, shrinking the
// replay-side feature requirements to what the trace actually needs.
func (s *Set) Adjust() map[Name]bool {
	out := make(map[Name]bool, nameCount)
	for n := Name(0); n < nameCount; n++ {
		if s.requested[n].Load() && s.observed[n].Load() {
			out[n] = true
		}
	}
	return out
}

// String names are kept centrally so metadata.json serialization and the
// Adjust() map share one source of truth.
var names = map[Name]string{
	DualSrcBlend:        "dual_src_blend",
	SparseBinding:       "sparse_binding",
	MultiDrawIndirect:   "multi_draw_indirect",
	ShaderInt64:         "shader_int64",
	BufferDeviceAddress: "buffer_device_address",
	RayTracingPipeline:  "ray_tracing_pipeline",
	TensorOperations:    "tensor_operations",
}

// String returns the sidecar field name for n.
func (n Name) String() string {
	if s, ok := names[n]; ok {
		return s
	}
	return "unknown"
}

// AdjustNamed is Adjust with Name keys rendered as their sidecar strings,
// ready to drop into sidecar.Metadata.ObservedFeatures.
func (s *Set) AdjustNamed() map[string]bool {
	out := make(map[string]bool, nameCount)
	for n, used := range s.Adjust() {
		out[n.String()] = used
	}
	return out
}

// RequestedNamed returns every feature the application requested, rendered
// as sidecar field names, ready for sidecar.Metadata.RequestedFeatures.
func (s *Set) RequestedNamed() map[string]bool {
	out := make(map[string]bool, nameCount)
	for n := Name(0); n < nameCount; n++ {
		if s.requested[n].Load() {
			out[n.String()] = true
		}
	}
	return out
}
