// Package sidecar defines the JSON structures stored alongside the packed
// trace archive for human and tooling consumption: dictionary, metadata,
// limits, tracking, and frame index.
package sidecar

// Dictionary maps a function name to the uint16 id used on the wire.
type Dictionary map[string]uint16

// Metadata records capture counters, app identity, header versions, and a
// snapshot of device capabilities observed during capture.
type Metadata struct {
	AppName           string            `json:"app_name"`
	AppVersion        uint32            `json:"app_version"`
	EngineName        string            `json:"engine_name"`
	FormatVersion     uint32            `json:"format_version"`
	FrameCount        uint32            `json:"frame_count"`
	CallCount         uint64            `json:"call_count"`
	ThreadCount       int               `json:"thread_count"`
	DeviceName        string            `json:"device_name"`
	DriverVersion     string            `json:"driver_version"`
	CapturedAtUnix    int64             `json:"captured_at_unix"`
	RequestedFeatures map[string]bool   `json:"requested_features"`
	ObservedFeatures  map[string]bool   `json:"observed_features"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// Limits records, for each trackable type, one past the highest index ever
// assigned to it (the table size needed to hold every index), so the replay
// coordinator can pre-size its registries.
type Limits struct {
	MaxBufferIndex               uint32 `json:"max_buffer_index"`
	MaxImageIndex                uint32 `json:"max_image_index"`
	MaxTensorIndex                uint32 `json:"max_tensor_index"`
	MaxAccelerationStructureIndex uint32 `json:"max_acceleration_structure_index"`
	MaxMemoryIndex                uint32 `json:"max_memory_index"`
	MaxPipelineIndex               uint32 `json:"max_pipeline_index"`
	MaxCommandBufferIndex          uint32 `json:"max_command_buffer_index"`
}

// TrackingEntry is one record descriptor in tracking.json: enough data to
// reconstruct the object's lifetime and (for the type-specific attributes)
// its replay-time creation arguments.
type TrackingEntry struct {
	Index          uint32            `json:"index"`
	Handle         uint64            `json:"handle"`
	FrameCreated   uint32            `json:"frame_created"`
	FrameDestroyed uint32            `json:"frame_destroyed,omitempty"`
	DisplayName    string            `json:"display_name,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Tracking is the per-type array of record descriptors, keyed by type name
// ("buffer", "image", "tensor", "acceleration_structure", ...).
type Tracking map[string][]TrackingEntry

// FrameMarkEntry records where in the uncompressed per-thread stream a
// frame boundary landed, for seek-to-frame tooling.
type FrameMarkEntry struct {
	Thread       int    `json:"thread"`
	StreamOffset int64  `json:"stream_offset"`
	LocalFrame   uint32 `json:"local_frame"`
	GlobalFrame  uint32 `json:"global_frame"`
}

// Frames is the full frame index, in capture order.
type Frames []FrameMarkEntry
