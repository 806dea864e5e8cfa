// Package model holds the plain data types captured and replayed by the
// trace core: change sources, trackable objects, memory objects, bound
// resources, and the command/shader/pipeline records recorded inline in a
// command buffer.
package model

import "github.com/lavatrace/lavatrace/internal/rangeset"

// ChangeSource timestamps a single mutation: which thread produced it, the
// per-thread call number, the frame it fell in, and a monotonic call id.
type ChangeSource struct {
	Thread uint32
	Call   uint32
	Frame  uint32
	CallID uint64
}

// State is the lifecycle of every captured object.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateCreated
	StateDestroyed
	StateBound
)

// ObjectKind enumerates the bindable resource kinds the core tracks.
// Tensor and AccelerationStructure extend the buffer/image pair so
// TENSOR_UPDATE packets and per-type registries have a concrete Go type to
// dispatch on.
type ObjectKind int

const (
	KindBuffer ObjectKind = iota
	KindImage
	KindTensor
	KindAccelerationStructure
)

// InvalidIndex marks an object reference that is absent.
const InvalidIndex uint32 = ^uint32(0)

// Trackable is the base of every captured object: a stable, monotonically
// assigned index, a monotone state, and the change sources for creation,
// last modification, and destruction.
type Trackable struct {
	Index         uint32
	State         State
	Creation      ChangeSource
	LastModified  ChangeSource
	Destroyed     ChangeSource
	DisplayName   string
}

// Transition moves the trackable to a new state, enforcing monotonicity:
// a destroyed record can never transition again.
func (t *Trackable) Transition(next State, cs ChangeSource) {
	if t.State == StateDestroyed {
		panic("model: attempted to transition a destroyed trackable")
	}
	if next < t.State {
		panic("model: trackable state transitions must be monotone")
	}
	t.State = next
	t.LastModified = cs
	if next == StateDestroyed {
		t.Destroyed = cs
	}
}

// AliasRef identifies another bound object sharing the same (memory, offset).
type AliasRef struct {
	Kind  ObjectKind
	Index uint32
}

// NoAlias is the zero value meaning "does not alias any other object".
var NoAlias = AliasRef{Index: InvalidIndex}

// MemoryObject is the owning handle for a region of GPU-visible memory.
//
// Invariant: Shadow is non-nil iff the memory has been mapped at least once.
// Invariant: MappedOffset+MappedSize <= AllocationSize.
// Invariant: Exposed is entirely within [0, AllocationSize).
type MemoryObject struct {
	Trackable

	OwningHandle    uint64
	AllocationSize  uint64
	MappedOffset    uint64
	MappedSize      uint64
	MappedPointer   []byte // host view of the mapped region, nil when unmapped
	Shadow          []byte // byte-for-byte clone used for diffing, nil until first map
	Exposed         *rangeset.Set
	BoundChildren   map[uint64][]AliasRef // offset -> bound objects anchored there
}

// NewMemoryObject allocates a tracked memory object of the given total size.
func NewMemoryObject(handle uint64, size uint64) *MemoryObject {
	return &MemoryObject{
		OwningHandle:   handle,
		AllocationSize: size,
		Exposed:        rangeset.New(),
		BoundChildren:  make(map[uint64][]AliasRef),
	}
}

// EnsureShadow lazily allocates the shadow copy the first time the memory is
// mapped, matching the invariant that Shadow is present iff ever mapped.
func (m *MemoryObject) EnsureShadow() {
	if m.Shadow == nil {
		m.Shadow = make([]byte, m.AllocationSize)
	}
}

// BoundObject is a buffer, image, tensor, or acceleration structure bound to
// backing memory at a given offset.
//
// Invariant: State is StateBound only if Backing != 0.
// Invariant: Alias != NoAlias iff another bound object maps the same
// (memory, offset) pair.
type BoundObject struct {
	Trackable

	Kind             ObjectKind
	Backing          uint64
	Offset           uint64
	Size             uint64
	RequiredSize     uint64
	RequiredAlign    uint64
	MemoryTypeBits   uint32
	UsageFlags       uint32
	Alias            AliasRef
	WriteCount       uint64
}

// CommandKind tags the variant payload carried by a recorded Command.
type CommandKind int

const (
	CmdCopyBuffer CommandKind = iota
	CmdUpdateBuffer
	CmdPushConstants
	CmdBindPipeline
	CmdPushDescriptorSet
	CmdBindDescriptorSet
	CmdDrawMarker
	CmdDispatchMarker
	CmdTraceRaysMarker
	CmdBindShaders
)

// CopyRegion is one entry of a copy-buffer region array.
type CopyRegion struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// Command is one recorded entry in a CommandBufferRecord. Variable-length
// payloads (push-constant bytes, update-buffer data, region arrays) are
// heap-owned slices on a tagged struct rather than a C-style union.
type Command struct {
	Kind CommandKind

	SrcBuffer uint64
	DstBuffer uint64
	Regions   []CopyRegion

	Offset  uint64
	Payload []byte // push-constant / update-buffer inline bytes

	PipelineHandle uint64
	BindPoint      uint32

	DescriptorSet uint64
	SetIndex      uint32
}

// CommandBufferRecord is the recorded content of one command buffer:
// its ordered commands plus the set of memory ranges those commands
// reference, accumulated as each command binds to mapped memory.
type CommandBufferRecord struct {
	Trackable

	Commands []Command
	Touched  map[uint64]*rangeset.Set // memory handle -> exposed ranges
}

// NewCommandBufferRecord returns an empty command buffer record.
func NewCommandBufferRecord() *CommandBufferRecord {
	return &CommandBufferRecord{Touched: make(map[uint64]*rangeset.Set)}
}

// Touch records that a command referenced [offset,offset+size) of the
// memory bound at handle.
func (c *CommandBufferRecord) Touch(handle uint64, offset, size uint64) {
	set, ok := c.Touched[handle]
	if !ok {
		set = rangeset.New()
		c.Touched[handle] = set
	}
	if size == 0 {
		return
	}
	set.Add(offset, offset+size-1)
}

// SpecializationEntry is one entry of a shader's specialization constant
// table: a constant id and a byte offset/size into the specialization data
// blob carried alongside it.
type SpecializationEntry struct {
	ConstantID uint32
	Offset     uint32
	Size       uint32
}

// ShaderStageRecord is one shader stage of a pipeline: its SPIR-V words, the
// entry point it exposes, and any specialization constants applied to it.
type ShaderStageRecord struct {
	StageFlag        uint32
	SPIRV            []uint32
	EntryPoint       string
	Specializations  []SpecializationEntry
	SpecializationData []byte
}

// RayTracingGroup describes one shader group of a ray tracing pipeline.
type RayTracingGroup struct {
	GeneralShader      uint32
	ClosestHitShader   uint32
	AnyHitShader       uint32
	IntersectionShader uint32
}

// PipelineRecord is a recorded graphics/compute/ray-tracing pipeline.
type PipelineRecord struct {
	Trackable

	BindPoint uint32
	Flags     uint32
	Stages    []ShaderStageRecord
	RTGroups  []RayTracingGroup
}

// FrameMark is one entry of a per-thread frame list: the byte offset in the
// uncompressed stream where the frame started, and its local and global
// frame numbers.
type FrameMark struct {
	PositionInStream uint64
	LocalFrame       uint32
	GlobalFrame      uint32
}
