// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpgpu

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Backend is one native execution provider: a device plus its queue.
//
// Implementations advertise their optional features through Capabilities
// and fail deterministically with an UnsupportedCapabilityError when an
// operation needs a capability they lack. They never emulate a missing
// capability.
//
// A Backend is owned by exactly one Context, which serializes calls that
// mutate shared state. Kind, Name, Capabilities, Limits and LayoutRules
// must be safe to call concurrently without locking.
type Backend interface {
	// Kind returns the backend variant.
	Kind() Kind

	// Name returns a human-readable name, e.g. "vulkan (NVIDIA RTX 4070)".
	Name() string

	// Capabilities returns the advertised capability set.
	Capabilities() Capabilities

	// Limits returns dispatch and allocation limits.
	Limits() Limits

	// LayoutRules returns the packing rules for buffers in space.
	LayoutRules(space AddressSpace) LayoutRules

	// Compile compiles source and reflects the named entry points.
	// An empty entryPoints list selects every compute entry point.
	Compile(src Source, entryPoints []string) (*ShaderModule, error)

	// CreateComputePipeline builds a pipeline for one entry point.
	CreateComputePipeline(m *ShaderModule, desc PipelineDescriptor) (PipelineHandle, error)

	// CreateRenderPipeline builds a render pipeline. Backends without
	// CapRenderPipelines return an UnsupportedCapabilityError.
	CreateRenderPipeline(m *ShaderModule, desc RenderPipelineDescriptor) (PipelineHandle, error)

	// DestroyPipeline releases a pipeline. Unknown handles are ignored.
	DestroyPipeline(p PipelineHandle)

	// AllocateBuffer creates a device buffer.
	AllocateBuffer(desc BufferDescriptor) (ResourceHandle, error)

	// AllocateTexture creates a device texture.
	AllocateTexture(desc TextureDescriptor) (ResourceHandle, error)

	// Free releases a resource. Later use of h fails with StaleHandle.
	Free(h ResourceHandle) error

	// WriteBuffer copies data into the buffer at offset.
	WriteBuffer(h ResourceHandle, offset uint64, data []byte) error

	// ReadBuffer copies length bytes at offset out of the buffer. It waits
	// for queued work touching the buffer, bounded by ctx.
	ReadBuffer(ctx context.Context, h ResourceHandle, offset, length uint64) ([]byte, error)

	// CopyBuffer enqueues a copy of size bytes from src at srcOffset into
	// dst at dstOffset. The copy is ordered after work submitted before it.
	CopyBuffer(src ResourceHandle, srcOffset uint64, dst ResourceHandle, dstOffset, size uint64) (*Fence, error)

	// WriteTexture replaces the texture contents with tightly packed texels.
	WriteTexture(h ResourceHandle, data []byte) error

	// Bind checks that h may be bound at slot of pipeline p: the handle
	// must be owned by this backend and of the right kind.
	Bind(p PipelineHandle, slot Slot, h ResourceHandle) error

	// Dispatch enqueues work and returns without waiting for it.
	Dispatch(p PipelineHandle, d DispatchDescriptor) (*Fence, error)

	// Timestamps returns the timestamps recorded for a dispatch that
	// requested them. Backends without CapTimestamps return an
	// UnsupportedCapabilityError.
	Timestamps(f *Fence) (TimestampPair, error)

	// Close releases the device-side state owned by the backend.
	Close(ctx context.Context) error
}

// Source is shader source text together with a name used in diagnostics.
type Source struct {
	Name string
	Code string
}

// BufferUsage describes how a buffer is used.
type BufferUsage uint32

// Buffer usage flags.
const (
	BufferUsageStorage BufferUsage = 1 << iota
	BufferUsageUniform
	BufferUsageCopySrc
	BufferUsageCopyDst
	BufferUsageIndirect
	BufferUsageMapRead
)

// Has reports whether all flags in f are set.
func (u BufferUsage) Has(f BufferUsage) bool { return u&f == f }

// BufferDescriptor describes a buffer allocation.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage BufferUsage

	// Elem optionally declares the type stored in the buffer. It is used to
	// validate indirect argument buffers.
	Elem TypeDescriptor
}

// TextureUsage describes how a texture is used.
type TextureUsage uint32

// Texture usage flags.
const (
	TextureUsageSampled TextureUsage = 1 << iota
	TextureUsageStorage
	TextureUsageCopyDst
	TextureUsageCopySrc
)

// TextureDescriptor describes a texture allocation.
type TextureDescriptor struct {
	Label  string
	Width  uint32
	Height uint32
	Depth  uint32
	Dims   TextureDims
	Format TextureFormat
	Usage  TextureUsage
}

// ByteSize returns the size of tightly packed texel data.
func (d TextureDescriptor) ByteSize() uint64 {
	depth := max(d.Depth, 1)
	height := max(d.Height, 1)
	return uint64(d.Width) * uint64(height) * uint64(depth) * uint64(d.Format.BytesPerTexel())
}

// HandleKind distinguishes buffers from textures.
type HandleKind uint8

// Handle kinds.
const (
	HandleInvalid HandleKind = iota
	HandleBuffer
	HandleTexture
)

func (k HandleKind) String() string {
	switch k {
	case HandleBuffer:
		return "buffer"
	case HandleTexture:
		return "texture"
	}
	return "invalid"
}

// ResourceHandle is an opaque reference to a device buffer or texture.
// It is owned by the backend that created it; binders and encoders only
// borrow it.
type ResourceHandle struct {
	id    uint64
	owner uint64
	kind  HandleKind
	size  uint64
}

// ID returns the handle's identifier within its owner.
func (h ResourceHandle) ID() uint64 { return h.id }

// Kind returns whether h is a buffer or a texture.
func (h ResourceHandle) Kind() HandleKind { return h.kind }

// Size returns the allocation size in bytes.
func (h ResourceHandle) Size() uint64 { return h.size }

// Valid reports whether h was produced by a backend.
func (h ResourceHandle) Valid() bool { return h.kind != HandleInvalid && h.id != 0 }

func (h ResourceHandle) String() string {
	return fmt.Sprintf("%s#%d/%d", h.kind, h.owner, h.id)
}

// PipelineHandle is an opaque reference to a backend pipeline.
type PipelineHandle struct {
	id    uint64
	owner uint64
}

// ID returns the pipeline identifier within its owner.
func (p PipelineHandle) ID() uint64 { return p.id }

// Valid reports whether p was produced by a backend.
func (p PipelineHandle) Valid() bool { return p.id != 0 }

func (p PipelineHandle) String() string { return fmt.Sprintf("pipeline#%d/%d", p.owner, p.id) }

var ownerCounter atomic.Uint64

// HandleSpace mints handles for one backend instance. Handles minted by a
// different space are foreign and fail ownership checks.
type HandleSpace struct {
	owner uint64
	next  atomic.Uint64
}

// NewHandleSpace returns a space with a process-unique owner token.
func NewHandleSpace() *HandleSpace {
	return &HandleSpace{owner: ownerCounter.Add(1)}
}

// Buffer mints a buffer handle of size bytes.
func (s *HandleSpace) Buffer(size uint64) ResourceHandle {
	return ResourceHandle{id: s.next.Add(1), owner: s.owner, kind: HandleBuffer, size: size}
}

// Texture mints a texture handle of size bytes.
func (s *HandleSpace) Texture(size uint64) ResourceHandle {
	return ResourceHandle{id: s.next.Add(1), owner: s.owner, kind: HandleTexture, size: size}
}

// Pipeline mints a pipeline handle.
func (s *HandleSpace) Pipeline() PipelineHandle {
	return PipelineHandle{id: s.next.Add(1), owner: s.owner}
}

// Owns reports whether h was minted by s.
func (s *HandleSpace) Owns(h ResourceHandle) bool { return h.owner == s.owner && h.Valid() }

// OwnsPipeline reports whether p was minted by s.
func (s *HandleSpace) OwnsPipeline(p PipelineHandle) bool { return p.owner == s.owner && p.Valid() }

// RenderPipelineDescriptor describes a render pipeline. No backend
// implements render pipelines yet; the type exists so that the capability
// check has an operation to guard.
type RenderPipelineDescriptor struct {
	Label          string
	VertexEntry    string
	FragmentEntry  string
	ColorFormat    TextureFormat
	SampleCount    uint32
	Specialization map[string]float64
}

// IndirectArgs points at a device-side dispatch size.
type IndirectArgs struct {
	Buffer ResourceHandle
	Offset uint64
}

// Binding is one entry of a BindingTable snapshot. Offset and Size select
// the bound bytes of a buffer; a zero Size means the rest of the buffer.
type Binding struct {
	Slot   Slot
	Handle ResourceHandle
	Offset uint64
	Size   uint64
}

// DispatchDescriptor is one unit of work handed to a backend.
// Exactly one of Grid and Indirect is used; Indirect wins when non-nil.
type DispatchDescriptor struct {
	Grid     [3]uint32
	Indirect *IndirectArgs

	// Bindings is the BindingTable snapshot for this dispatch, in slot order.
	Bindings []Binding

	// Timestamps requests begin/end timestamps. It is ignored by backends
	// without CapTimestamps.
	Timestamps bool

	// Label names the dispatch in logs and native debug markers.
	Label string
}

// IsIndirect reports whether the dispatch reads its grid from a buffer.
func (d DispatchDescriptor) IsIndirect() bool { return d.Indirect != nil }

// TimestampPair holds the device timestamps bracketing a dispatch, in
// nanoseconds on the backend's clock.
type TimestampPair struct {
	Begin uint64
	End   uint64
}

// Duration returns End-Begin in nanoseconds.
func (p TimestampPair) Duration() uint64 {
	if p.End < p.Begin {
		return 0
	}
	return p.End - p.Begin
}
