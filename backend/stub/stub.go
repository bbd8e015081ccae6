// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package stub provides the CUDA, PyTorch, OptiX and OpenCL backends.
//
// None of these runtimes has a pure Go driver, so the backends stop at the
// host side: they advertise their capability set, compile and reflect
// shaders, and enforce capability checks. Every operation that needs the
// device fails with a gpgpu.BackendError wrapping
// gpgpu.ErrBackendNotAvailable.
//
// Register adds factories for the four kinds to a gpgpu.Registry. Those
// factories report ErrBackendNotAvailable, so Registry.Default skips them.
package stub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gogpu/gpgpu"
	"github.com/gogpu/gpgpu/compiler"
)

// Kinds lists the backend kinds served by this package.
var Kinds = []gpgpu.Kind{gpgpu.KindCUDA, gpgpu.KindPyTorch, gpgpu.KindOptiX, gpgpu.KindOpenCL}

// Backend is a host-only backend for a runtime without a Go driver.
type Backend struct {
	kind     gpgpu.Kind
	caps     gpgpu.Capabilities
	compiler *compiler.Compiler
}

// New returns the stub backend for kind.
func New(kind gpgpu.Kind) (*Backend, error) {
	if !served(kind) {
		return nil, fmt.Errorf("stub: %s is not a stub backend", kind)
	}
	b := &Backend{kind: kind, caps: gpgpu.DefaultCapabilities(kind)}
	b.compiler = compiler.New(compiler.TargetFor(kind), compiler.ForBackend(b))
	return b, nil
}

func served(kind gpgpu.Kind) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Register adds a factory for every stub kind to r.
func Register(r *gpgpu.Registry) {
	for _, k := range Kinds {
		r.Register(k, func() (gpgpu.Backend, error) {
			return nil, fmt.Errorf("stub: %s: %w", k, gpgpu.ErrBackendNotAvailable)
		})
	}
}

// SetLogger sets the logger of the backend's compiler.
func (b *Backend) SetLogger(l *slog.Logger) { b.compiler.SetLogger(l) }

func (b *Backend) Kind() gpgpu.Kind                 { return b.kind }
func (b *Backend) Name() string                     { return b.kind.String() }
func (b *Backend) Capabilities() gpgpu.Capabilities { return b.caps }
func (b *Backend) Limits() gpgpu.Limits             { return gpgpu.DefaultLimits() }

// LayoutRules returns the C-natural layout for CUDA and PyTorch tensors and
// the WGSL rules otherwise.
func (b *Backend) LayoutRules(space gpgpu.AddressSpace) gpgpu.LayoutRules {
	switch {
	case b.kind == gpgpu.KindCUDA || b.kind == gpgpu.KindPyTorch:
		return gpgpu.LayoutScalar
	case space == gpgpu.SpaceUniform:
		return gpgpu.LayoutStd140
	default:
		return gpgpu.LayoutStd430
	}
}

func (b *Backend) unavailable(op string) error {
	return &gpgpu.BackendError{Backend: b.Name(), Op: op, Err: gpgpu.ErrBackendNotAvailable}
}

// Compile compiles and reflects src on the host.
func (b *Backend) Compile(src gpgpu.Source, entryPoints []string) (*gpgpu.ShaderModule, error) {
	if err := gpgpu.Require(b, gpgpu.CapShaderCompilation, "compile "+src.Name); err != nil {
		return nil, err
	}
	return b.compiler.Compile(src, entryPoints)
}

func (b *Backend) CreateComputePipeline(_ *gpgpu.ShaderModule, desc gpgpu.PipelineDescriptor) (gpgpu.PipelineHandle, error) {
	if err := gpgpu.Require(b, gpgpu.CapComputePipelines, "create compute pipeline"); err != nil {
		return gpgpu.PipelineHandle{}, err
	}
	if len(desc.Constants) > 0 {
		if err := gpgpu.Require(b, gpgpu.CapLinkTimeSpecialization, "specialize pipeline"); err != nil {
			return gpgpu.PipelineHandle{}, err
		}
	}
	return gpgpu.PipelineHandle{}, b.unavailable("create compute pipeline")
}

func (b *Backend) CreateRenderPipeline(*gpgpu.ShaderModule, gpgpu.RenderPipelineDescriptor) (gpgpu.PipelineHandle, error) {
	if err := gpgpu.Require(b, gpgpu.CapRenderPipelines, "create render pipeline"); err != nil {
		return gpgpu.PipelineHandle{}, err
	}
	return gpgpu.PipelineHandle{}, b.unavailable("create render pipeline")
}

func (b *Backend) DestroyPipeline(gpgpu.PipelineHandle) {}

func (b *Backend) AllocateBuffer(gpgpu.BufferDescriptor) (gpgpu.ResourceHandle, error) {
	if err := gpgpu.Require(b, gpgpu.CapBufferReadWrite, "allocate buffer"); err != nil {
		return gpgpu.ResourceHandle{}, err
	}
	return gpgpu.ResourceHandle{}, b.unavailable("allocate buffer")
}

func (b *Backend) AllocateTexture(gpgpu.TextureDescriptor) (gpgpu.ResourceHandle, error) {
	return gpgpu.ResourceHandle{}, b.unavailable("allocate texture")
}

func (b *Backend) Free(h gpgpu.ResourceHandle) error {
	return &gpgpu.StaleHandleError{Handle: h}
}

func (b *Backend) WriteBuffer(gpgpu.ResourceHandle, uint64, []byte) error {
	return b.unavailable("write buffer")
}

func (b *Backend) ReadBuffer(context.Context, gpgpu.ResourceHandle, uint64, uint64) ([]byte, error) {
	return nil, b.unavailable("read buffer")
}

func (b *Backend) CopyBuffer(gpgpu.ResourceHandle, uint64, gpgpu.ResourceHandle, uint64, uint64) (*gpgpu.Fence, error) {
	return nil, b.unavailable("copy buffer")
}

func (b *Backend) WriteTexture(gpgpu.ResourceHandle, []byte) error {
	return b.unavailable("write texture")
}

func (b *Backend) Bind(gpgpu.PipelineHandle, gpgpu.Slot, gpgpu.ResourceHandle) error {
	return b.unavailable("bind")
}

func (b *Backend) Dispatch(_ gpgpu.PipelineHandle, d gpgpu.DispatchDescriptor) (*gpgpu.Fence, error) {
	if d.IsIndirect() {
		if err := gpgpu.Require(b, gpgpu.CapIndirectDispatch, "dispatch indirect"); err != nil {
			return nil, err
		}
	}
	return nil, b.unavailable("dispatch")
}

func (b *Backend) Timestamps(*gpgpu.Fence) (gpgpu.TimestampPair, error) {
	if err := gpgpu.Require(b, gpgpu.CapTimestamps, "read timestamps"); err != nil {
		return gpgpu.TimestampPair{}, err
	}
	return gpgpu.TimestampPair{}, gpgpu.ErrNoTimestamps
}

func (b *Backend) Close(context.Context) error { return nil }
