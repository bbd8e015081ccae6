// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpgpu

import (
	"fmt"
	"strings"
)

// Capability is a single optional backend feature.
type Capability uint32

// Backend capabilities.
const (
	CapShaderCompilation Capability = 1 << iota
	CapComputePipelines
	CapRenderPipelines
	CapBufferReadWrite
	CapNonPodTypes
	CapIndirectDispatch
	CapTimestamps
	CapLinkTimeSpecialization
)

var capabilityNames = [...]struct {
	cap  Capability
	name string
}{
	{CapShaderCompilation, "ShaderCompilation"},
	{CapComputePipelines, "ComputePipelines"},
	{CapRenderPipelines, "RenderPipelines"},
	{CapBufferReadWrite, "BufferReadWrite"},
	{CapNonPodTypes, "NonPodTypes"},
	{CapIndirectDispatch, "IndirectDispatch"},
	{CapTimestamps, "Timestamps"},
	{CapLinkTimeSpecialization, "LinkTimeSpecialization"},
}

// String returns the capability name.
func (c Capability) String() string {
	for _, n := range capabilityNames {
		if n.cap == c {
			return n.name
		}
	}
	return fmt.Sprintf("Capability(%#x)", uint32(c))
}

// ParseCapability returns the capability with the given name.
func ParseCapability(name string) (Capability, bool) {
	for _, n := range capabilityNames {
		if strings.EqualFold(n.name, name) {
			return n.cap, true
		}
	}
	return 0, false
}

// Capabilities is the set of capabilities a backend advertises.
type Capabilities uint32

// NewCapabilities returns the set containing caps.
func NewCapabilities(caps ...Capability) Capabilities {
	var s Capabilities
	for _, c := range caps {
		s |= Capabilities(c)
	}
	return s
}

// Has reports whether c is in the set.
func (s Capabilities) Has(c Capability) bool {
	return s&Capabilities(c) == Capabilities(c)
}

// With returns s plus c.
func (s Capabilities) With(c Capability) Capabilities { return s | Capabilities(c) }

// Without returns s minus c.
func (s Capabilities) Without(c Capability) Capabilities { return s &^ Capabilities(c) }

// List returns the capabilities in declaration order.
func (s Capabilities) List() []Capability {
	var out []Capability
	for _, n := range capabilityNames {
		if s.Has(n.cap) {
			out = append(out, n.cap)
		}
	}
	return out
}

// String returns the capabilities joined with '|'.
func (s Capabilities) String() string {
	list := s.List()
	if len(list) == 0 {
		return "none"
	}
	names := make([]string, len(list))
	for i, c := range list {
		names[i] = c.String()
	}
	return strings.Join(names, "|")
}

// Kind identifies a backend variant.
type Kind uint8

// Backend kinds.
const (
	KindWebGPU Kind = iota
	KindCUDA
	KindVulkan
	KindMetal
	KindDirectX
	KindCPU
	KindPyTorch
	KindOptiX
	KindOpenCL
)

var kindNames = [...]string{
	KindWebGPU:  "webgpu",
	KindCUDA:    "cuda",
	KindVulkan:  "vulkan",
	KindMetal:   "metal",
	KindDirectX: "directx",
	KindCPU:     "cpu",
	KindPyTorch: "pytorch",
	KindOptiX:   "optix",
	KindOpenCL:  "opencl",
}

// Kinds lists every backend kind.
func Kinds() []Kind {
	return []Kind{KindWebGPU, KindCUDA, KindVulkan, KindMetal, KindDirectX, KindCPU, KindPyTorch, KindOptiX, KindOpenCL}
}

// String returns the lowercase backend name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// ParseKind returns the kind with the given name.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if strings.EqualFold(n, name) {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("gpgpu: unknown backend kind %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	v, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

const baseCapabilities = Capabilities(CapShaderCompilation) |
	Capabilities(CapComputePipelines) |
	Capabilities(CapBufferReadWrite)

// DefaultCapabilities returns the capability set advertised by kind.
// No backend currently implements render pipelines.
func DefaultCapabilities(k Kind) Capabilities {
	switch k {
	case KindWebGPU, KindVulkan, KindMetal:
		return baseCapabilities.With(CapNonPodTypes).With(CapIndirectDispatch).With(CapLinkTimeSpecialization)
	case KindDirectX:
		return baseCapabilities.With(CapNonPodTypes).With(CapIndirectDispatch)
	case KindCPU:
		return baseCapabilities.With(CapNonPodTypes).With(CapIndirectDispatch).
			With(CapTimestamps).With(CapLinkTimeSpecialization)
	case KindCUDA:
		return baseCapabilities.With(CapIndirectDispatch).With(CapTimestamps).With(CapLinkTimeSpecialization)
	case KindPyTorch:
		return baseCapabilities.With(CapLinkTimeSpecialization)
	case KindOptiX:
		return baseCapabilities.With(CapTimestamps).With(CapLinkTimeSpecialization)
	case KindOpenCL:
		return baseCapabilities
	default:
		return 0
	}
}

// Limits are the dispatch and allocation limits reported by a backend.
type Limits struct {
	// MaxWorkgroupsPerDimension bounds every grid dimension.
	MaxWorkgroupsPerDimension uint32

	// MaxWorkgroupSize bounds the workgroup size per dimension.
	MaxWorkgroupSize [3]uint32

	// MaxInvocationsPerWorkgroup bounds x*y*z of a workgroup.
	MaxInvocationsPerWorkgroup uint32

	// MaxBufferSize bounds a single allocation.
	MaxBufferSize uint64

	// MaxBindGroups bounds the group index of a slot.
	MaxBindGroups uint32

	// MinBufferOffsetAlignment is the alignment of the offset of a buffer
	// bound by range. Zero means 1.
	MinBufferOffsetAlignment uint32
}

// MaxCappedWorkgroups is the per-dimension cap used by LaunchCapped.
const MaxCappedWorkgroups = 65535

// DefaultLimits returns conservative limits matching the WebGPU defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxWorkgroupsPerDimension:  65535,
		MaxWorkgroupSize:           [3]uint32{256, 256, 64},
		MaxInvocationsPerWorkgroup: 256,
		MaxBufferSize:              256 << 20,
		MaxBindGroups:              4,
		MinBufferOffsetAlignment:   256,
	}
}
