package native

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpgpu"
)

// bufferUsage maps buffer usage flags to WebGPU flags. Every buffer that
// is not a readback buffer can be copied in both directions so that
// WriteBuffer and the staging read path work on it. A buffer whose
// declared element type is an indirect record also gets indirect usage,
// since DispatchIndirect accepts it on the declared type alone.
func bufferUsage(desc gpgpu.BufferDescriptor) gputypes.BufferUsage {
	u := desc.Usage
	if desc.Elem != nil && gpgpu.IndirectCompatible(desc.Elem) {
		u |= gpgpu.BufferUsageIndirect
	}
	if u.Has(gpgpu.BufferUsageMapRead) {
		return gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
	}
	out := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if u.Has(gpgpu.BufferUsageUniform) {
		out |= gputypes.BufferUsageUniform
	}
	if u.Has(gpgpu.BufferUsageIndirect) {
		out |= gputypes.BufferUsageIndirect
	}
	if u.Has(gpgpu.BufferUsageStorage) || u&(gpgpu.BufferUsageUniform|gpgpu.BufferUsageIndirect) == 0 {
		out |= gputypes.BufferUsageStorage
	}
	return out
}

func textureUsage(u gpgpu.TextureUsage) gputypes.TextureUsage {
	out := gputypes.TextureUsageCopyDst
	if u&gpgpu.TextureUsageSampled != 0 || u == 0 {
		out |= gputypes.TextureUsageTextureBinding
	}
	if u&gpgpu.TextureUsageStorage != 0 {
		out |= gputypes.TextureUsageStorageBinding
	}
	if u&gpgpu.TextureUsageCopySrc != 0 {
		out |= gputypes.TextureUsageCopySrc
	}
	return out
}

func textureFormat(f gpgpu.TextureFormat) (gputypes.TextureFormat, error) {
	switch f {
	case gpgpu.FormatRGBA8Unorm:
		return gputypes.TextureFormatRGBA8Unorm, nil
	case gpgpu.FormatBGRA8Unorm:
		return gputypes.TextureFormatBGRA8Unorm, nil
	case gpgpu.FormatR32Float:
		return gputypes.TextureFormatR32Float, nil
	case gpgpu.FormatRGBA32Float:
		return gputypes.TextureFormatRGBA32Float, nil
	case gpgpu.FormatR32Uint:
		return gputypes.TextureFormatR32Uint, nil
	}
	return 0, fmt.Errorf("native: texture format %s has no device equivalent", f)
}

func textureDimension(d gpgpu.TextureDims) gputypes.TextureDimension {
	switch d {
	case gpgpu.Texture1D:
		return gputypes.TextureDimension1D
	case gpgpu.Texture3D:
		return gputypes.TextureDimension3D
	default:
		return gputypes.TextureDimension2D
	}
}

func viewDimension(d gpgpu.TextureDims, arrayed bool) gputypes.TextureViewDimension {
	switch d {
	case gpgpu.Texture1D:
		return gputypes.TextureViewDimension1D
	case gpgpu.Texture3D:
		return gputypes.TextureViewDimension3D
	case gpgpu.TextureCube:
		if arrayed {
			return gputypes.TextureViewDimensionCubeArray
		}
		return gputypes.TextureViewDimensionCube
	default:
		if arrayed {
			return gputypes.TextureViewDimension2DArray
		}
		return gputypes.TextureViewDimension2D
	}
}

func sampleType(t gpgpu.Texture) gputypes.TextureSampleType {
	switch {
	case t.Class == gpgpu.TextureDepth:
		return gputypes.TextureSampleTypeDepth
	case t.Format == gpgpu.FormatR32Uint:
		return gputypes.TextureSampleTypeUint
	case t.Format == gpgpu.FormatR32Float || t.Format == gpgpu.FormatRGBA32Float:
		return gputypes.TextureSampleTypeUnfilterableFloat
	default:
		return gputypes.TextureSampleTypeFloat
	}
}

// layoutEntry builds the bind group layout entry for one reflected
// parameter.
func layoutEntry(p gpgpu.ParameterBinding) (gputypes.BindGroupLayoutEntry, error) {
	e := gputypes.BindGroupLayoutEntry{
		Binding:    p.Slot.Binding,
		Visibility: gputypes.ShaderStageCompute,
	}
	switch t := p.Type.(type) {
	case gpgpu.Buffer:
		kind := gputypes.BufferBindingTypeStorage
		switch {
		case t.Space == gpgpu.SpaceUniform:
			kind = gputypes.BufferBindingTypeUniform
		case t.Access == gpgpu.AccessRead:
			kind = gputypes.BufferBindingTypeReadOnlyStorage
		}
		e.Buffer = &gputypes.BufferBindingLayout{Type: kind, MinBindingSize: p.Size}
	case gpgpu.Texture:
		if t.Class == gpgpu.TextureStorage {
			format, err := textureFormat(t.Format)
			if err != nil {
				return e, fmt.Errorf("storage texture %s: %w", p.Name, err)
			}
			e.StorageTexture = &gputypes.StorageTextureBindingLayout{
				Access:        gputypes.StorageTextureAccessWriteOnly,
				Format:        format,
				ViewDimension: viewDimension(t.Dims, t.Arrayed),
			}
			break
		}
		e.Texture = &gputypes.TextureBindingLayout{
			SampleType:    sampleType(t),
			ViewDimension: viewDimension(t.Dims, t.Arrayed),
		}
	case gpgpu.Sampler:
		kind := gputypes.SamplerBindingTypeFiltering
		if t.Comparison {
			kind = gputypes.SamplerBindingTypeComparison
		}
		e.Sampler = &gputypes.SamplerBindingLayout{Type: kind}
	default:
		return e, fmt.Errorf("parameter %s of type %s is not bindable", p.Name, p.Type)
	}
	return e, nil
}

// limitsFrom converts device limits to dispatch limits.
func limitsFrom(l gputypes.Limits) gpgpu.Limits {
	return gpgpu.Limits{
		MaxWorkgroupsPerDimension:  l.MaxComputeWorkgroupsPerDimension,
		MaxWorkgroupSize:           [3]uint32{l.MaxComputeWorkgroupSizeX, l.MaxComputeWorkgroupSizeY, l.MaxComputeWorkgroupSizeZ},
		MaxInvocationsPerWorkgroup: l.MaxComputeInvocationsPerWorkgroup,
		MaxBufferSize:              l.MaxBufferSize,
		MaxBindGroups:              l.MaxBindGroups,
		MinBufferOffsetAlignment:   max(l.MinStorageBufferOffsetAlignment, l.MinUniformBufferOffsetAlignment),
	}
}

// spirvWords reinterprets a little-endian SPIR-V binary as words.
func spirvWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
	}
	return words
}
