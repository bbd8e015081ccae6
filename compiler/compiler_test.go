package compiler

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gpgpu"
)

const scaleShader = `
struct Params {
    scale: f32,
    count: u32,
}

@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> output: array<f32>;
@group(0) @binding(2) var<uniform> params: Params;

fn load(i: u32) -> f32 {
    return input[i];
}

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let i = id.x;
    if (i >= params.count) {
        return;
    }
    output[i] = load(i) * params.scale;
}

@compute @workgroup_size(32)
fn clear(@builtin(global_invocation_id) id: vec3<u32>) {
    output[id.x] = 0.0;
}
`

const overrideShader = `
override SCALE: f32 = 2.0;
const BLOCK: u32 = 64u;

@group(0) @binding(0) var<storage, read_write> data: array<f32>;

@compute @workgroup_size(BLOCK)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = data[id.x] * SCALE;
}
`

func compileScale(t *testing.T, target Target, opts ...Option) *gpgpu.ShaderModule {
	t.Helper()
	m, err := New(target, opts...).Compile(gpgpu.Source{Name: "scale", Code: scaleShader}, nil)
	require.NoError(t, err)
	return m
}

// =============================================================================
// Reflection
// =============================================================================

func TestCompileReflectsParameters(t *testing.T) {
	m := compileScale(t, TargetWGSL)
	assert.Equal(t, []string{"clear", "main"}, m.Entries())

	table, err := m.Reflection("main")
	require.NoError(t, err)
	assert.Equal(t, [3]uint32{64, 1, 1}, table.Workgroup())
	require.Equal(t, 3, table.Len())

	input, ok := table.BySlot(gpgpu.Slot{Group: 0, Binding: 0})
	require.True(t, ok)
	assert.Equal(t, "input", input.Name)
	assert.True(t, gpgpu.Equal(input.Type, gpgpu.StorageOf(gpgpu.ArrayOf(gpgpu.F32, 0), gpgpu.AccessRead)), "input: %s", input.Type)

	output, ok := table.ByName("output")
	require.True(t, ok)
	assert.True(t, gpgpu.Equal(output.Type, gpgpu.StorageOf(gpgpu.ArrayOf(gpgpu.F32, 0), gpgpu.AccessReadWrite)), "output: %s", output.Type)

	params, ok := table.ByName("params")
	require.True(t, ok)
	want := gpgpu.UniformOf(gpgpu.StructOf("Params", gpgpu.LayoutStd140,
		gpgpu.Field{Name: "scale", Type: gpgpu.F32},
		gpgpu.Field{Name: "count", Type: gpgpu.U32},
	))
	assert.True(t, gpgpu.LayoutEqual(params.Type, want), "params: %s", params.Type)
	assert.Equal(t, gpgpu.LayoutStd140, params.Rules)
	assert.Equal(t, uint64(16), params.Size)
}

func TestCompileReflectsOnlyReachableGlobals(t *testing.T) {
	m := compileScale(t, TargetWGSL)

	table, err := m.Reflection("clear")
	require.NoError(t, err)
	assert.Equal(t, [3]uint32{32, 1, 1}, table.Workgroup())
	require.Equal(t, 1, table.Len())
	assert.Equal(t, "output", table.At(0).Name)
}

func TestCompileIsDeterministic(t *testing.T) {
	a := compileScale(t, TargetSPIRV)
	b := compileScale(t, TargetSPIRV)
	assert.Equal(t, a.ID(), b.ID())

	for _, entry := range a.Entries() {
		ta, err := a.Reflection(entry)
		require.NoError(t, err)
		tb, err := b.Reflection(entry)
		require.NoError(t, err)
		assert.Equal(t, ta.Hash(), tb.Hash(), entry)
	}

	c := compileScale(t, TargetWGSL)
	assert.NotEqual(t, a.ID(), c.ID(), "target is part of module identity")
}

func TestCompileSelectedEntryPoints(t *testing.T) {
	m, err := New(TargetWGSL).Compile(gpgpu.Source{Name: "scale", Code: scaleShader}, []string{"clear"})
	require.NoError(t, err)
	assert.Equal(t, []string{"clear"}, m.Entries())

	_, err = m.Reflection("main")
	assert.ErrorIs(t, err, gpgpu.ErrUnknownEntryPoint)
}

func TestCompileRejectsNonPOD(t *testing.T) {
	const src = `
@group(0) @binding(0) var<storage, read_write> points: array<vec3<f32>>;

@compute @workgroup_size(1)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    points[id.x] = vec3<f32>(0.0, 0.0, 0.0);
}
`
	_, err := New(TargetWGSL, WithNonPOD(false)).Compile(gpgpu.Source{Name: "points", Code: src}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gpgpu.ErrUnsupportedCapability)

	var ue *gpgpu.UnsupportedCapabilityError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, gpgpu.CapNonPodTypes, ue.Capability)

	_, err = New(TargetWGSL, WithNonPOD(true)).Compile(gpgpu.Source{Name: "points", Code: src}, nil)
	assert.NoError(t, err)
}

// =============================================================================
// Errors
// =============================================================================

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		entries []string
	}{
		{"syntax", "fn main( {", nil},
		{"unknown identifier", `
@group(0) @binding(0) var<storage, read_write> data: array<f32>;

@compute @workgroup_size(1)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = missing;
}
`, nil},
		{"no compute entry", `
@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(1.0, 0.0, 0.0, 1.0);
}
`, nil},
		{"missing entry", scaleShader, []string{"reduce"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(TargetWGSL).Compile(gpgpu.Source{Name: tt.name, Code: tt.code}, tt.entries)
			require.Error(t, err)
			assert.ErrorIs(t, err, gpgpu.ErrCompile)

			var ce *gpgpu.CompileError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.name, ce.Module)
			assert.NotEmpty(t, ce.Messages)
		})
	}
}

// =============================================================================
// Targets
// =============================================================================

func TestCompileSPIRVArtifact(t *testing.T) {
	m := compileScale(t, TargetSPIRV)
	assert.Equal(t, string(TargetSPIRV), m.Target())

	a, ok := m.Artifact(string(TargetSPIRV))
	require.True(t, ok)
	require.GreaterOrEqual(t, len(a.Bytes), 20)
	assert.Zero(t, len(a.Bytes)%4)
	assert.Equal(t, uint32(0x07230203), binary.LittleEndian.Uint32(a.Bytes))

	w, ok := m.Artifact(string(TargetWGSL))
	require.True(t, ok)
	assert.Contains(t, w.Text, "fn main")
}

func TestTargets(t *testing.T) {
	for _, target := range Targets() {
		got, err := ParseTarget(string(target))
		require.NoError(t, err)
		assert.Equal(t, target, got)
	}
	_, err := ParseTarget("ptx")
	assert.Error(t, err)

	assert.Equal(t, TargetSPIRV, TargetFor(gpgpu.KindVulkan))
	assert.Equal(t, TargetMSL, TargetFor(gpgpu.KindMetal))
	assert.Equal(t, TargetHLSL, TargetFor(gpgpu.KindDirectX))
	assert.Equal(t, TargetCPU, TargetFor(gpgpu.KindCPU))
	assert.Equal(t, TargetWGSL, TargetFor(gpgpu.KindWebGPU))
}

// =============================================================================
// Specialization
// =============================================================================

func TestSpecializeDefaults(t *testing.T) {
	code, err := Specialize("override", overrideShader, SpecializeOptions{})
	require.NoError(t, err)
	assert.Contains(t, code, "const SCALE: f32 = 2.0;")
	assert.Contains(t, code, "@workgroup_size(64)")
	assert.NotContains(t, code, "override")
}

func TestSpecializeValues(t *testing.T) {
	code, err := Specialize("override", overrideShader, SpecializeOptions{
		Constants: map[string]float64{"SCALE": 3, "BLOCK": 128},
	})
	require.NoError(t, err)
	assert.Contains(t, code, "const SCALE: f32 = 3.0;")
	assert.Contains(t, code, "const BLOCK: u32 = 128u;")
	assert.Contains(t, code, "@workgroup_size(128)")
}

func TestSpecializeWorkgroupSize(t *testing.T) {
	code, err := Specialize("scale", scaleShader, SpecializeOptions{
		Entry:         "clear",
		WorkgroupSize: &[3]uint32{8, 4, 1},
	})
	require.NoError(t, err)
	assert.Contains(t, code, "@workgroup_size(64)")
	assert.Contains(t, code, "@workgroup_size(8, 4, 1)\nfn clear(")
}

func TestSpecializeWorkgroupSizeKeepsAttributes(t *testing.T) {
	code, err := Specialize("one", "@compute @workgroup_size(64)\nfn main() {}", SpecializeOptions{
		Entry:         "main",
		WorkgroupSize: &[3]uint32{8, 1, 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "@compute @workgroup_size(8, 1, 1)\nfn main() {}", code)

	code, err = Specialize("attrs", "@workgroup_size(4) @compute fn main() {}", SpecializeOptions{
		WorkgroupSize: &[3]uint32{2, 2, 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "@workgroup_size(2, 2, 1) @compute fn main() {}", code)
}

func TestSpecializeErrors(t *testing.T) {
	tests := []struct {
		name string
		code string
		opts SpecializeOptions
	}{
		{"unknown constant", overrideShader, SpecializeOptions{Constants: map[string]float64{"NOPE": 1}}},
		{"bad u32", overrideShader, SpecializeOptions{Constants: map[string]float64{"BLOCK": -1}}},
		{"strict without default", "override N: u32;\n", SpecializeOptions{Strict: true}},
		{"unknown entry", overrideShader, SpecializeOptions{Entry: "reduce", WorkgroupSize: &[3]uint32{1, 1, 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Specialize(tt.name, tt.code, tt.opts)
			assert.ErrorIs(t, err, gpgpu.ErrCompile)
		})
	}

	code, err := Specialize("lenient", "override N: u32;\n", SpecializeOptions{})
	require.NoError(t, err)
	assert.Contains(t, code, "const N: u32 = 0u;")
}

func TestCompilerSpecializeCaches(t *testing.T) {
	c := New(TargetSPIRV)
	m, err := c.Compile(gpgpu.Source{Name: "override", Code: overrideShader}, nil)
	require.NoError(t, err)

	desc := gpgpu.PipelineDescriptor{Constants: map[string]float64{"SCALE": 4}}
	s1, err := c.Specialize(m, desc, TargetSPIRV)
	require.NoError(t, err)
	assert.Equal(t, [3]uint32{64, 1, 1}, s1.Workgroup)
	assert.Contains(t, s1.Source, "const SCALE: f32 = 4.0;")
	assert.NotEmpty(t, s1.Artifact.Bytes)

	s2, err := c.Specialize(m, desc, TargetSPIRV)
	require.NoError(t, err)
	assert.Equal(t, s1.Source, s2.Source)
	assert.Equal(t, uint64(1), c.CacheStats().Hits)

	wg, err := c.Specialize(m, gpgpu.PipelineDescriptor{WorkgroupSize: &[3]uint32{16, 1, 1}}, TargetWGSL)
	require.NoError(t, err)
	assert.Equal(t, [3]uint32{16, 1, 1}, wg.Workgroup)

	assert.Equal(t, 2, c.EvictModule(m.ID()))
	assert.Equal(t, 0, c.CacheStats().Len)
}

func TestCompilerSpecializeUnspecializedReusesModule(t *testing.T) {
	c := New(TargetSPIRV)
	m, err := c.Compile(gpgpu.Source{Name: "override", Code: overrideShader}, nil)
	require.NoError(t, err)

	s, err := c.Specialize(m, gpgpu.PipelineDescriptor{}, TargetSPIRV)
	require.NoError(t, err)
	a, _ := m.Artifact(string(TargetSPIRV))
	assert.Equal(t, a.Bytes, s.Artifact.Bytes)
	assert.Equal(t, uint64(0), c.CacheStats().Misses)
}

func TestStorageAccess(t *testing.T) {
	got := StorageAccess(scaleShader)
	assert.Equal(t, map[string]gpgpu.Access{
		"input":  gpgpu.AccessRead,
		"output": gpgpu.AccessReadWrite,
	}, got)
}
