package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gpgpu"
	"github.com/gogpu/gpgpu/backend/cpu"
	"github.com/gogpu/gpgpu/backend/stub"
)

const full = `
backends = ["cuda", "cpu"]
label = "blur"
timestamps = true

[cpu]
workers = 3

[compiler]
cache_capacity = 64
validate = false

[watch]
dirs = ["shaders"]
extension = "wgsl"
debounce = "120ms"

[pipelines.blur_h]
shader = "blur"
entry_point = "horizontal"
workgroup_size = [64, 1, 1]
constants = { RADIUS = 4, SIGMA = 1.5 }

[pipelines.copy]
shader = "copy"
`

func TestParseFull(t *testing.T) {
	c, err := Parse([]byte(full))
	require.NoError(t, err)

	assert.Equal(t, []gpgpu.Kind{gpgpu.KindCUDA, gpgpu.KindCPU}, c.Backends)
	assert.Equal(t, "blur", c.Label)
	assert.True(t, c.Timestamps)
	assert.Equal(t, 3, c.CPU.Workers)
	assert.Equal(t, 64, c.Compiler.CacheCapacity)
	require.NotNil(t, c.Compiler.Validate)
	assert.False(t, *c.Compiler.Validate)
	assert.Equal(t, []string{"shaders"}, c.Watch.Dirs)
	assert.Equal(t, Duration(120*time.Millisecond), c.Watch.Debounce)
	assert.Equal(t, []string{"blur_h", "copy"}, c.PipelineNames())

	d := c.Pipelines["blur_h"].Descriptor()
	assert.Equal(t, "horizontal", d.EntryPoint)
	require.NotNil(t, d.WorkgroupSize)
	assert.Equal(t, [3]uint32{64, 1, 1}, *d.WorkgroupSize)
	assert.Equal(t, map[string]float64{"RADIUS": 4, "SIGMA": 1.5}, d.Constants)

	plain := c.Pipelines["copy"].Descriptor()
	assert.Equal(t, gpgpu.DefaultEntryPoint, plain.Entry())
	assert.Nil(t, plain.WorkgroupSize)
	assert.False(t, plain.Specialized())

	assert.Len(t, c.ContextOptions(), 2)
	assert.Len(t, c.CompilerOptions(), 2)
	assert.Len(t, c.CPUOptions(), 2)
	assert.Len(t, c.WatchOptions(), 2)
}

func TestParseEmpty(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, c.Backends)
	assert.Empty(t, c.ContextOptions())
	assert.Empty(t, c.CPUOptions())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		invalid bool
	}{
		{"unknown key", "colour = 1", false},
		{"unknown kind", `backends = ["glide"]`, false},
		{"syntax", "backends = [", false},
		{"bad duration", "[watch]\ndebounce = \"soon\"", false},
		{"duplicate backend", `backends = ["cpu", "cpu"]`, true},
		{"negative workers", "[cpu]\nworkers = -1", true},
		{"negative capacity", "[compiler]\ncache_capacity = -5", true},
		{"pipeline without shader", "[pipelines.a]\nentry_point = \"main\"", true},
		{"short workgroup", "[pipelines.a]\nshader = \"s\"\nworkgroup_size = [8, 8]", true},
		{"zero workgroup", "[pipelines.a]\nshader = \"s\"\nworkgroup_size = [8, 0, 1]", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.Error(t, err)
			assert.Equal(t, tt.invalid, errors.Is(err, ErrInvalid), "err = %v", err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpgpu.toml")
	require.NoError(t, os.WriteFile(path, []byte(full), 0o644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "blur", c.Label)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEncodeRoundTrip(t *testing.T) {
	c, err := Parse([]byte(full))
	require.NoError(t, err)
	out, err := c.Encode()
	require.NoError(t, err)
	back, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, c, back)
}

func TestOpenSkipsUnavailable(t *testing.T) {
	r := gpgpu.NewRegistry()
	stub.Register(r)
	cpu.Register(r)

	c, err := Parse([]byte(`backends = ["cuda", "cpu"]`))
	require.NoError(t, err)
	b, err := c.Open(r)
	require.NoError(t, err)
	defer b.Close(context.Background())
	assert.Equal(t, gpgpu.KindCPU, b.Kind())

	c, err = Parse([]byte(`backends = ["cuda", "vulkan"]`))
	require.NoError(t, err)
	_, err = c.Open(r)
	assert.ErrorIs(t, err, gpgpu.ErrBackendNotAvailable)
}

func TestOpenReportsFactoryErrors(t *testing.T) {
	r := gpgpu.NewRegistry()
	boom := errors.New("device lost")
	r.Register(gpgpu.KindVulkan, func() (gpgpu.Backend, error) { return nil, boom })
	c := &Config{Backends: []gpgpu.Kind{gpgpu.KindVulkan}}
	_, err := c.Open(r)
	assert.ErrorIs(t, err, boom)
}

func TestNewContextAndPipeline(t *testing.T) {
	r := gpgpu.NewRegistry()
	cpu.Register(r, cpu.WithKernel("main", func(cpu.Invocation, *cpu.Args) {}))

	c, err := Parse([]byte(`
backends = ["cpu"]

[pipelines.fill]
shader = "fill"
workgroup_size = [16, 1, 1]
`))
	require.NoError(t, err)
	ctx, err := c.NewContext(r)
	require.NoError(t, err)
	defer ctx.Close(context.Background())

	lib := gpgpu.NewLibrary()
	lib.Register("fill", gpgpu.Source{Code: `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = id.x;
}
`})
	p, err := c.Pipeline(ctx, lib, "fill")
	require.NoError(t, err)
	assert.Equal(t, [3]uint32{16, 1, 1}, p.WorkgroupSize())

	_, err = c.Pipeline(ctx, lib, "missing")
	assert.Error(t, err)
}

func TestWatcherAddsDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blur.wgsl"), []byte("fn main() {}"), 0o644))

	c := &Config{Watch: Watch{Dirs: []string{dir}}}
	lib := gpgpu.NewLibrary()
	w, err := c.Watcher(lib)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, []string{"blur"}, lib.Names())

	c.Watch.Dirs = append(c.Watch.Dirs, filepath.Join(dir, "missing"))
	_, err = c.Watcher(gpgpu.NewLibrary())
	assert.Error(t, err)
}
