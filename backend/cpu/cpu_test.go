package cpu

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/gogpu/gpgpu"
)

const copyShader = `
@group(0) @binding(0) var<storage, read> src: array<u32>;
@group(0) @binding(1) var<storage, read_write> dst: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    dst[id.x] = src[id.x];
}
`

const scaleShader = `
override SCALE: f32 = 2.0;

@group(0) @binding(0) var<storage, read_write> data: array<f32>;

@compute @workgroup_size(16)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = data[id.x] * SCALE;
}
`

const countShader = `
@group(0) @binding(0) var<storage, read_write> counter: array<atomic<u32>>;

@compute @workgroup_size(8)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    atomicAdd(&counter[0], 1u);
}
`

func copyKernel(inv Invocation, args *Args) {
	i := int(inv.GlobalID[0])
	if i < args.Len("dst") {
		args.SetUint32("dst", i, args.Uint32("src", i))
	}
}

func countKernel(_ Invocation, args *Args) {
	args.AtomicAddUint32("counter", 0, 1)
}

func scaleKernel(inv Invocation, args *Args) {
	i := int(inv.GlobalID[0])
	if i < args.Len("data") {
		s := float32(args.Constant("SCALE", 2))
		args.SetFloat32("data", i, args.Float32("data", i)*s)
	}
}

func newContext(t *testing.T, opts ...Option) *gpgpu.Context {
	t.Helper()
	ctx, err := gpgpu.NewContext(New(opts...))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctx.Close(c)
	})
	return ctx
}

func wait(t *testing.T, f *gpgpu.Fence) error {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Wait(c)
}

func u32Bytes(vs ...uint32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[4*i:], v)
	}
	return b
}

func storageBuffer(t *testing.T, ctx *gpgpu.Context, size uint64) gpgpu.ResourceHandle {
	t.Helper()
	h, err := ctx.AllocateBuffer(gpgpu.BufferDescriptor{
		Size:  size,
		Usage: gpgpu.BufferUsageStorage | gpgpu.BufferUsageCopyDst | gpgpu.BufferUsageCopySrc,
	})
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	return h
}

// =============================================================================
// Round trip
// =============================================================================

func TestIdentityCopyRoundTrip(t *testing.T) {
	ctx := newContext(t, WithKernel("main", copyKernel), WithWorkers(4))

	m, err := ctx.Compile(gpgpu.Source{Name: "copy", Code: copyShader})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	p, err := ctx.Pipeline(m, gpgpu.PipelineDescriptor{})
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}

	const n = 1000
	in := make([]uint32, n)
	for i := range in {
		in[i] = uint32(i*7 + 3)
	}
	want := u32Bytes(in...)

	src := storageBuffer(t, ctx, 4*n)
	dst := storageBuffer(t, ctx, 4*n)
	if err := ctx.WriteBuffer(src, 0, want); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	elem := gpgpu.ArrayOf(gpgpu.U32, 0)
	if err := ctx.BindName(p, "src", src, elem); err != nil {
		t.Fatalf("Bind src: %v", err)
	}
	if err := ctx.BindName(p, "dst", dst, elem); err != nil {
		t.Fatalf("Bind dst: %v", err)
	}

	f, err := ctx.Launch(p, [3]uint32{n, 1, 1})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := wait(t, f); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	got, err := ctx.ReadBuffer(context.Background(), dst, 0, 4*n)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("dst differs from src")
	}
}

func TestBindRangeLimitsKernelView(t *testing.T) {
	ctx := newContext(t, WithKernel("main", copyKernel))
	m, err := ctx.Compile(gpgpu.Source{Name: "copy", Code: copyShader})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	p, err := ctx.Pipeline(m, gpgpu.PipelineDescriptor{})
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	src := storageBuffer(t, ctx, 16)
	dst := storageBuffer(t, ctx, 1024)
	if err := ctx.WriteBuffer(src, 0, u32Bytes(1, 2, 3, 4)); err != nil {
		t.Fatal(err)
	}
	args := struct {
		Src gpgpu.ResourceHandle
		Dst gpgpu.BufferRange
	}{src, gpgpu.BufferRange{Buffer: dst, Offset: 256, Size: 8}}
	if err := ctx.BindArgs(p, args); err != nil {
		t.Fatalf("BindArgs: %v", err)
	}

	f, err := ctx.Launch(p, [3]uint32{64, 1, 1})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := wait(t, f); err != nil {
		t.Fatal(err)
	}
	got, err := ctx.ReadBuffer(context.Background(), dst, 252, 24)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if want := u32Bytes(0, 1, 2, 0, 0, 0); !bytes.Equal(got, want) {
		t.Errorf("dst[252:276] = %v, want %v", got, want)
	}
}

func TestWriteValueReadValue(t *testing.T) {
	ctx := newContext(t)
	h := storageBuffer(t, ctx, 16)

	want := []float32{1.5, -2, 3.25, 0}
	elem := gpgpu.ArrayOf(gpgpu.F32, 4)
	if err := ctx.WriteValue(h, 0, want, elem); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}
	got := make([]float32, 4)
	if err := ctx.ReadValue(context.Background(), h, 0, 16, elem, &got); err != nil {
		t.Fatalf("ReadValue: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestHostLayout(t *testing.T) {
	b := New()
	for _, space := range []gpgpu.AddressSpace{gpgpu.SpaceStorage, gpgpu.SpaceUniform} {
		if got := b.LayoutRules(space); got != gpgpu.LayoutScalar {
			t.Errorf("LayoutRules(%v) = %s, want scalar", space, got)
		}
	}

	ctx := newContext(t)
	h := storageBuffer(t, ctx, 24)
	type point struct {
		P [3]float32 `gpgpu:"p,vec"`
	}
	typ := gpgpu.ArrayOf(gpgpu.StructOf("Point", gpgpu.LayoutScalar, gpgpu.Field{Name: "p", Type: gpgpu.Vec(gpgpu.F32, 3)}), 0)
	if err := ctx.WriteValue(h, 0, []point{{P: [3]float32{1, 2, 3}}, {P: [3]float32{4, 5, 6}}}, typ); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}
	raw, err := ctx.ReadBuffer(context.Background(), h, 0, 24)
	if err != nil {
		t.Fatal(err)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(raw[12:])); got != 4 {
		t.Errorf("second point starts with %v, want 4 at byte 12", got)
	}
}

func TestQueueOrdersWritesAfterDispatch(t *testing.T) {
	ctx := newContext(t, WithKernel("main", copyKernel))
	m, err := ctx.Compile(gpgpu.Source{Name: "copy", Code: copyShader})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	p, err := ctx.Pipeline(m, gpgpu.PipelineDescriptor{})
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	src := storageBuffer(t, ctx, 256)
	dst := storageBuffer(t, ctx, 256)
	elem := gpgpu.ArrayOf(gpgpu.U32, 0)
	_ = ctx.BindName(p, "src", src, elem)
	_ = ctx.BindName(p, "dst", dst, elem)

	if err := ctx.WriteBuffer(src, 0, u32Bytes(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := ctx.Dispatch(p, [3]uint32{1, 1, 1}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	// Queued after the dispatch, so the dispatch must see the first value.
	if err := ctx.WriteBuffer(src, 0, u32Bytes(2)); err != nil {
		t.Fatal(err)
	}
	got, err := ctx.ReadBuffer(context.Background(), dst, 0, 4)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if v := binary.LittleEndian.Uint32(got); v != 1 {
		t.Errorf("dst[0] = %d, want 1", v)
	}
}

func TestCopyBufferQueued(t *testing.T) {
	ctx := newContext(t)
	src := storageBuffer(t, ctx, 16)
	dst := storageBuffer(t, ctx, 16)

	if err := ctx.WriteBuffer(src, 0, u32Bytes(1, 2, 3, 4)); err != nil {
		t.Fatal(err)
	}
	f, err := ctx.CopyBuffer(src, 4, dst, 0, 8)
	if err != nil {
		t.Fatalf("CopyBuffer: %v", err)
	}
	// Queued after the copy, so the copy must see the first contents.
	if err := ctx.WriteBuffer(src, 0, u32Bytes(9, 9, 9, 9)); err != nil {
		t.Fatal(err)
	}
	if err := wait(t, f); err != nil {
		t.Fatal(err)
	}
	got, err := ctx.ReadBuffer(context.Background(), dst, 0, 16)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if !bytes.Equal(got, u32Bytes(2, 3, 0, 0)) {
		t.Errorf("dst = %v", got)
	}
}

// =============================================================================
// Capabilities
// =============================================================================

func TestCapabilities(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	if b.Capabilities() != gpgpu.DefaultCapabilities(gpgpu.KindCPU) {
		t.Errorf("Capabilities() = %s", b.Capabilities())
	}
	if b.Capabilities().Has(gpgpu.CapRenderPipelines) {
		t.Error("CPU must not advertise RenderPipelines")
	}

	restricted := New(WithCapabilities(gpgpu.DefaultCapabilities(gpgpu.KindCPU).Without(gpgpu.CapIndirectDispatch).With(gpgpu.CapRenderPipelines)))
	defer restricted.Close(context.Background())
	if restricted.Capabilities().Has(gpgpu.CapIndirectDispatch) {
		t.Error("IndirectDispatch should be masked out")
	}
	if restricted.Capabilities().Has(gpgpu.CapRenderPipelines) {
		t.Error("WithCapabilities must not add RenderPipelines")
	}
}

func TestRenderPipelineUnsupported(t *testing.T) {
	ctx := newContext(t, WithKernel("main", copyKernel))
	m, err := ctx.Compile(gpgpu.Source{Name: "copy", Code: copyShader})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	_, err = ctx.RenderPipeline(m, gpgpu.RenderPipelineDescriptor{VertexEntry: "vs", FragmentEntry: "fs"})
	if !errors.Is(err, gpgpu.ErrUnsupportedCapability) {
		t.Fatalf("RenderPipeline error = %v, want ErrUnsupportedCapability", err)
	}
	if ctx.Lost() != nil {
		t.Error("capability errors must not mark the context lost")
	}
}

func TestMissingKernel(t *testing.T) {
	ctx := newContext(t)
	m, err := ctx.Compile(gpgpu.Source{Name: "copy", Code: copyShader})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := ctx.Pipeline(m, gpgpu.PipelineDescriptor{}); !errors.Is(err, gpgpu.ErrCompile) {
		t.Fatalf("Pipeline error = %v, want ErrCompile", err)
	}
}

func TestModuleScopedKernel(t *testing.T) {
	var hits int
	ctx := newContext(t,
		WithKernel("main", func(Invocation, *Args) {}),
		WithKernel("copy.main", func(inv Invocation, args *Args) {
			if inv.GlobalID[0] == 0 {
				hits++
			}
		}),
		WithWorkers(1),
	)
	m, _ := ctx.Compile(gpgpu.Source{Name: "copy", Code: copyShader})
	p, err := ctx.Pipeline(m, gpgpu.PipelineDescriptor{})
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	elem := gpgpu.ArrayOf(gpgpu.U32, 0)
	_ = ctx.BindName(p, "src", storageBuffer(t, ctx, 4), elem)
	_ = ctx.BindName(p, "dst", storageBuffer(t, ctx, 4), elem)
	f, err := ctx.Dispatch(p, [3]uint32{1, 1, 1})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := wait(t, f); err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Errorf("module-scoped kernel ran %d times, want 1", hits)
	}
}

// =============================================================================
// Indirect dispatch
// =============================================================================

func countPipeline(t *testing.T, ctx *gpgpu.Context) (*gpgpu.PipelineState, gpgpu.ResourceHandle) {
	t.Helper()
	m, err := ctx.Compile(gpgpu.Source{Name: "count", Code: countShader})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	p, err := ctx.Pipeline(m, gpgpu.PipelineDescriptor{})
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	counter := storageBuffer(t, ctx, 4)
	if err := ctx.BindName(p, "counter", counter, gpgpu.ArrayOf(gpgpu.U32, 0)); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return p, counter
}

func TestDispatchIndirect(t *testing.T) {
	ctx := newContext(t, WithKernel("main", countKernel))
	p, counter := countPipeline(t, ctx)

	args, err := ctx.AllocateBuffer(gpgpu.BufferDescriptor{
		Size:  16,
		Usage: gpgpu.BufferUsageIndirect | gpgpu.BufferUsageCopyDst,
	})
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	rec := gpgpu.DispatchIndirectArgs{X: 3, Y: 2, Z: 1}
	if err := ctx.WriteBuffer(args, 4, rec.Bytes()); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}

	f, err := ctx.DispatchIndirect(p, args, 4)
	if err != nil {
		t.Fatalf("DispatchIndirect: %v", err)
	}
	if err := wait(t, f); err != nil {
		t.Fatal(err)
	}
	got, _ := ctx.ReadBuffer(context.Background(), counter, 0, 4)
	if n := binary.LittleEndian.Uint32(got); n != 3*2*8 {
		t.Errorf("invocations = %d, want %d", n, 3*2*8)
	}

	if _, err := ctx.DispatchIndirect(p, args, 2); !errors.Is(err, gpgpu.ErrInvalidDispatch) {
		t.Errorf("misaligned offset: err = %v, want ErrInvalidDispatch", err)
	}
	if _, err := ctx.DispatchIndirect(p, args, 8); !errors.Is(err, gpgpu.ErrInvalidDispatch) {
		t.Errorf("record past the end: err = %v, want ErrInvalidDispatch", err)
	}
}

func TestDispatchIndirectWithoutCapability(t *testing.T) {
	caps := gpgpu.DefaultCapabilities(gpgpu.KindCPU).Without(gpgpu.CapIndirectDispatch)
	ctx := newContext(t, WithKernel("main", countKernel), WithCapabilities(caps))
	p, counter := countPipeline(t, ctx)

	args, err := ctx.AllocateBuffer(gpgpu.BufferDescriptor{Size: 12, Usage: gpgpu.BufferUsageIndirect})
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	_, err = ctx.DispatchIndirect(p, args, 0)
	if !errors.Is(err, gpgpu.ErrUnsupportedCapability) {
		t.Fatalf("err = %v, want ErrUnsupportedCapability", err)
	}
	if err := ctx.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := ctx.ReadBuffer(context.Background(), counter, 0, 4)
	if n := binary.LittleEndian.Uint32(got); n != 0 {
		t.Errorf("counter = %d, no work may run without the capability", n)
	}
}

func TestDispatchIndirectZeroGridIsNoop(t *testing.T) {
	ctx := newContext(t, WithKernel("main", countKernel))
	p, counter := countPipeline(t, ctx)

	args, _ := ctx.AllocateBuffer(gpgpu.BufferDescriptor{Size: 12, Usage: gpgpu.BufferUsageIndirect})
	f, err := ctx.DispatchIndirect(p, args, 0)
	if err != nil {
		t.Fatalf("DispatchIndirect: %v", err)
	}
	if err := wait(t, f); err != nil {
		t.Fatalf("fence error: %v", err)
	}
	got, _ := ctx.ReadBuffer(context.Background(), counter, 0, 4)
	if n := binary.LittleEndian.Uint32(got); n != 0 {
		t.Errorf("counter = %d, want 0", n)
	}
}

// =============================================================================
// Specialization and timestamps
// =============================================================================

func TestSpecializationConstants(t *testing.T) {
	ctx := newContext(t, WithKernel("main", scaleKernel))
	m, err := ctx.Compile(gpgpu.Source{Name: "scale", Code: scaleShader})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	p, err := ctx.Pipeline(m, gpgpu.PipelineDescriptor{Constants: map[string]float64{"SCALE": 3}})
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	data := storageBuffer(t, ctx, 16)
	_ = ctx.WriteValue(data, 0, []float32{1, 2, 3, 4}, gpgpu.ArrayOf(gpgpu.F32, 4))
	if err := ctx.BindName(p, "data", data, gpgpu.ArrayOf(gpgpu.F32, 0)); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	f, err := ctx.Launch(p, [3]uint32{4, 1, 1})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := wait(t, f); err != nil {
		t.Fatal(err)
	}
	got, _ := ctx.ReadBuffer(context.Background(), data, 0, 16)
	for i, want := range []float32{3, 6, 9, 12} {
		if v := math.Float32frombits(binary.LittleEndian.Uint32(got[4*i:])); v != want {
			t.Errorf("data[%d] = %v, want %v", i, v, want)
		}
	}

	if _, err := ctx.Pipeline(m, gpgpu.PipelineDescriptor{Constants: map[string]float64{"NOPE": 1}}); !errors.Is(err, gpgpu.ErrCompile) {
		t.Errorf("unknown constant: err = %v, want ErrCompile", err)
	}
}

func TestWorkgroupSizeOverride(t *testing.T) {
	var maxLocal uint32
	ctx := newContext(t, WithWorkers(1), WithKernel("main", func(inv Invocation, _ *Args) {
		maxLocal = max(maxLocal, inv.LocalIndex)
	}))
	m, _ := ctx.Compile(gpgpu.Source{Name: "scale", Code: scaleShader})
	p, err := ctx.Pipeline(m, gpgpu.PipelineDescriptor{WorkgroupSize: &[3]uint32{4, 2, 1}})
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if p.WorkgroupSize() != [3]uint32{4, 2, 1} {
		t.Errorf("WorkgroupSize() = %v", p.WorkgroupSize())
	}
	_ = ctx.BindName(p, "data", storageBuffer(t, ctx, 4), gpgpu.ArrayOf(gpgpu.F32, 0))
	f, err := ctx.Dispatch(p, [3]uint32{1, 1, 1})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := wait(t, f); err != nil {
		t.Fatal(err)
	}
	if maxLocal != 7 {
		t.Errorf("max local index = %d, want 7", maxLocal)
	}
}

func TestTimestamps(t *testing.T) {
	ctx := newContext(t, WithKernel("main", countKernel))
	p, _ := countPipeline(t, ctx)

	f, err := ctx.Dispatch(p, [3]uint32{4, 1, 1}, gpgpu.Timestamped())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := wait(t, f); err != nil {
		t.Fatal(err)
	}
	pair, ok, err := ctx.Timestamps(f)
	if err != nil || !ok {
		t.Fatalf("Timestamps() = %v, %v, %v", pair, ok, err)
	}
	if pair.End < pair.Begin {
		t.Errorf("End %d before Begin %d", pair.End, pair.Begin)
	}
	if _, ok, _ := ctx.Timestamps(f); ok {
		t.Error("timestamps should be handed out once")
	}

	plain, _ := ctx.Dispatch(p, [3]uint32{1, 1, 1})
	_ = wait(t, plain)
	if _, ok, err := ctx.Timestamps(plain); ok || err != nil {
		t.Errorf("untimed dispatch: ok = %v, err = %v", ok, err)
	}
}

func TestUnreadTimestampsBounded(t *testing.T) {
	ctx := newContext(t)
	b := ctx.Backend().(*Backend)
	first := gpgpu.NewFence()
	b.recordStamp(first, gpgpu.TimestampPair{Begin: 1, End: 2})
	for range maxStamps + 10 {
		b.recordStamp(gpgpu.NewFence(), gpgpu.TimestampPair{})
	}
	b.stampMu.Lock()
	n, order := len(b.stamps), len(b.stampOrder)
	_, kept := b.stamps[first]
	b.stampMu.Unlock()
	if n != maxStamps || order != maxStamps {
		t.Errorf("held %d pairs (%d ordered), want %d", n, order, maxStamps)
	}
	if kept {
		t.Error("oldest unread pair should be forgotten first")
	}
}

// =============================================================================
// Failures
// =============================================================================

func TestMissingBinding(t *testing.T) {
	ctx := newContext(t, WithKernel("main", copyKernel))
	m, _ := ctx.Compile(gpgpu.Source{Name: "copy", Code: copyShader})
	p, err := ctx.Pipeline(m, gpgpu.PipelineDescriptor{})
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	_ = ctx.BindName(p, "src", storageBuffer(t, ctx, 64), gpgpu.ArrayOf(gpgpu.U32, 0))

	_, err = ctx.Dispatch(p, [3]uint32{1, 1, 1})
	var mb *gpgpu.MissingBindingError
	if !errors.As(err, &mb) {
		t.Fatalf("err = %v, want MissingBindingError", err)
	}
	if len(mb.Slots) != 1 || mb.Slots[0] != (gpgpu.Slot{Group: 0, Binding: 1}) {
		t.Errorf("missing slots = %v", mb.Slots)
	}
}

func TestKernelPanicLosesContext(t *testing.T) {
	ctx := newContext(t, WithKernel("main", func(inv Invocation, args *Args) {
		args.SetUint32("dst", 1<<20, 0)
	}))
	m, _ := ctx.Compile(gpgpu.Source{Name: "copy", Code: copyShader})
	p, _ := ctx.Pipeline(m, gpgpu.PipelineDescriptor{})
	src := storageBuffer(t, ctx, 4)
	elem := gpgpu.ArrayOf(gpgpu.U32, 0)
	_ = ctx.BindName(p, "src", src, elem)
	_ = ctx.BindName(p, "dst", storageBuffer(t, ctx, 4), elem)

	f, err := ctx.Dispatch(p, [3]uint32{1, 1, 1})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := wait(t, f); !errors.Is(err, gpgpu.ErrBackend) {
		t.Fatalf("fence error = %v, want ErrBackend", err)
	}
	if err := ctx.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(ctx.Lost(), gpgpu.ErrBackend) {
		t.Fatalf("Lost() = %v, want ErrBackend", ctx.Lost())
	}
	if _, err := ctx.AllocateBuffer(gpgpu.BufferDescriptor{Size: 4}); !errors.Is(err, gpgpu.ErrBackend) {
		t.Errorf("AllocateBuffer on lost context: %v", err)
	}

	if err := ctx.Reinitialize(context.Background(), New(WithKernel("main", copyKernel))); err != nil {
		t.Fatalf("Reinitialize: %v", err)
	}
	if err := ctx.WriteBuffer(src, 0, u32Bytes(1)); !errors.Is(err, gpgpu.ErrStaleHandle) {
		t.Errorf("old handle after Reinitialize: %v, want ErrStaleHandle", err)
	}
	if _, err := ctx.Dispatch(p, [3]uint32{1, 1, 1}); !errors.Is(err, gpgpu.ErrStaleHandle) {
		t.Errorf("old pipeline after Reinitialize: %v, want ErrStaleHandle", err)
	}
	if _, err := ctx.AllocateBuffer(gpgpu.BufferDescriptor{Size: 4}); err != nil {
		t.Errorf("AllocateBuffer after Reinitialize: %v", err)
	}
}

func TestBindForeignHandle(t *testing.T) {
	ctx := newContext(t, WithKernel("main", copyKernel))
	other := newContext(t)
	m, _ := ctx.Compile(gpgpu.Source{Name: "copy", Code: copyShader})
	p, _ := ctx.Pipeline(m, gpgpu.PipelineDescriptor{})

	foreign := storageBuffer(t, other, 64)
	if err := ctx.BindName(p, "src", foreign, gpgpu.ArrayOf(gpgpu.U32, 0)); !errors.Is(err, gpgpu.ErrStaleHandle) {
		t.Errorf("foreign handle: err = %v, want ErrStaleHandle", err)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	b := New(WithKernel("main", countKernel))
	ctx, err := gpgpu.NewContext(b)
	if err != nil {
		t.Fatal(err)
	}
	p, counter := countPipeline(t, ctx)
	for range 10 {
		if _, err := ctx.Dispatch(p, [3]uint32{2, 1, 1}); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	got, err := ctx.ReadBuffer(context.Background(), counter, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if n := binary.LittleEndian.Uint32(got); n != 10*2*8 {
		t.Errorf("counter = %d, want %d", n, 10*2*8)
	}
	if err := ctx.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ctx.InFlight() != 0 {
		t.Errorf("InFlight() = %d after Close", ctx.InFlight())
	}
	if _, err := ctx.Dispatch(p, [3]uint32{1, 1, 1}); !errors.Is(err, gpgpu.ErrContextClosed) {
		t.Errorf("Dispatch after Close: %v", err)
	}
}
