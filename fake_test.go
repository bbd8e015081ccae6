package gpgpu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// fakeBackend is an in-memory Backend for package tests. Modules come from
// tables registered under the source name; dispatches complete immediately
// unless hold is set.
type fakeBackend struct {
	kind   Kind
	caps   Capabilities
	limits Limits
	space  *HandleSpace

	mu         sync.Mutex
	tables     map[string][]*ReflectionTable
	buffers    map[uint64][]byte
	textures   map[uint64][]byte
	pipelines  map[uint64]bool
	destroyed  int
	compiles   int
	copies     int
	dispatches []DispatchDescriptor
	pending    []*Fence
	hold       bool
	failNext   error
	logger     *slog.Logger
	closed     bool
}

func newFakeBackend(kind Kind) *fakeBackend {
	return &fakeBackend{
		kind:      kind,
		caps:      DefaultCapabilities(kind),
		limits:    DefaultLimits(),
		space:     NewHandleSpace(),
		tables:    make(map[string][]*ReflectionTable),
		buffers:   make(map[uint64][]byte),
		textures:  make(map[uint64][]byte),
		pipelines: make(map[uint64]bool),
	}
}

// define registers the reflection tables Compile returns for source name.
func (b *fakeBackend) define(name string, tables ...*ReflectionTable) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tables[name] = tables
}

// release signals every held dispatch.
func (b *fakeBackend) release(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, f := range pending {
		f.Signal(err)
	}
}

func (b *fakeBackend) SetLogger(l *slog.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = l
}

func (b *fakeBackend) Kind() Kind                 { return b.kind }
func (b *fakeBackend) Name() string               { return "fake " + b.kind.String() }
func (b *fakeBackend) Capabilities() Capabilities { return b.caps }
func (b *fakeBackend) Limits() Limits             { return b.limits }

func (b *fakeBackend) LayoutRules(space AddressSpace) LayoutRules {
	if space == SpaceUniform {
		return LayoutStd140
	}
	return LayoutStd430
}

func (b *fakeBackend) Compile(src Source, entryPoints []string) (*ShaderModule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tables, ok := b.tables[src.Name]
	if !ok {
		return nil, &CompileError{Module: src.Name, Messages: []string{"unknown source"}}
	}
	b.compiles++
	if len(entryPoints) > 0 {
		var picked []*ReflectionTable
		for _, e := range entryPoints {
			for _, t := range tables {
				if t.Entry() == e {
					picked = append(picked, t)
				}
			}
		}
		tables = picked
	}
	return NewShaderModule(ModuleSpec{Source: src, Target: "fake", Tables: tables})
}

func (b *fakeBackend) CreateComputePipeline(m *ShaderModule, desc PipelineDescriptor) (PipelineHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("create pipeline"); err != nil {
		return PipelineHandle{}, err
	}
	h := b.space.Pipeline()
	b.pipelines[h.ID()] = true
	return h, nil
}

func (b *fakeBackend) CreateRenderPipeline(*ShaderModule, RenderPipelineDescriptor) (PipelineHandle, error) {
	return PipelineHandle{}, Unsupported(b, CapRenderPipelines, "create render pipeline")
}

func (b *fakeBackend) DestroyPipeline(p PipelineHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pipelines[p.ID()] {
		delete(b.pipelines, p.ID())
		b.destroyed++
	}
}

func (b *fakeBackend) AllocateBuffer(desc BufferDescriptor) (ResourceHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("allocate buffer"); err != nil {
		return ResourceHandle{}, err
	}
	h := b.space.Buffer(desc.Size)
	b.buffers[h.ID()] = make([]byte, desc.Size)
	return h, nil
}

func (b *fakeBackend) AllocateTexture(desc TextureDescriptor) (ResourceHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.space.Texture(desc.ByteSize())
	b.textures[h.ID()] = make([]byte, desc.ByteSize())
	return h, nil
}

func (b *fakeBackend) Free(h ResourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.space.Owns(h) {
		return &StaleHandleError{Handle: h}
	}
	delete(b.buffers, h.ID())
	delete(b.textures, h.ID())
	return nil
}

func (b *fakeBackend) WriteBuffer(h ResourceHandle, offset uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[h.ID()]
	if !ok || !b.space.Owns(h) {
		return &StaleHandleError{Handle: h}
	}
	copy(buf[offset:], data)
	return nil
}

func (b *fakeBackend) ReadBuffer(_ context.Context, h ResourceHandle, offset, length uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("read buffer"); err != nil {
		return nil, err
	}
	buf, ok := b.buffers[h.ID()]
	if !ok || !b.space.Owns(h) {
		return nil, &StaleHandleError{Handle: h}
	}
	return append([]byte(nil), buf[offset:offset+length]...), nil
}

func (b *fakeBackend) CopyBuffer(src ResourceHandle, srcOffset uint64, dst ResourceHandle, dstOffset, size uint64) (*Fence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("copy buffer"); err != nil {
		return nil, err
	}
	from, ok := b.buffers[src.ID()]
	to, ok2 := b.buffers[dst.ID()]
	if !ok || !ok2 {
		return nil, fmt.Errorf("fake: unknown buffer in copy %s to %s", src, dst)
	}
	copy(to[dstOffset:dstOffset+size], from[srcOffset:srcOffset+size])
	b.copies++
	return SignalledFence(nil), nil
}

func (b *fakeBackend) WriteTexture(h ResourceHandle, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.textures[h.ID()]; !ok || !b.space.Owns(h) {
		return &StaleHandleError{Handle: h}
	}
	b.textures[h.ID()] = append([]byte(nil), data...)
	return nil
}

func (b *fakeBackend) Bind(p PipelineHandle, slot Slot, h ResourceHandle) error {
	if !b.space.OwnsPipeline(p) || !b.space.Owns(h) {
		return &StaleHandleError{Handle: h}
	}
	return nil
}

func (b *fakeBackend) Dispatch(p PipelineHandle, d DispatchDescriptor) (*Fence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("dispatch"); err != nil {
		return nil, err
	}
	if !b.pipelines[p.ID()] {
		return nil, fmt.Errorf("fake: unknown pipeline %s", p)
	}
	b.dispatches = append(b.dispatches, d)
	f := NewFence()
	if b.hold {
		b.pending = append(b.pending, f)
	} else {
		f.Signal(nil)
	}
	return f, nil
}

func (b *fakeBackend) Timestamps(f *Fence) (TimestampPair, error) {
	if !b.caps.Has(CapTimestamps) {
		return TimestampPair{}, Unsupported(b, CapTimestamps, "timestamps")
	}
	return TimestampPair{Begin: 100, End: 250}, nil
}

func (b *fakeBackend) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// takeFailure returns and clears failNext as a BackendError. Called with b.mu held.
func (b *fakeBackend) takeFailure(op string) error {
	if b.failNext == nil {
		return nil
	}
	err := &BackendError{Backend: b.Name(), Op: op, Err: b.failNext}
	b.failNext = nil
	return err
}

func (b *fakeBackend) dispatchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dispatches)
}

func (b *fakeBackend) lastDispatch() DispatchDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dispatches[len(b.dispatches)-1]
}

func (b *fakeBackend) destroyedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// saxpyTable reflects
//
//	@group(0) @binding(0) var<storage, read> x: array<f32>;
//	@group(0) @binding(1) var<storage, read_write> y: array<f32>;
//	@group(1) @binding(0) var<uniform> params: Params;
//	@compute @workgroup_size(64) fn main(...)
func saxpyTable(entry string) *ReflectionTable {
	params := StructOf("Params", LayoutStd140,
		Field{Name: "a", Type: F32},
		Field{Name: "n", Type: U32},
	)
	t, err := NewReflectionTable(entry, [3]uint32{64, 1, 1}, []ParameterBinding{
		NewParameter("params", Slot{Group: 1, Binding: 0}, UniformOf(params), LayoutStd140),
		NewParameter("y", Slot{Group: 0, Binding: 1}, StorageOf(ArrayOf(F32, 0), AccessReadWrite), LayoutStd430),
		NewParameter("x", Slot{Group: 0, Binding: 0}, StorageOf(ArrayOf(F32, 0), AccessRead), LayoutStd430),
	})
	if err != nil {
		panic(err)
	}
	return t
}

// newSaxpy returns a fake backend of kind with "saxpy" defined, wrapped in
// a Context.
func newSaxpy(kind Kind, opts ...ContextOption) (*Context, *fakeBackend) {
	b := newFakeBackend(kind)
	b.define("saxpy", saxpyTable("main"), saxpyTable("other"))
	c, err := NewContext(b, opts...)
	if err != nil {
		panic(err)
	}
	return c, b
}
