// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gpgpu"
	"github.com/gogpu/gpgpu/compiler"
)

// Package errors.
var (
	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("cpu: backend closed")

	// ErrNoKernel is reported when a pipeline names an entry point without
	// a registered Go kernel.
	ErrNoKernel = errors.New("cpu: no kernel registered")
)

// Backend executes compute pipelines on the host. Buffers and textures are
// Go byte slices and entry points are Go functions registered with
// WithKernel or RegisterKernel.
//
// All device work (dispatches, buffer writes and reads) goes through one
// FIFO queue, so it is ordered the way a GPU queue orders it.
type Backend struct {
	name    string
	caps    gpgpu.Capabilities
	limits  gpgpu.Limits
	workers int
	start   time.Time

	logger       atomic.Pointer[slog.Logger]
	compiler     *compiler.Compiler
	compilerOpts []compiler.Option
	space        *gpgpu.HandleSpace
	queue        *queue

	mu        sync.Mutex
	kernels   map[string]KernelFunc
	buffers   map[uint64]*buffer
	textures  map[uint64]*Image
	pipelines map[uint64]*pipeline
	closed    bool

	stampMu    sync.Mutex
	stamps     map[*gpgpu.Fence]gpgpu.TimestampPair
	stampOrder []*gpgpu.Fence
}

// maxStamps bounds the timestamp pairs kept for fences nobody read.
const maxStamps = 1024

type buffer struct {
	desc gpgpu.BufferDescriptor
	data []byte
}

type pipeline struct {
	entry     string
	kernel    KernelFunc
	table     *gpgpu.ReflectionTable
	workgroup [3]uint32
	constants map[string]float64
}

// Option configures a Backend.
type Option func(*Backend)

// WithKernel registers fn as the body of entry point name. A name of the
// form "module.entry" only matches modules compiled from a source with
// that name.
func WithKernel(name string, fn KernelFunc) Option {
	return func(b *Backend) {
		b.kernels[name] = fn
	}
}

// WithWorkers sets the number of goroutines running workgroups.
// Zero or negative selects GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(b *Backend) {
		b.workers = n
	}
}

// WithCapabilities restricts the advertised capabilities. Capabilities the
// CPU backend cannot provide are ignored.
func WithCapabilities(caps gpgpu.Capabilities) Option {
	return func(b *Backend) {
		b.caps = caps & gpgpu.DefaultCapabilities(gpgpu.KindCPU)
	}
}

// WithLimits replaces the default limits.
func WithLimits(l gpgpu.Limits) Option {
	return func(b *Backend) {
		b.limits = l
	}
}

// WithName sets the name reported by Name.
func WithName(name string) Option {
	return func(b *Backend) {
		b.name = name
	}
}

// WithCompilerOptions passes opts to the backend's shader compiler.
func WithCompilerOptions(opts ...compiler.Option) Option {
	return func(b *Backend) {
		b.compilerOpts = append(b.compilerOpts, opts...)
	}
}

// WithLogger sets the backend logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger.Store(l)
		}
	}
}

// New creates a CPU backend and starts its queue.
func New(opts ...Option) *Backend {
	b := &Backend{
		name:      "cpu",
		caps:      gpgpu.DefaultCapabilities(gpgpu.KindCPU),
		limits:    gpgpu.DefaultLimits(),
		start:     time.Now(),
		space:     gpgpu.NewHandleSpace(),
		kernels:   make(map[string]KernelFunc),
		buffers:   make(map[uint64]*buffer),
		textures:  make(map[uint64]*Image),
		pipelines: make(map[uint64]*pipeline),
		stamps:    make(map[*gpgpu.Fence]gpgpu.TimestampPair),
	}
	b.logger.Store(gpgpu.NopLogger())
	for _, opt := range opts {
		opt(b)
	}
	if b.workers <= 0 {
		b.workers = runtime.GOMAXPROCS(0)
	}
	copts := append([]compiler.Option{compiler.ForBackend(b), compiler.WithLogger(b.log())}, b.compilerOpts...)
	b.compiler = compiler.New(compiler.TargetCPU, copts...)
	b.queue = newQueue()
	return b
}

// Register adds a CPU backend factory to r. Every Open creates a fresh
// backend with opts.
func Register(r *gpgpu.Registry, opts ...Option) {
	r.Register(gpgpu.KindCPU, func() (gpgpu.Backend, error) {
		return New(opts...), nil
	})
}

func (b *Backend) log() *slog.Logger { return b.logger.Load() }

// SetLogger replaces the backend logger. It is called by gpgpu.Context.
func (b *Backend) SetLogger(l *slog.Logger) {
	if l == nil {
		l = gpgpu.NopLogger()
	}
	b.logger.Store(l)
	b.compiler.SetLogger(l)
}

// RegisterKernel registers fn as the body of entry point name.
func (b *Backend) RegisterKernel(name string, fn KernelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kernels[name] = fn
}

func (b *Backend) Kind() gpgpu.Kind                 { return gpgpu.KindCPU }
func (b *Backend) Name() string                     { return b.name }
func (b *Backend) Capabilities() gpgpu.Capabilities { return b.caps }
func (b *Backend) Limits() gpgpu.Limits             { return b.limits }

// LayoutRules is the C-natural host layout in every address space, so
// kernels see Go memory order and values are never repacked.
func (b *Backend) LayoutRules(gpgpu.AddressSpace) gpgpu.LayoutRules {
	return gpgpu.LayoutScalar
}

func (b *Backend) backendErr(op string, err error) error {
	return &gpgpu.BackendError{Backend: b.name, Op: op, Err: err}
}

// Compile checks and reflects WGSL source. The CPU backend runs
// registered kernels, so the module only carries the checked source.
func (b *Backend) Compile(src gpgpu.Source, entryPoints []string) (*gpgpu.ShaderModule, error) {
	if err := gpgpu.Require(b, gpgpu.CapShaderCompilation, "compile "+src.Name); err != nil {
		return nil, err
	}
	return b.compiler.Compile(src, entryPoints)
}

func (b *Backend) kernelLocked(module, entry string) (KernelFunc, bool) {
	if fn, ok := b.kernels[module+"."+entry]; ok {
		return fn, true
	}
	fn, ok := b.kernels[entry]
	return fn, ok
}

// CreateComputePipeline binds a registered kernel to an entry point of m.
func (b *Backend) CreateComputePipeline(m *gpgpu.ShaderModule, desc gpgpu.PipelineDescriptor) (gpgpu.PipelineHandle, error) {
	if err := gpgpu.Require(b, gpgpu.CapComputePipelines, "create compute pipeline"); err != nil {
		return gpgpu.PipelineHandle{}, err
	}
	if len(desc.Constants) > 0 {
		if err := gpgpu.Require(b, gpgpu.CapLinkTimeSpecialization, "specialize pipeline"); err != nil {
			return gpgpu.PipelineHandle{}, err
		}
	}
	entry := desc.Entry()
	table, err := m.Reflection(entry)
	if err != nil {
		return gpgpu.PipelineHandle{}, err
	}
	spec, err := b.compiler.Specialize(m, desc, compiler.TargetCPU)
	if err != nil {
		return gpgpu.PipelineHandle{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return gpgpu.PipelineHandle{}, b.backendErr("create compute pipeline", ErrClosed)
	}
	fn, ok := b.kernelLocked(m.Name(), entry)
	if !ok {
		return gpgpu.PipelineHandle{}, &gpgpu.CompileError{
			Module:   m.Name(),
			Messages: []string{fmt.Sprintf("%v for entry point %s", ErrNoKernel, entry)},
		}
	}
	consts := make(map[string]float64, len(desc.Constants))
	for k, v := range desc.Constants {
		consts[k] = v
	}
	h := b.space.Pipeline()
	b.pipelines[h.ID()] = &pipeline{
		entry:     entry,
		kernel:    fn,
		table:     table,
		workgroup: spec.Workgroup,
		constants: consts,
	}
	b.log().Debug("cpu: pipeline created", "module", m.Name(), "entry", entry, "workgroup", spec.Workgroup)
	return h, nil
}

// CreateRenderPipeline always fails: the CPU backend has no rasterizer.
func (b *Backend) CreateRenderPipeline(*gpgpu.ShaderModule, gpgpu.RenderPipelineDescriptor) (gpgpu.PipelineHandle, error) {
	return gpgpu.PipelineHandle{}, gpgpu.Unsupported(b, gpgpu.CapRenderPipelines, "create render pipeline")
}

// DestroyPipeline forgets p.
func (b *Backend) DestroyPipeline(p gpgpu.PipelineHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pipelines, p.ID())
}

// AllocateBuffer allocates zeroed host memory.
func (b *Backend) AllocateBuffer(desc gpgpu.BufferDescriptor) (gpgpu.ResourceHandle, error) {
	if err := gpgpu.Require(b, gpgpu.CapBufferReadWrite, "allocate buffer"); err != nil {
		return gpgpu.ResourceHandle{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return gpgpu.ResourceHandle{}, b.backendErr("allocate buffer", ErrClosed)
	}
	// Sizes are rounded to whole words so word accessors never straddle
	// the end.
	h := b.space.Buffer(desc.Size)
	b.buffers[h.ID()] = &buffer{desc: desc, data: make([]byte, (desc.Size+3)&^3)}
	return h, nil
}

// AllocateTexture allocates zeroed texel storage.
func (b *Backend) AllocateTexture(desc gpgpu.TextureDescriptor) (gpgpu.ResourceHandle, error) {
	size := desc.ByteSize()
	if size == 0 {
		return gpgpu.ResourceHandle{}, fmt.Errorf("cpu: texture %q has zero size (%dx%d %s)", desc.Label, desc.Width, desc.Height, desc.Format)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return gpgpu.ResourceHandle{}, b.backendErr("allocate texture", ErrClosed)
	}
	h := b.space.Texture(size)
	b.textures[h.ID()] = &Image{
		Width:  desc.Width,
		Height: max(desc.Height, 1),
		Depth:  max(desc.Depth, 1),
		Format: desc.Format,
		Data:   make([]byte, size),
	}
	return h, nil
}

// Free releases h. Work already queued keeps its own reference.
func (b *Backend) Free(h gpgpu.ResourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch h.Kind() {
	case gpgpu.HandleBuffer:
		if _, ok := b.buffers[h.ID()]; ok && b.space.Owns(h) {
			delete(b.buffers, h.ID())
			return nil
		}
	case gpgpu.HandleTexture:
		if _, ok := b.textures[h.ID()]; ok && b.space.Owns(h) {
			delete(b.textures, h.ID())
			return nil
		}
	}
	return &gpgpu.StaleHandleError{Handle: h}
}

func (b *Backend) bufferLocked(h gpgpu.ResourceHandle) (*buffer, error) {
	if !b.space.Owns(h) || h.Kind() != gpgpu.HandleBuffer {
		return nil, &gpgpu.StaleHandleError{Handle: h}
	}
	buf, ok := b.buffers[h.ID()]
	if !ok {
		return nil, &gpgpu.StaleHandleError{Handle: h}
	}
	return buf, nil
}

// bindingRange returns the bytes of buf selected by bd. A binding of the
// whole buffer covers its word-rounded storage.
func bindingRange(buf *buffer, bd gpgpu.Binding) ([]byte, error) {
	offset, size := bd.Offset, bd.Size
	if offset == 0 && (size == 0 || size == buf.desc.Size) {
		return buf.data, nil
	}
	if size == 0 && offset <= buf.desc.Size {
		size = buf.desc.Size - offset
	}
	if err := checkRange("bind", offset, size, buf.desc.Size); err != nil {
		return nil, err
	}
	return buf.data[offset : offset+size : offset+size], nil
}

func checkRange(op string, offset, length, size uint64) error {
	if offset > size || length > size-offset {
		return &gpgpu.InvalidDispatchError{Reason: fmt.Sprintf("%s of %d bytes at offset %d exceeds buffer of %d bytes", op, length, offset, size)}
	}
	return nil
}

// WriteBuffer queues a copy of data into the buffer. It is ordered after
// every dispatch submitted before it.
func (b *Backend) WriteBuffer(h gpgpu.ResourceHandle, offset uint64, data []byte) error {
	b.mu.Lock()
	buf, err := b.bufferLocked(h)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if err := checkRange("write", offset, uint64(len(data)), buf.desc.Size); err != nil {
		return err
	}
	src := append([]byte(nil), data...)
	if !b.queue.push(func() { copy(buf.data[offset:], src) }) {
		return b.backendErr("write buffer", ErrClosed)
	}
	return nil
}

// ReadBuffer waits for the queue to reach the read and returns a copy.
func (b *Backend) ReadBuffer(ctx context.Context, h gpgpu.ResourceHandle, offset, length uint64) ([]byte, error) {
	b.mu.Lock()
	buf, err := b.bufferLocked(h)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := checkRange("read", offset, length, buf.desc.Size); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	done := make(chan struct{})
	if !b.queue.push(func() {
		copy(out, buf.data[offset:offset+length])
		close(done)
	}) {
		return nil, b.backendErr("read buffer", ErrClosed)
	}
	select {
	case <-done:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CopyBuffer queues a copy between two buffers. The fence signals once the
// queue has performed it.
func (b *Backend) CopyBuffer(src gpgpu.ResourceHandle, srcOffset uint64, dst gpgpu.ResourceHandle, dstOffset, size uint64) (*gpgpu.Fence, error) {
	b.mu.Lock()
	from, err := b.bufferLocked(src)
	var to *buffer
	if err == nil {
		to, err = b.bufferLocked(dst)
	}
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := checkRange("copy read", srcOffset, size, from.desc.Size); err != nil {
		return nil, err
	}
	if err := checkRange("copy write", dstOffset, size, to.desc.Size); err != nil {
		return nil, err
	}
	f := gpgpu.NewFence()
	if !b.queue.push(func() {
		copy(to.data[dstOffset:dstOffset+size], from.data[srcOffset:srcOffset+size])
		f.Signal(nil)
	}) {
		return nil, b.backendErr("copy buffer", ErrClosed)
	}
	return f, nil
}

// WriteTexture queues a replacement of the texture contents.
func (b *Backend) WriteTexture(h gpgpu.ResourceHandle, data []byte) error {
	b.mu.Lock()
	img, ok := b.textures[h.ID()]
	owned := b.space.Owns(h) && h.Kind() == gpgpu.HandleTexture
	b.mu.Unlock()
	if !ok || !owned {
		return &gpgpu.StaleHandleError{Handle: h}
	}
	if len(data) != len(img.Data) {
		return &gpgpu.TypeMismatchError{Reason: fmt.Sprintf("texture data is %d bytes, want %d", len(data), len(img.Data))}
	}
	src := append([]byte(nil), data...)
	if !b.queue.push(func() { copy(img.Data, src) }) {
		return b.backendErr("write texture", ErrClosed)
	}
	return nil
}

// Bind checks that h is a live resource of this backend whose kind fits
// the parameter at slot.
func (b *Backend) Bind(p gpgpu.PipelineHandle, slot gpgpu.Slot, h gpgpu.ResourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	pl, ok := b.pipelines[p.ID()]
	if !ok || !b.space.OwnsPipeline(p) {
		return fmt.Errorf("cpu: %w: %s", gpgpu.ErrStaleHandle, p)
	}
	param, ok := pl.table.BySlot(slot)
	if !ok {
		return &gpgpu.TypeMismatchError{Slot: slot, Reason: "no parameter at slot"}
	}
	if !b.space.Owns(h) {
		return &gpgpu.StaleHandleError{Handle: h}
	}
	switch h.Kind() {
	case gpgpu.HandleBuffer:
		if _, ok := b.buffers[h.ID()]; !ok {
			return &gpgpu.StaleHandleError{Handle: h}
		}
		if !param.IsBuffer() {
			return &gpgpu.TypeMismatchError{Slot: slot, Name: param.Name, Expected: param.Type, Reason: "buffer bound to a non-buffer parameter"}
		}
	case gpgpu.HandleTexture:
		if _, ok := b.textures[h.ID()]; !ok {
			return &gpgpu.StaleHandleError{Handle: h}
		}
		if _, isTex := param.Type.(gpgpu.Texture); !isTex {
			return &gpgpu.TypeMismatchError{Slot: slot, Name: param.Name, Expected: param.Type, Reason: "texture bound to a non-texture parameter"}
		}
	default:
		return &gpgpu.StaleHandleError{Handle: h}
	}
	return nil
}

// Dispatch resolves the bindings of d now and queues the work. The fence
// signals once every workgroup has run.
func (b *Backend) Dispatch(p gpgpu.PipelineHandle, d gpgpu.DispatchDescriptor) (*gpgpu.Fence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, b.backendErr("dispatch", ErrClosed)
	}
	pl, ok := b.pipelines[p.ID()]
	if !ok || !b.space.OwnsPipeline(p) {
		return nil, fmt.Errorf("cpu: %w: %s", gpgpu.ErrStaleHandle, p)
	}

	args := &Args{
		buffers:   make(map[string][]byte, len(d.Bindings)),
		textures:  make(map[string]*Image),
		constants: pl.constants,
	}
	for _, bd := range d.Bindings {
		param, ok := pl.table.BySlot(bd.Slot)
		if !ok {
			continue
		}
		switch bd.Handle.Kind() {
		case gpgpu.HandleBuffer:
			buf, err := b.bufferLocked(bd.Handle)
			if err != nil {
				return nil, err
			}
			data, err := bindingRange(buf, bd)
			if err != nil {
				return nil, err
			}
			args.buffers[param.Name] = data
		case gpgpu.HandleTexture:
			img, ok := b.textures[bd.Handle.ID()]
			if !ok {
				return nil, &gpgpu.StaleHandleError{Handle: bd.Handle}
			}
			args.textures[param.Name] = img
		}
	}

	var indirect []byte
	if d.Indirect != nil {
		if err := gpgpu.Require(b, gpgpu.CapIndirectDispatch, "dispatch indirect"); err != nil {
			return nil, err
		}
		buf, err := b.bufferLocked(d.Indirect.Buffer)
		if err != nil {
			return nil, err
		}
		if err := checkRange("indirect read", d.Indirect.Offset, gpgpu.IndirectArgsSize, buf.desc.Size); err != nil {
			return nil, err
		}
		indirect = buf.data[d.Indirect.Offset : d.Indirect.Offset+gpgpu.IndirectArgsSize]
	}

	f := gpgpu.NewFence()
	grid, label, stamp := d.Grid, d.Label, d.Timestamps && b.caps.Has(gpgpu.CapTimestamps)
	ok = b.queue.push(func() {
		if indirect != nil {
			rec, err := gpgpu.ParseIndirectArgs(indirect)
			if err != nil {
				f.Signal(b.backendErr("dispatch indirect", err))
				return
			}
			grid = rec.Grid()
			if err := gpgpu.ValidateGrid(grid, b.limits); err != nil {
				// A device skips indirect dispatches it cannot run.
				b.log().Warn("cpu: indirect dispatch skipped", "entry", pl.entry, "grid", grid, "err", err)
				f.Signal(nil)
				return
			}
		}
		begin := b.now()
		err := b.execute(pl, args, grid)
		if stamp {
			b.recordStamp(f, gpgpu.TimestampPair{Begin: begin, End: b.now()})
		}
		if err != nil {
			f.Signal(b.backendErr("dispatch "+label, err))
			return
		}
		f.Signal(nil)
	})
	if !ok {
		return nil, b.backendErr("dispatch", ErrClosed)
	}
	return f, nil
}

func (b *Backend) now() uint64 { return uint64(time.Since(b.start).Nanoseconds()) }

// execute runs every workgroup of grid. Workgroups are split into one
// contiguous chunk per worker.
func (b *Backend) execute(pl *pipeline, args *Args, grid [3]uint32) error {
	total := uint64(grid[0]) * uint64(grid[1]) * uint64(grid[2])
	if total == 0 {
		return nil
	}
	chunks := min(total, uint64(b.workers))
	per := (total + chunks - 1) / chunks

	var g errgroup.Group
	g.SetLimit(b.workers)
	for start := uint64(0); start < total; start += per {
		end := min(start+per, total)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("kernel %s panicked: %v", pl.entry, r)
				}
			}()
			for i := start; i < end; i++ {
				runWorkgroup(pl, args, grid, i)
			}
			return nil
		})
	}
	return g.Wait()
}

func runWorkgroup(pl *pipeline, args *Args, grid [3]uint32, flat uint64) {
	wid := [3]uint32{
		uint32(flat % uint64(grid[0])),
		uint32(flat / uint64(grid[0]) % uint64(grid[1])),
		uint32(flat / (uint64(grid[0]) * uint64(grid[1]))),
	}
	size := pl.workgroup
	inv := Invocation{WorkgroupID: wid, NumWorkgroups: grid, WorkgroupSize: size}
	var local uint32
	for z := uint32(0); z < size[2]; z++ {
		for y := uint32(0); y < size[1]; y++ {
			for x := uint32(0); x < size[0]; x++ {
				inv.LocalID = [3]uint32{x, y, z}
				inv.LocalIndex = local
				inv.GlobalID = [3]uint32{wid[0]*size[0] + x, wid[1]*size[1] + y, wid[2]*size[2] + z}
				pl.kernel(inv, args)
				local++
			}
		}
	}
}

// Timestamps returns the host clock readings around the dispatch of f.
func (b *Backend) Timestamps(f *gpgpu.Fence) (gpgpu.TimestampPair, error) {
	if err := gpgpu.Require(b, gpgpu.CapTimestamps, "read timestamps"); err != nil {
		return gpgpu.TimestampPair{}, err
	}
	if done, _ := f.Poll(); !done {
		return gpgpu.TimestampPair{}, fmt.Errorf("cpu: fence %d has not signalled", f.ID())
	}
	b.stampMu.Lock()
	defer b.stampMu.Unlock()
	pair, ok := b.stamps[f]
	if !ok {
		return gpgpu.TimestampPair{}, gpgpu.ErrNoTimestamps
	}
	delete(b.stamps, f)
	return pair, nil
}

// recordStamp stores pair for f, forgetting the oldest unread pair once
// maxStamps are held.
func (b *Backend) recordStamp(f *gpgpu.Fence, pair gpgpu.TimestampPair) {
	b.stampMu.Lock()
	defer b.stampMu.Unlock()
	b.stamps[f] = pair
	b.stampOrder = append(b.stampOrder, f)
	if len(b.stampOrder) > maxStamps {
		delete(b.stamps, b.stampOrder[0])
		b.stampOrder = slices.Delete(b.stampOrder, 0, 1)
	}
}

// Pending returns the number of queued jobs that have not started.
func (b *Backend) Pending() int { return b.queue.pending() }

// Close drains the queue, bounded by ctx, and releases all resources.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.queue.close()
	select {
	case <-b.queue.done:
	case <-ctx.Done():
		return b.backendErr("close", ctx.Err())
	}

	b.mu.Lock()
	clear(b.buffers)
	clear(b.textures)
	clear(b.pipelines)
	b.mu.Unlock()
	b.stampMu.Lock()
	clear(b.stamps)
	b.stampOrder = nil
	b.stampMu.Unlock()
	b.log().Debug("cpu: backend closed", "name", b.name)
	return nil
}
