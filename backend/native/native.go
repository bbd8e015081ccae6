// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpgpu"
	"github.com/gogpu/gpgpu/compiler"
)

// Kinds lists the backend kinds served by this package.
var Kinds = []gpgpu.Kind{gpgpu.KindWebGPU, gpgpu.KindVulkan, gpgpu.KindMetal, gpgpu.KindDirectX}

// DefaultPollInterval is how often the completion tracker polls the queue
// while work is outstanding.
const DefaultPollInterval = 250 * time.Microsecond

// Backend runs compute pipelines on a HAL device.
type Backend struct {
	kind   gpgpu.Kind
	name   string
	caps   gpgpu.Capabilities
	limits gpgpu.Limits
	poll   time.Duration

	logger       atomic.Pointer[slog.Logger]
	compiler     *compiler.Compiler
	compilerOpts []compiler.Option
	space        *gpgpu.HandleSpace

	device  hal.Device
	queue   hal.Queue
	release func()
	tracker *tracker

	mu        sync.Mutex
	buffers   map[uint64]*buffer
	textures  map[uint64]*texture
	pipelines map[uint64]*pipeline
	samplers  [2]hal.Sampler
	closed    bool
}

type buffer struct {
	desc gpgpu.BufferDescriptor
	raw  hal.Buffer
	size uint64
}

type texture struct {
	desc gpgpu.TextureDescriptor
	raw  hal.Texture
	view hal.TextureView
}

type pipeline struct {
	entry     string
	table     *gpgpu.ReflectionTable
	workgroup [3]uint32
	shader    hal.ShaderModule
	groups    []hal.BindGroupLayout
	layout    hal.PipelineLayout
	raw       hal.ComputePipeline
}

// Option configures a Backend.
type Option func(*Backend)

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

// WithCapabilities restricts the advertised capabilities to caps.
func WithCapabilities(caps gpgpu.Capabilities) Option {
	return func(b *Backend) {
		b.caps = caps & gpgpu.DefaultCapabilities(b.kind)
	}
}

// WithLimits replaces the dispatch limits.
func WithLimits(l gpgpu.Limits) Option {
	return func(b *Backend) {
		b.limits = l
	}
}

// WithPollInterval sets the completion polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.poll = d
		}
	}
}

func served(kind gpgpu.Kind) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// New wraps an open HAL device and queue. The caller keeps ownership of
// the device; Close releases only what the backend created on it.
func New(kind gpgpu.Kind, device hal.Device, queue hal.Queue, opts ...Option) (*Backend, error) {
	if !served(kind) {
		return nil, fmt.Errorf("native: %s is not a native backend", kind)
	}
	if device == nil || queue == nil {
		return nil, ErrNilDevice
	}
	b := &Backend{
		kind:      kind,
		name:      kind.String(),
		caps:      gpgpu.DefaultCapabilities(kind),
		limits:    limitsFrom(gputypes.DefaultLimits()),
		poll:      DefaultPollInterval,
		space:     gpgpu.NewHandleSpace(),
		device:    device,
		queue:     queue,
		buffers:   make(map[uint64]*buffer),
		textures:  make(map[uint64]*texture),
		pipelines: make(map[uint64]*pipeline),
	}
	b.logger.Store(gpgpu.NopLogger())
	for _, opt := range opts {
		opt(b)
	}
	copts := append([]compiler.Option{compiler.ForBackend(b), compiler.WithLogger(b.log())}, b.compilerOpts...)
	b.compiler = compiler.New(compiler.TargetFor(kind), copts...)
	b.tracker = newTracker(queue, b.poll)
	return b, nil
}

// NewFromProvider shares the device of an external provider, e.g. a
// gogpu window. The provider must also implement HalDevice() any and
// HalQueue() any returning hal.Device and hal.Queue.
func NewFromProvider(kind gpgpu.Kind, provider gpucontext.DeviceProvider, opts ...Option) (*Backend, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNotHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNotHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNotHAL)
	}
	return New(kind, device, queue, opts...)
}

// Open creates an instance of api, opens its first discrete or integrated
// adapter (falling back to the first adapter) and wraps the device. The
// backend owns the instance and device and destroys them on Close.
func Open(kind gpgpu.Kind, api hal.Backend, opts ...Option) (*Backend, error) {
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, &gpgpu.BackendError{Backend: kind.String(), Op: "create instance", Err: err}
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("native: %s: %w", kind, ErrNoAdapter)
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	limits := gputypes.DefaultLimits()
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return nil, &gpgpu.BackendError{Backend: kind.String(), Op: "open device", Err: err}
	}

	base := []Option{
		WithName(fmt.Sprintf("%s (%s)", kind, selected.Info.Name)),
		WithLimits(limitsFrom(limits)),
	}
	b, err := New(kind, openDev.Device, openDev.Queue, append(base, opts...)...)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	b.release = func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	b.log().Info("native: device opened", "kind", kind, "adapter", selected.Info.Name, "driver", selected.Info.Driver)
	return b, nil
}

// variants lists the HAL backends tried for each kind, in order.
// BackendEmpty is the software rasterizer registered by allbackends.
var variants = map[gpgpu.Kind][]gputypes.Backend{
	gpgpu.KindWebGPU:  {gputypes.BackendVulkan, gputypes.BackendMetal, gputypes.BackendDX12, gputypes.BackendGL, gputypes.BackendEmpty},
	gpgpu.KindVulkan:  {gputypes.BackendVulkan},
	gpgpu.KindMetal:   {gputypes.BackendMetal},
	gpgpu.KindDirectX: {gputypes.BackendDX12},
}

// Register adds a factory for every native kind to r. A factory succeeds
// only when a matching HAL backend has been registered, typically by
// importing github.com/gogpu/wgpu/hal/allbackends.
func Register(r *gpgpu.Registry, opts ...Option) {
	for _, k := range Kinds {
		r.Register(k, func() (gpgpu.Backend, error) {
			for _, v := range variants[k] {
				api, ok := hal.GetBackend(v)
				if !ok {
					continue
				}
				b, err := Open(k, api, opts...)
				if err != nil {
					return nil, err
				}
				return b, nil
			}
			return nil, fmt.Errorf("native: %s: %w", k, gpgpu.ErrBackendNotAvailable)
		})
	}
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

func (b *Backend) Kind() gpgpu.Kind                 { return b.kind }
func (b *Backend) Name() string                     { return b.name }
func (b *Backend) Capabilities() gpgpu.Capabilities { return b.caps }
func (b *Backend) Limits() gpgpu.Limits             { return b.limits }

// LayoutRules returns the WGSL host-shareable rules, which every HAL
// backend honours after translation.
func (b *Backend) LayoutRules(space gpgpu.AddressSpace) gpgpu.LayoutRules {
	if space == gpgpu.SpaceUniform {
		return gpgpu.LayoutStd140
	}
	return gpgpu.LayoutStd430
}

func (b *Backend) backendErr(op string, err error) error {
	return &gpgpu.BackendError{Backend: b.name, Op: op, Err: err}
}

// Compile compiles src to the kind's native target and reflects it.
func (b *Backend) Compile(src gpgpu.Source, entryPoints []string) (*gpgpu.ShaderModule, error) {
	if err := gpgpu.Require(b, gpgpu.CapShaderCompilation, "compile "+src.Name); err != nil {
		return nil, err
	}
	return b.compiler.Compile(src, entryPoints)
}

// deviceTarget is the code handed to the HAL: SPIR-V for Vulkan, WGSL
// otherwise. The HAL translates WGSL for Metal and DirectX itself.
func (b *Backend) deviceTarget() compiler.Target {
	if b.kind == gpgpu.KindVulkan {
		return compiler.TargetSPIRV
	}
	return compiler.TargetWGSL
}

// CreateComputePipeline specializes the entry point and builds its bind
// group layouts, pipeline layout and compute pipeline.
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
	spec, err := b.compiler.Specialize(m, desc, b.deviceTarget())
	if err != nil {
		return gpgpu.PipelineHandle{}, err
	}
	groups, err := b.groupEntries(m.Name(), table)
	if err != nil {
		return gpgpu.PipelineHandle{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return gpgpu.PipelineHandle{}, b.backendErr("create compute pipeline", ErrClosed)
	}

	label := m.Name() + "." + entry
	pl := &pipeline{entry: entry, table: table, workgroup: spec.Workgroup}
	source := hal.ShaderSource{WGSL: spec.Artifact.Text}
	if spec.Artifact.Target == string(compiler.TargetSPIRV) {
		source = hal.ShaderSource{SPIRV: spirvWords(spec.Artifact.Bytes)}
	}
	if pl.shader, err = b.device.CreateShaderModule(&hal.ShaderModuleDescriptor{Label: label, Source: source}); err != nil {
		return gpgpu.PipelineHandle{}, b.backendErr("create shader module "+label, err)
	}
	for i, entries := range groups {
		bgl, err := b.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   fmt.Sprintf("%s/group%d", label, i),
			Entries: entries,
		})
		if err != nil {
			b.destroyPipeline(pl)
			return gpgpu.PipelineHandle{}, b.backendErr("create bind group layout "+label, err)
		}
		pl.groups = append(pl.groups, bgl)
	}
	if pl.layout, err = b.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label,
		BindGroupLayouts: pl.groups,
	}); err != nil {
		b.destroyPipeline(pl)
		return gpgpu.PipelineHandle{}, b.backendErr("create pipeline layout "+label, err)
	}
	if pl.raw, err = b.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  label,
		Layout: pl.layout,
		Compute: hal.ComputeState{
			Module:     pl.shader,
			EntryPoint: entry,
		},
	}); err != nil {
		b.destroyPipeline(pl)
		return gpgpu.PipelineHandle{}, b.backendErr("create compute pipeline "+label, err)
	}

	h := b.space.Pipeline()
	b.pipelines[h.ID()] = pl
	b.log().Debug("native: pipeline created", "pipeline", label, "workgroup", spec.Workgroup, "groups", len(pl.groups))
	return h, nil
}

// groupEntries splits the parameters of table into bind group layout
// entries, one list per group index up to the highest group used.
func (b *Backend) groupEntries(module string, table *gpgpu.ReflectionTable) ([][]gputypes.BindGroupLayoutEntry, error) {
	var groups [][]gputypes.BindGroupLayoutEntry
	for _, p := range table.Params() {
		if b.limits.MaxBindGroups != 0 && p.Slot.Group >= b.limits.MaxBindGroups {
			return nil, &gpgpu.CompileError{Module: module, Messages: []string{
				fmt.Sprintf("%s uses %s, device has %d bind groups", p.Name, p.Slot, b.limits.MaxBindGroups),
			}}
		}
		e, err := layoutEntry(p)
		if err != nil {
			return nil, &gpgpu.CompileError{Module: module, Messages: []string{err.Error()}}
		}
		for uint32(len(groups)) <= p.Slot.Group {
			groups = append(groups, nil)
		}
		groups[p.Slot.Group] = append(groups[p.Slot.Group], e)
	}
	return groups, nil
}

// destroyPipeline releases the HAL objects of pl that were created.
func (b *Backend) destroyPipeline(pl *pipeline) {
	if pl.raw != nil {
		b.device.DestroyComputePipeline(pl.raw)
	}
	if pl.layout != nil {
		b.device.DestroyPipelineLayout(pl.layout)
	}
	for _, g := range pl.groups {
		b.device.DestroyBindGroupLayout(g)
	}
	if pl.shader != nil {
		b.device.DestroyShaderModule(pl.shader)
	}
}

// CreateRenderPipeline always fails: render work is outside the compute
// surface of this backend.
func (b *Backend) CreateRenderPipeline(*gpgpu.ShaderModule, gpgpu.RenderPipelineDescriptor) (gpgpu.PipelineHandle, error) {
	return gpgpu.PipelineHandle{}, gpgpu.Unsupported(b, gpgpu.CapRenderPipelines, "create render pipeline")
}

// DestroyPipeline releases p once the work already submitted has
// completed.
func (b *Backend) DestroyPipeline(p gpgpu.PipelineHandle) {
	b.mu.Lock()
	pl, ok := b.pipelines[p.ID()]
	delete(b.pipelines, p.ID())
	closed := b.closed
	b.mu.Unlock()
	if !ok || closed {
		return
	}
	b.tracker.after(nil, func() { b.destroyPipeline(pl) })
}
