package gpgpu

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// PipelineDescriptor configures a compute pipeline.
type PipelineDescriptor struct {
	// Label is an optional debug name.
	Label string

	// EntryPoint is the function to launch. Defaults to "main".
	EntryPoint string

	// Constants are specialization constants resolved at pipeline build
	// time. Non-empty maps require CapLinkTimeSpecialization.
	Constants map[string]float64

	// WorkgroupSize overrides the workgroup size declared by the shader.
	WorkgroupSize *[3]uint32
}

// DefaultEntryPoint is used when PipelineDescriptor.EntryPoint is empty.
const DefaultEntryPoint = "main"

// Entry returns the effective entry point name.
func (d PipelineDescriptor) Entry() string {
	if d.EntryPoint == "" {
		return DefaultEntryPoint
	}
	return d.EntryPoint
}

// Specialized reports whether the descriptor changes shader code.
func (d PipelineDescriptor) Specialized() bool {
	return len(d.Constants) > 0 || d.WorkgroupSize != nil
}

// Canonical returns the canonical specialization string: constants sorted
// by name, then the workgroup size override if any.
func (d PipelineDescriptor) Canonical() string {
	names := make([]string, 0, len(d.Constants))
	for n := range d.Constants {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, n := range names {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(d.Constants[n], 'g', -1, 64))
	}
	if d.WorkgroupSize != nil {
		w := d.WorkgroupSize
		fmt.Fprintf(&b, "@workgroup_size(%d,%d,%d)", w[0], w[1], w[2])
	}
	return b.String()
}

// PipelineKey identifies a cached pipeline.
type PipelineKey struct {
	Module ModuleID
	Entry  string
	Spec   string
}

func (k PipelineKey) String() string {
	if k.Spec == "" {
		return fmt.Sprintf("%s:%s", k.Module, k.Entry)
	}
	return fmt.Sprintf("%s:%s{%s}", k.Module, k.Entry, k.Spec)
}

// KeyOf returns the cache key of desc applied to m.
func KeyOf(m *ShaderModule, desc PipelineDescriptor) PipelineKey {
	return PipelineKey{Module: m.ID(), Entry: desc.Entry(), Spec: desc.Canonical()}
}

// Status is the lifecycle state of a PipelineState.
type Status uint8

// Pipeline lifecycle states. StatusUncompiled and StatusCompiled precede
// the PipelineState itself and are reported by Library.Status for a named
// source; a PipelineState starts at StatusCreated.
const (
	StatusUncompiled Status = iota
	StatusCompiled
	StatusCreated
	StatusBoundPartial
	StatusBoundComplete
	StatusDispatched
	StatusIdle
	StatusFailed
)

// String returns the state name.
func (s Status) String() string {
	switch s {
	case StatusUncompiled:
		return "Uncompiled"
	case StatusCompiled:
		return "Compiled"
	case StatusCreated:
		return "Created"
	case StatusBoundPartial:
		return "BoundPartial"
	case StatusBoundComplete:
		return "BoundComplete"
	case StatusDispatched:
		return "Dispatched"
	case StatusIdle:
		return "Idle"
	case StatusFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Status(%d)", s)
	}
}

// PipelineState is a backend pipeline together with its parameter table
// and the bindings recorded against it.
//
// Bindings persist across dispatches: repeated dispatches with unchanged
// parameters need no re-binding.
type PipelineState struct {
	key       PipelineKey
	label     string
	module    *ShaderModule
	backend   Backend
	handle    PipelineHandle
	version   uint64
	table     *ReflectionTable
	workgroup [3]uint32

	mu       sync.Mutex
	bindings *BindingTable
	status   Status
	inflight int
	retired  bool
	freed    bool
}

func newPipelineState(b Backend, m *ShaderModule, desc PipelineDescriptor) (*PipelineState, error) {
	if m == nil {
		return nil, ErrNilModule
	}
	table, err := m.Reflection(desc.Entry())
	if err != nil {
		return nil, err
	}
	if err := Require(b, CapComputePipelines, "create compute pipeline"); err != nil {
		return nil, err
	}
	if len(desc.Constants) > 0 {
		if err := Require(b, CapLinkTimeSpecialization, "specialize pipeline"); err != nil {
			return nil, err
		}
	}
	wg := table.Workgroup()
	if desc.WorkgroupSize != nil {
		wg = *desc.WorkgroupSize
		if err := checkWorkgroupSize(wg, b.Limits()); err != nil {
			return nil, err
		}
	}
	version := m.Version()
	h, err := b.CreateComputePipeline(m, desc)
	if err != nil {
		return nil, err
	}
	m.retain()
	return &PipelineState{
		key:       KeyOf(m, desc),
		label:     desc.Label,
		module:    m,
		backend:   b,
		handle:    h,
		version:   version,
		table:     table,
		workgroup: wg,
		bindings:  newBindingTable(),
		status:    StatusCreated,
	}, nil
}

func checkWorkgroupSize(wg [3]uint32, lim Limits) error {
	total := uint64(1)
	for i, v := range wg {
		if v == 0 {
			return &InvalidDispatchError{Reason: fmt.Sprintf("workgroup size dimension %d is zero", i)}
		}
		if lim.MaxWorkgroupSize[i] != 0 && v > lim.MaxWorkgroupSize[i] {
			return &InvalidDispatchError{Reason: fmt.Sprintf("workgroup size %d exceeds limit %d in dimension %d", v, lim.MaxWorkgroupSize[i], i)}
		}
		total *= uint64(v)
	}
	if lim.MaxInvocationsPerWorkgroup != 0 && total > uint64(lim.MaxInvocationsPerWorkgroup) {
		return &InvalidDispatchError{Reason: fmt.Sprintf("workgroup of %d invocations exceeds limit %d", total, lim.MaxInvocationsPerWorkgroup)}
	}
	return nil
}

// Key returns the cache key.
func (p *PipelineState) Key() PipelineKey { return p.key }

// Label returns the debug label.
func (p *PipelineState) Label() string { return p.label }

// Module returns the module the pipeline was built from.
func (p *PipelineState) Module() *ShaderModule { return p.module }

// Handle returns the backend pipeline handle.
func (p *PipelineState) Handle() PipelineHandle { return p.handle }

// Version returns the module version stamp captured at creation.
func (p *PipelineState) Version() uint64 { return p.version }

// Stale reports whether the module was invalidated after creation.
func (p *PipelineState) Stale() bool { return p.version != p.module.Version() }

// Reflection returns the parameter table of the pipeline's entry point.
func (p *PipelineState) Reflection() *ReflectionTable { return p.table }

// WorkgroupSize returns the effective workgroup size.
func (p *PipelineState) WorkgroupSize() [3]uint32 { return p.workgroup }

// Status returns the lifecycle state.
func (p *PipelineState) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Bindings returns a snapshot of the recorded bindings.
func (p *PipelineState) Bindings() []Binding {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bindings.Snapshot()
}

// Bound returns the handle recorded at slot.
func (p *PipelineState) Bound(slot Slot) (ResourceHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.bindings.Get(slot)
	return v.Handle, ok
}

// Bind validates h against the parameter at slot and records it.
//
// host describes the value stored in h: either the element type or a full
// Buffer descriptor. A structural mismatch fails with a TypeMismatchError
// and leaves the existing binding untouched.
func (p *PipelineState) Bind(slot Slot, h ResourceHandle, host TypeDescriptor) error {
	param, ok := p.table.BySlot(slot)
	if !ok {
		return &TypeMismatchError{Slot: slot, Got: host, Reason: "no parameter at this slot in " + p.table.Entry()}
	}
	return p.bind(param, h, 0, 0, host)
}

// BindRange is Bind for size bytes of buffer h starting at offset. offset
// must be a multiple of the backend's MinBufferOffsetAlignment. A zero size
// binds the rest of the buffer.
func (p *PipelineState) BindRange(slot Slot, h ResourceHandle, offset, size uint64, host TypeDescriptor) error {
	param, ok := p.table.BySlot(slot)
	if !ok {
		return &TypeMismatchError{Slot: slot, Got: host, Reason: "no parameter at this slot in " + p.table.Entry()}
	}
	return p.bind(param, h, offset, size, host)
}

// BindName is like Bind but looks the parameter up by name.
func (p *PipelineState) BindName(name string, h ResourceHandle, host TypeDescriptor) error {
	param, ok := p.table.ByName(name)
	if !ok {
		return &TypeMismatchError{Name: name, Got: host, Reason: "no parameter named " + strconv.Quote(name) + " in " + p.table.Entry()}
	}
	return p.bind(param, h, 0, 0, host)
}

func (p *PipelineState) bind(param ParameterBinding, h ResourceHandle, offset, size uint64, host TypeDescriptor) error {
	if size == 0 && offset <= h.Size() {
		size = h.Size() - offset
	}
	if a := uint64(p.backend.Limits().MinBufferOffsetAlignment); a > 1 && offset%a != 0 {
		return &TypeMismatchError{Slot: param.Slot, Name: param.Name, Expected: param.Type, Got: host, Reason: fmt.Sprintf("binding offset %d is not a multiple of %d", offset, a)}
	}
	if err := CheckBindingRange(param, h, offset, size, host); err != nil {
		return err
	}
	if err := p.backend.Bind(p.handle, param.Slot, h); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindings.set(param.Slot, BoundValue{Handle: h, Type: host, Offset: offset, Size: size})
	p.updateBoundStatus()
	return nil
}

// Unbind removes the binding at slot.
func (p *PipelineState) Unbind(slot Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindings.remove(slot)
	p.updateBoundStatus()
}

// ResetBindings clears every binding.
func (p *PipelineState) ResetBindings() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindings = newBindingTable()
	p.updateBoundStatus()
}

// updateBoundStatus recomputes the bound state. Called with p.mu held.
func (p *PipelineState) updateBoundStatus() {
	if p.status == StatusDispatched {
		return
	}
	switch {
	case len(p.bindings.Unbound(p.table)) == 0:
		p.status = StatusBoundComplete
	case p.bindings.Len() == 0:
		p.status = StatusCreated
	default:
		p.status = StatusBoundPartial
	}
}

// ValidateComplete checks that every required slot is bound. It fails with
// a MissingBindingError listing all unbound slots.
func (p *PipelineState) ValidateComplete() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validateLocked()
}

func (p *PipelineState) validateLocked() error {
	missing := p.bindings.Unbound(p.table)
	if len(missing) == 0 {
		return nil
	}
	err := &MissingBindingError{Entry: p.table.Entry()}
	for _, m := range missing {
		err.Slots = append(err.Slots, m.Slot)
		err.Names = append(err.Names, m.Name)
	}
	return err
}

// beginDispatch validates the bindings and returns the snapshot used for
// one dispatch.
func (p *PipelineState) beginDispatch() ([]Binding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freed {
		return nil, fmt.Errorf("gpgpu: pipeline %s was destroyed", p.key)
	}
	if err := p.validateLocked(); err != nil {
		return nil, err
	}
	return p.bindings.Snapshot(), nil
}

// dispatched records that a dispatch was submitted.
func (p *PipelineState) dispatched(f *Fence) {
	p.mu.Lock()
	p.inflight++
	p.status = StatusDispatched
	p.mu.Unlock()
	go func() {
		<-f.Done()
		p.completed()
	}()
}

func (p *PipelineState) completed() {
	p.mu.Lock()
	p.inflight--
	if p.inflight == 0 && p.status == StatusDispatched {
		p.status = StatusIdle
	}
	destroy := p.retired && p.inflight == 0 && !p.freed
	if destroy {
		p.freed = true
	}
	p.mu.Unlock()
	if destroy {
		p.free()
	}
}

// InFlight returns the number of dispatches not yet completed.
func (p *PipelineState) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight
}

// retire schedules the backend pipeline for destruction once idle.
func (p *PipelineState) retire() {
	p.mu.Lock()
	p.retired = true
	destroy := p.inflight == 0 && !p.freed
	if destroy {
		p.freed = true
	}
	p.mu.Unlock()
	if destroy {
		p.free()
	}
}

func (p *PipelineState) free() {
	p.backend.DestroyPipeline(p.handle)
	p.module.unref()
	slogger().Debug("gpgpu: pipeline destroyed", "key", p.key.String())
}

// markFailed records a failed dispatch submission.
func (p *PipelineState) markFailed() {
	p.mu.Lock()
	p.status = StatusFailed
	p.mu.Unlock()
}
