// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpgpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Context is one logical execution context: exactly one Backend plus the
// pipeline cache, resource table and in-flight dispatches that belong to it.
//
// Calls that mutate shared state (pipeline cache, bindings, resources) are
// serialized by an internal mutex. Capability queries take no lock.
// Independent Contexts share nothing and can run fully in parallel.
//
// A BackendError marks the Context lost: every later call fails with a
// BackendError until Reinitialize installs a fresh backend.
type Context struct {
	mu sync.Mutex

	backend atomic.Pointer[backendRef]
	cache   *PipelineCache
	logger  *slog.Logger
	label   string
	stamps  bool

	resources map[ResourceHandle]resourceInfo
	inflight  map[*Fence]*PipelineState
	idle      *sync.Cond

	lost   error
	closed bool
	epoch  uint64
}

type backendRef struct{ Backend }

type resourceInfo struct {
	buffer  BufferDescriptor
	texture TextureDescriptor
}

// NewContext wraps an initialized backend.
func NewContext(b Backend, opts ...ContextOption) (*Context, error) {
	if b == nil {
		return nil, ErrNilBackend
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = Logger()
	}
	if o.cache == nil {
		o.cache = NewPipelineCache()
	}
	c := &Context{
		cache:     o.cache,
		logger:    o.logger,
		label:     o.label,
		stamps:    o.timestamps,
		resources: make(map[ResourceHandle]resourceInfo),
		inflight:  make(map[*Fence]*PipelineState),
		epoch:     1,
	}
	c.idle = sync.NewCond(&c.mu)
	c.backend.Store(&backendRef{b})
	propagateLogger(b, o.logger)
	c.logger.Info("gpgpu: context opened", "label", c.label, "backend", b.Name(), "caps", b.Capabilities().String())
	return c, nil
}

// Backend returns the active backend.
func (c *Context) Backend() Backend { return c.backend.Load().Backend }

// Capabilities returns the active backend's capability set. It takes no lock.
func (c *Context) Capabilities() Capabilities { return c.Backend().Capabilities() }

// Limits returns the active backend's limits.
func (c *Context) Limits() Limits { return c.Backend().Limits() }

// Cache returns the pipeline cache.
func (c *Context) Cache() *PipelineCache { return c.cache }

// Epoch counts Reinitialize calls. Handles from an older epoch are stale.
func (c *Context) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Lost returns the error that made the Context unusable, or nil.
func (c *Context) Lost() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

// usableLocked reports why the Context cannot accept work. Called with c.mu held.
func (c *Context) usableLocked() error {
	if c.closed {
		return ErrContextClosed
	}
	if c.lost != nil {
		return &BackendError{Backend: c.Backend().Name(), Op: "context lost", Err: c.lost}
	}
	return nil
}

// noteError marks the Context lost when err is a BackendError.
// Called with c.mu held.
func (c *Context) noteError(err error) error {
	if err != nil && errors.Is(err, ErrBackend) && c.lost == nil {
		c.lost = err
		c.logger.Warn("gpgpu: context lost", "label", c.label, "err", err)
	}
	return err
}

// resourceLocked returns the bookkeeping for h or a StaleHandleError.
func (c *Context) resourceLocked(h ResourceHandle) (resourceInfo, error) {
	info, ok := c.resources[h]
	if !ok {
		return resourceInfo{}, &StaleHandleError{Handle: h}
	}
	return info, nil
}

// Compile compiles src on the active backend.
func (c *Context) Compile(src Source, entryPoints ...string) (*ShaderModule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return nil, err
	}
	b := c.Backend()
	if err := Require(b, CapShaderCompilation, "compile"); err != nil {
		return nil, err
	}
	m, err := b.Compile(src, entryPoints)
	if err != nil {
		return nil, c.noteError(err)
	}
	c.logger.Debug("gpgpu: module compiled", "name", src.Name, "id", m.ID().String(), "entries", m.Entries())
	return m, nil
}

// Pipeline returns the cached pipeline for (m, desc), building it when
// missing or when m was invalidated since the cached build.
func (c *Context) Pipeline(m *ShaderModule, desc PipelineDescriptor) (*PipelineState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return nil, err
	}
	p, err := c.cache.GetOrCreate(c.Backend(), m, desc)
	return p, c.noteError(err)
}

// RenderPipeline asks the backend for a render pipeline. Every shipped
// backend lacks CapRenderPipelines, so this fails with an
// UnsupportedCapabilityError.
func (c *Context) RenderPipeline(m *ShaderModule, desc RenderPipelineDescriptor) (PipelineHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return PipelineHandle{}, err
	}
	b := c.Backend()
	if err := Require(b, CapRenderPipelines, "create render pipeline"); err != nil {
		return PipelineHandle{}, err
	}
	h, err := b.CreateRenderPipeline(m, desc)
	return h, c.noteError(err)
}

// EvictModule drops every cached pipeline built from module id.
func (c *Context) EvictModule(id ModuleID) int {
	n := c.cache.EvictModule(id)
	if n > 0 {
		c.logger.Debug("gpgpu: pipelines evicted", "module", id.String(), "count", n)
	}
	return n
}

// AllocateBuffer creates a device buffer.
func (c *Context) AllocateBuffer(desc BufferDescriptor) (ResourceHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return ResourceHandle{}, err
	}
	b := c.Backend()
	if err := Require(b, CapBufferReadWrite, "allocate buffer"); err != nil {
		return ResourceHandle{}, err
	}
	if lim := b.Limits().MaxBufferSize; lim != 0 && desc.Size > lim {
		return ResourceHandle{}, fmt.Errorf("gpgpu: buffer of %d bytes exceeds limit %d", desc.Size, lim)
	}
	h, err := b.AllocateBuffer(desc)
	if err != nil {
		return ResourceHandle{}, c.noteError(err)
	}
	c.resources[h] = resourceInfo{buffer: desc}
	return h, nil
}

// AllocateTexture creates a device texture.
func (c *Context) AllocateTexture(desc TextureDescriptor) (ResourceHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return ResourceHandle{}, err
	}
	h, err := c.Backend().AllocateTexture(desc)
	if err != nil {
		return ResourceHandle{}, c.noteError(err)
	}
	c.resources[h] = resourceInfo{texture: desc}
	return h, nil
}

// Free releases a buffer or texture. Later use of h fails with StaleHandle.
func (c *Context) Free(h ResourceHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContextClosed
	}
	if _, err := c.resourceLocked(h); err != nil {
		return err
	}
	delete(c.resources, h)
	if c.lost != nil {
		return nil
	}
	return c.noteError(c.Backend().Free(h))
}

// BufferDescriptor returns the descriptor h was allocated with.
func (c *Context) BufferDescriptor(h ResourceHandle) (BufferDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, err := c.resourceLocked(h)
	return info.buffer, err
}

// WriteBuffer copies data into the buffer at offset.
func (c *Context) WriteBuffer(h ResourceHandle, offset uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return err
	}
	if _, err := c.resourceLocked(h); err != nil {
		return err
	}
	if outOfRange(offset, uint64(len(data)), h.Size()) {
		return fmt.Errorf("gpgpu: write of %d bytes at %d overruns buffer of %d bytes", len(data), offset, h.Size())
	}
	return c.noteError(c.Backend().WriteBuffer(h, offset, data))
}

// ReadBuffer copies length bytes at offset out of the buffer. It does not
// hold the Context lock while waiting for the device.
func (c *Context) ReadBuffer(ctx context.Context, h ResourceHandle, offset, length uint64) ([]byte, error) {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if _, err := c.resourceLocked(h); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	b := c.Backend()
	c.mu.Unlock()

	if outOfRange(offset, length, h.Size()) {
		return nil, fmt.Errorf("gpgpu: read of %d bytes at %d overruns buffer of %d bytes", length, offset, h.Size())
	}
	data, err := b.ReadBuffer(ctx, h, offset, length)
	if err != nil {
		c.mu.Lock()
		c.noteError(err)
		c.mu.Unlock()
		return nil, err
	}
	return data, nil
}

// CopyBuffer enqueues a device-side copy of size bytes from src at
// srcOffset into dst at dstOffset. A zero size returns a signalled fence.
func (c *Context) CopyBuffer(src ResourceHandle, srcOffset uint64, dst ResourceHandle, dstOffset, size uint64) (*Fence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return nil, err
	}
	b := c.Backend()
	if err := Require(b, CapBufferReadWrite, "copy buffer"); err != nil {
		return nil, err
	}
	if _, err := c.resourceLocked(src); err != nil {
		return nil, err
	}
	if _, err := c.resourceLocked(dst); err != nil {
		return nil, err
	}
	if err := ValidateCopy(src, srcOffset, dst, dstOffset, size); err != nil {
		return nil, err
	}
	if size == 0 {
		return SignalledFence(nil), nil
	}
	f, err := b.CopyBuffer(src, srcOffset, dst, dstOffset, size)
	if err != nil {
		return nil, c.noteError(err)
	}
	c.logger.Debug("gpgpu: buffer copy", "src", src.String(), "dst", dst.String(), "bytes", size)
	c.trackLocked(f, nil)
	return f, nil
}

// rulesFor returns the device layout rules for values of type t.
func rulesFor(b Backend, t TypeDescriptor) LayoutRules {
	if buf, ok := t.(Buffer); ok {
		return b.LayoutRules(buf.Space)
	}
	return b.LayoutRules(SpaceStorage)
}

// WriteValue marshals v with the backend's layout rules for t and writes
// it at offset. Values that need repacking require CapNonPodTypes.
func (c *Context) WriteValue(h ResourceHandle, offset uint64, v any, t TypeDescriptor) error {
	b := c.Backend()
	rules := rulesFor(b, t)
	if !IsPOD(t, rules) {
		if err := Require(b, CapNonPodTypes, "write non-POD value"); err != nil {
			return err
		}
	}
	data, err := Marshal(v, t, rules)
	if err != nil {
		return err
	}
	return c.WriteBuffer(h, offset, data)
}

// ReadValue reads length bytes at offset and unmarshals them into out with
// the backend's layout rules for t.
func (c *Context) ReadValue(ctx context.Context, h ResourceHandle, offset, length uint64, t TypeDescriptor, out any) error {
	b := c.Backend()
	rules := rulesFor(b, t)
	if !IsPOD(t, rules) {
		if err := Require(b, CapNonPodTypes, "read non-POD value"); err != nil {
			return err
		}
	}
	data, err := c.ReadBuffer(ctx, h, offset, length)
	if err != nil {
		return err
	}
	return Unmarshal(data, t, rules, out)
}

// WriteTexture replaces the contents of a texture.
func (c *Context) WriteTexture(h ResourceHandle, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return err
	}
	info, err := c.resourceLocked(h)
	if err != nil {
		return err
	}
	if want := info.texture.ByteSize(); uint64(len(data)) != want {
		return fmt.Errorf("gpgpu: texture upload of %d bytes, want %d", len(data), want)
	}
	return c.noteError(c.Backend().WriteTexture(h, data))
}

// TextureDescriptor returns the descriptor h was allocated with.
func (c *Context) TextureDescriptor(h ResourceHandle) (TextureDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, err := c.resourceLocked(h)
	return info.texture, err
}

// checkPipelineLocked rejects pipelines built on a different backend.
func (c *Context) checkPipelineLocked(p *PipelineState) error {
	if p == nil {
		return fmt.Errorf("gpgpu: pipeline is nil")
	}
	if p.backend != c.Backend() {
		return fmt.Errorf("%w: pipeline %s belongs to a previous backend", ErrStaleHandle, p.key)
	}
	return nil
}

// Bind validates h against the parameter at slot of p and records it.
func (c *Context) Bind(p *PipelineState, slot Slot, h ResourceHandle, host TypeDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.bindCheckLocked(p, h); err != nil {
		return err
	}
	return c.noteError(p.Bind(slot, h, host))
}

// BindRange is Bind for size bytes of buffer h starting at offset. A zero
// size binds the rest of the buffer.
func (c *Context) BindRange(p *PipelineState, slot Slot, h ResourceHandle, offset, size uint64, host TypeDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.bindCheckLocked(p, h); err != nil {
		return err
	}
	return c.noteError(p.BindRange(slot, h, offset, size, host))
}

// BindName is like Bind but looks the parameter up by name.
func (c *Context) BindName(p *PipelineState, name string, h ResourceHandle, host TypeDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.bindCheckLocked(p, h); err != nil {
		return err
	}
	return c.noteError(p.BindName(name, h, host))
}

func (c *Context) bindCheckLocked(p *PipelineState, h ResourceHandle) error {
	if err := c.usableLocked(); err != nil {
		return err
	}
	if err := c.checkPipelineLocked(p); err != nil {
		return err
	}
	_, err := c.resourceLocked(h)
	return err
}

// ValidateComplete checks that every parameter of p is bound.
func (c *Context) ValidateComplete(p *PipelineState) error {
	return p.ValidateComplete()
}

// Dispatch enqueues p over grid workgroups and returns without waiting.
func (c *Context) Dispatch(p *PipelineState, grid [3]uint32, opts ...DispatchOption) (*Fence, error) {
	if err := ValidateGrid(grid, c.Limits()); err != nil {
		return nil, err
	}
	d := DispatchDescriptor{Grid: grid}
	return c.submit(p, d, opts)
}

// DispatchIndirect enqueues p with its grid read from buf at offset.
// It requires CapIndirectDispatch and never falls back to a direct dispatch.
func (c *Context) DispatchIndirect(p *PipelineState, buf ResourceHandle, offset uint64, opts ...DispatchOption) (*Fence, error) {
	if err := Require(c.Backend(), CapIndirectDispatch, "dispatch indirect"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	info, err := c.resourceLocked(buf)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	args := IndirectArgs{Buffer: buf, Offset: offset}
	if err := ValidateIndirect(args, info.buffer.Elem, info.buffer.Usage); err != nil {
		return nil, err
	}
	return c.submit(p, DispatchDescriptor{Indirect: &args}, opts)
}

// Launch dispatches enough workgroups to cover threads invocations. A zero
// thread count in any dimension skips the dispatch and returns a signalled
// fence.
func (c *Context) Launch(p *PipelineState, threads [3]uint32, opts ...DispatchOption) (*Fence, error) {
	grid := GridFor(threads, p.WorkgroupSize())
	if emptyGrid(grid) {
		return SignalledFence(nil), nil
	}
	return c.Dispatch(p, grid, opts...)
}

// LaunchCapped is Launch with every grid dimension capped at
// MaxCappedWorkgroups.
func (c *Context) LaunchCapped(p *PipelineState, threads [3]uint32, opts ...DispatchOption) (*Fence, error) {
	grid := CappedGrid(threads, p.WorkgroupSize())
	if emptyGrid(grid) {
		return SignalledFence(nil), nil
	}
	return c.Dispatch(p, grid, opts...)
}

// submit runs the encoder checks and hands the dispatch to the backend.
func (c *Context) submit(p *PipelineState, d DispatchDescriptor, opts []DispatchOption) (*Fence, error) {
	d.Timestamps = c.stamps
	for _, opt := range opts {
		opt(&d)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return nil, err
	}
	if err := c.checkPipelineLocked(p); err != nil {
		return nil, err
	}
	bindings, err := p.beginDispatch()
	if err != nil {
		return nil, err
	}
	for _, bd := range bindings {
		if _, err := c.resourceLocked(bd.Handle); err != nil {
			return nil, err
		}
	}
	if d.Indirect != nil {
		if _, err := c.resourceLocked(d.Indirect.Buffer); err != nil {
			return nil, err
		}
	}
	d.Bindings = bindings

	b := c.Backend()
	if d.Timestamps && !b.Capabilities().Has(CapTimestamps) {
		d.Timestamps = false
	}
	f, err := b.Dispatch(p.handle, d)
	if err != nil {
		p.markFailed()
		return nil, c.noteError(err)
	}
	c.logger.Debug("gpgpu: dispatch", "pipeline", p.key.String(), "grid", d.Grid, "indirect", d.IsIndirect())
	p.dispatched(f)
	c.trackLocked(f, p)
	return f, nil
}

// trackLocked records f as in flight until it completes.
func (c *Context) trackLocked(f *Fence, p *PipelineState) {
	c.inflight[f] = p
	epoch := c.epoch
	go func() {
		<-f.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch == epoch {
			c.noteError(f.Err())
		}
		delete(c.inflight, f)
		c.idle.Broadcast()
	}()
}

// InFlight returns the number of dispatches that have not completed.
func (c *Context) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Timestamps returns the timestamps recorded for f. ok is false when the
// backend lacks CapTimestamps or the dispatch did not request them.
func (c *Context) Timestamps(f *Fence) (pair TimestampPair, ok bool, err error) {
	b := c.Backend()
	if !b.Capabilities().Has(CapTimestamps) {
		return TimestampPair{}, false, nil
	}
	pair, err = b.Timestamps(f)
	if errors.Is(err, ErrNoTimestamps) {
		return TimestampPair{}, false, nil
	}
	if err != nil {
		return TimestampPair{}, false, err
	}
	return pair, true, nil
}

// Wait blocks until every in-flight dispatch completes or ctx is done.
func (c *Context) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.idle.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.inflight) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.idle.Wait()
	}
	return nil
}

// Close waits for in-flight dispatches, bounded by ctx, then releases the
// backend. When ctx expires first Close returns its error and the Context
// stays open so that the caller can retry.
func (c *Context) Close(ctx context.Context) error {
	if err := c.Wait(ctx); err != nil {
		return fmt.Errorf("gpgpu: close: dispatches still in flight: %w", err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.resources = make(map[ResourceHandle]resourceInfo)
	b := c.Backend()
	c.mu.Unlock()

	c.cache.DestroyAll()
	err := b.Close(ctx)
	c.logger.Info("gpgpu: context closed", "label", c.label, "backend", b.Name())
	return err
}

// Reinitialize replaces the backend, typically after the Context was lost.
// Every handle and pipeline of the previous backend becomes stale. The old
// backend is closed with ctx; its errors are logged and otherwise ignored.
func (c *Context) Reinitialize(ctx context.Context, b Backend) error {
	if b == nil {
		return ErrNilBackend
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrContextClosed
	}
	old := c.Backend()
	c.backend.Store(&backendRef{b})
	c.resources = make(map[ResourceHandle]resourceInfo)
	c.inflight = make(map[*Fence]*PipelineState)
	c.lost = nil
	c.epoch++
	epoch := c.epoch
	c.idle.Broadcast()
	c.mu.Unlock()

	c.cache.DestroyAll()
	propagateLogger(b, c.logger)
	if err := old.Close(ctx); err != nil {
		c.logger.Warn("gpgpu: closing previous backend failed", "backend", old.Name(), "err", err)
	}
	c.logger.Info("gpgpu: context reinitialized", "label", c.label, "backend", b.Name(), "epoch", epoch)
	return nil
}
