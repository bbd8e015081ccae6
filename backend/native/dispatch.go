package native

import (
	"context"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpgpu"
)

// Bind checks that h is a live resource of this backend whose kind fits
// the parameter at slot.
func (b *Backend) Bind(p gpgpu.PipelineHandle, slot gpgpu.Slot, h gpgpu.ResourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	pl, ok := b.pipelines[p.ID()]
	if !ok || !b.space.OwnsPipeline(p) {
		return fmt.Errorf("native: %w: %s", gpgpu.ErrStaleHandle, p)
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

// samplerLocked returns the shared filtering or comparison sampler,
// creating it on first use.
func (b *Backend) samplerLocked(comparison bool) (hal.Sampler, error) {
	i := 0
	if comparison {
		i = 1
	}
	if s := b.samplers[i]; s != nil {
		return s, nil
	}
	desc := &hal.SamplerDescriptor{
		Label:        "gpgpu_sampler",
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeLinear,
		MinFilter:    gputypes.FilterModeLinear,
		MipmapFilter: gputypes.FilterModeLinear,
	}
	if comparison {
		desc.Label = "gpgpu_comparison_sampler"
		desc.Compare = gputypes.CompareFunctionLess
	}
	s, err := b.device.CreateSampler(desc)
	if err != nil {
		return nil, err
	}
	b.samplers[i] = s
	return s, nil
}

// bindGroupsLocked creates one bind group per layout group of pl from the
// bindings of d. Samplers are filled in by the backend.
func (b *Backend) bindGroupsLocked(pl *pipeline, d gpgpu.DispatchDescriptor) ([]hal.BindGroup, error) {
	bound := make(map[gpgpu.Slot]gpgpu.Binding, len(d.Bindings))
	for _, bd := range d.Bindings {
		bound[bd.Slot] = bd
	}
	entries := make([][]gputypes.BindGroupEntry, len(pl.groups))
	var missing []gpgpu.ParameterBinding
	for _, p := range pl.table.Params() {
		var res gputypes.BindingResource
		switch t := p.Type.(type) {
		case gpgpu.Sampler:
			s, err := b.samplerLocked(t.Comparison)
			if err != nil {
				return nil, b.backendErr("create sampler", err)
			}
			res = gputypes.SamplerBinding{Sampler: s.NativeHandle()}
		default:
			bd, ok := bound[p.Slot]
			if !ok {
				missing = append(missing, p)
				continue
			}
			h := bd.Handle
			switch h.Kind() {
			case gpgpu.HandleBuffer:
				buf, err := b.bufferLocked(h)
				if err != nil {
					return nil, err
				}
				offset, size, err := bindingRange(buf, bd)
				if err != nil {
					return nil, err
				}
				res = gputypes.BufferBinding{Buffer: buf.raw.NativeHandle(), Offset: offset, Size: size}
			case gpgpu.HandleTexture:
				tex, ok := b.textures[h.ID()]
				if !ok || !b.space.Owns(h) {
					return nil, &gpgpu.StaleHandleError{Handle: h}
				}
				res = gputypes.TextureViewBinding{TextureView: tex.view.NativeHandle()}
			default:
				return nil, &gpgpu.StaleHandleError{Handle: h}
			}
		}
		entries[p.Slot.Group] = append(entries[p.Slot.Group], gputypes.BindGroupEntry{Binding: p.Slot.Binding, Resource: res})
	}
	if len(missing) > 0 {
		e := &gpgpu.MissingBindingError{Entry: pl.entry}
		for _, p := range missing {
			e.Slots = append(e.Slots, p.Slot)
			e.Names = append(e.Names, p.Name)
		}
		return nil, e
	}

	groups := make([]hal.BindGroup, 0, len(pl.groups))
	for i, layout := range pl.groups {
		bg, err := b.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   fmt.Sprintf("%s/group%d", pl.entry, i),
			Layout:  layout,
			Entries: entries[i],
		})
		if err != nil {
			for _, g := range groups {
				b.device.DestroyBindGroup(g)
			}
			return nil, b.backendErr("create bind group", err)
		}
		groups = append(groups, bg)
	}
	return groups, nil
}

// bindingRange returns the byte range of buf selected by bd. A binding of
// the whole buffer covers its word-rounded allocation.
func bindingRange(buf *buffer, bd gpgpu.Binding) (offset, size uint64, err error) {
	offset, size = bd.Offset, bd.Size
	if offset == 0 && (size == 0 || size == buf.desc.Size) {
		return 0, buf.size, nil
	}
	if size == 0 && offset <= buf.desc.Size {
		size = buf.desc.Size - offset
	}
	if err := checkRange("bind", offset, size, buf.desc.Size); err != nil {
		return 0, 0, err
	}
	return offset, size, nil
}

// Dispatch records one compute pass and submits it. The returned fence
// signals when the queue reports the submission complete.
func (b *Backend) Dispatch(p gpgpu.PipelineHandle, d gpgpu.DispatchDescriptor) (*gpgpu.Fence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, b.backendErr("dispatch", ErrClosed)
	}
	pl, ok := b.pipelines[p.ID()]
	if !ok || !b.space.OwnsPipeline(p) {
		return nil, fmt.Errorf("native: %w: %s", gpgpu.ErrStaleHandle, p)
	}

	var indirect *buffer
	if d.Indirect != nil {
		if err := gpgpu.Require(b, gpgpu.CapIndirectDispatch, "dispatch indirect"); err != nil {
			return nil, err
		}
		buf, err := b.bufferLocked(d.Indirect.Buffer)
		if err != nil {
			return nil, err
		}
		if d.Indirect.Offset%gpgpu.IndirectArgsAlignment != 0 {
			return nil, &gpgpu.InvalidDispatchError{Reason: fmt.Sprintf("indirect offset %d is not %d-byte aligned", d.Indirect.Offset, gpgpu.IndirectArgsAlignment)}
		}
		if err := checkRange("indirect read", d.Indirect.Offset, gpgpu.IndirectArgsSize, buf.desc.Size); err != nil {
			return nil, err
		}
		indirect = buf
	}

	groups, err := b.bindGroupsLocked(pl, d)
	if err != nil {
		return nil, err
	}
	release := func() {
		for _, g := range groups {
			b.device.DestroyBindGroup(g)
		}
	}

	label := pl.entry
	if d.Label != "" {
		label = d.Label
	}
	encoder, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		release()
		return nil, b.backendErr("create command encoder", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		release()
		return nil, b.backendErr("begin encoding", err)
	}
	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: label})
	pass.SetPipeline(pl.raw)
	for i, g := range groups {
		pass.SetBindGroup(uint32(i), g, nil)
	}
	if indirect != nil {
		pass.DispatchIndirect(indirect.raw, d.Indirect.Offset)
	} else {
		pass.Dispatch(d.Grid[0], d.Grid[1], d.Grid[2])
	}
	pass.End()
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		release()
		return nil, b.backendErr("end encoding", err)
	}

	f := gpgpu.NewFence()
	err = b.tracker.submit([]hal.CommandBuffer{cmdBuf}, f, func() {
		b.device.FreeCommandBuffer(cmdBuf)
		release()
	})
	if err != nil {
		b.device.FreeCommandBuffer(cmdBuf)
		release()
		return nil, b.backendErr("submit "+label, err)
	}
	b.log().Debug("native: dispatch submitted", "entry", pl.entry, "grid", d.Grid, "indirect", indirect != nil)
	return f, nil
}

// Timestamps is not supported: the backend does not advertise
// CapTimestamps.
func (b *Backend) Timestamps(*gpgpu.Fence) (gpgpu.TimestampPair, error) {
	if err := gpgpu.Require(b, gpgpu.CapTimestamps, "read timestamps"); err != nil {
		return gpgpu.TimestampPair{}, err
	}
	return gpgpu.TimestampPair{}, gpgpu.ErrNoTimestamps
}

// Pending returns the number of submissions the device has not finished.
func (b *Backend) Pending() int { return b.tracker.outstanding() }

// Close waits for the device to go idle, bounded by ctx, and destroys
// every object the backend created. A device opened by Open is destroyed
// too.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.tracker.idle(ctx); err != nil {
		return b.backendErr("close", err)
	}
	if err := b.tracker.close(b.device); err != nil {
		b.log().Warn("native: wait idle failed", "err", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, pl := range b.pipelines {
		b.destroyPipeline(pl)
		delete(b.pipelines, id)
	}
	for id, buf := range b.buffers {
		b.device.DestroyBuffer(buf.raw)
		delete(b.buffers, id)
	}
	for id, tex := range b.textures {
		b.device.DestroyTextureView(tex.view)
		b.device.DestroyTexture(tex.raw)
		delete(b.textures, id)
	}
	for i, s := range b.samplers {
		if s != nil {
			b.device.DestroySampler(s)
			b.samplers[i] = nil
		}
	}
	if b.release != nil {
		b.release()
		b.release = nil
	}
	b.log().Debug("native: backend closed", "name", b.name)
	return nil
}
