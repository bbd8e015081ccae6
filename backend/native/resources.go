package native

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpgpu"
)

// AllocateBuffer creates a device buffer. Sizes are rounded up to whole
// words, the copy granularity of every HAL backend.
func (b *Backend) AllocateBuffer(desc gpgpu.BufferDescriptor) (gpgpu.ResourceHandle, error) {
	if err := gpgpu.Require(b, gpgpu.CapBufferReadWrite, "allocate buffer"); err != nil {
		return gpgpu.ResourceHandle{}, err
	}
	if b.limits.MaxBufferSize != 0 && desc.Size > b.limits.MaxBufferSize {
		return gpgpu.ResourceHandle{}, fmt.Errorf("native: buffer %q of %d bytes exceeds the %d byte limit", desc.Label, desc.Size, b.limits.MaxBufferSize)
	}
	size := max((desc.Size+3)&^3, 4)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return gpgpu.ResourceHandle{}, b.backendErr("allocate buffer", ErrClosed)
	}
	raw, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  size,
		Usage: bufferUsage(desc),
	})
	if err != nil {
		return gpgpu.ResourceHandle{}, b.backendErr("allocate buffer "+desc.Label, err)
	}
	h := b.space.Buffer(desc.Size)
	b.buffers[h.ID()] = &buffer{desc: desc, raw: raw, size: size}
	return h, nil
}

// AllocateTexture creates a device texture and its default view.
func (b *Backend) AllocateTexture(desc gpgpu.TextureDescriptor) (gpgpu.ResourceHandle, error) {
	size := desc.ByteSize()
	if size == 0 {
		return gpgpu.ResourceHandle{}, fmt.Errorf("native: texture %q has zero size (%dx%d %s)", desc.Label, desc.Width, desc.Height, desc.Format)
	}
	format, err := textureFormat(desc.Format)
	if err != nil {
		return gpgpu.ResourceHandle{}, err
	}
	depth := max(desc.Depth, 1)
	if desc.Dims == gpgpu.TextureCube && depth%6 != 0 {
		return gpgpu.ResourceHandle{}, fmt.Errorf("native: cube texture %q needs a multiple of 6 layers, got %d", desc.Label, depth)
	}
	arrayed := desc.Dims == gpgpu.Texture2D && depth > 1 || desc.Dims == gpgpu.TextureCube && depth > 6

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return gpgpu.ResourceHandle{}, b.backendErr("allocate texture", ErrClosed)
	}
	raw, err := b.device.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: max(desc.Height, 1), DepthOrArrayLayers: depth},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     textureDimension(desc.Dims),
		Format:        format,
		Usage:         textureUsage(desc.Usage),
	})
	if err != nil {
		return gpgpu.ResourceHandle{}, b.backendErr("allocate texture "+desc.Label, err)
	}
	view, err := b.device.CreateTextureView(raw, &hal.TextureViewDescriptor{
		Label:         desc.Label,
		Format:        format,
		Dimension:     viewDimension(desc.Dims, arrayed),
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		b.device.DestroyTexture(raw)
		return gpgpu.ResourceHandle{}, b.backendErr("create texture view "+desc.Label, err)
	}
	h := b.space.Texture(size)
	b.textures[h.ID()] = &texture{desc: desc, raw: raw, view: view}
	return h, nil
}

// Free releases h. The device objects are destroyed once work already
// submitted has completed.
func (b *Backend) Free(h gpgpu.ResourceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.space.Owns(h) {
		return &gpgpu.StaleHandleError{Handle: h}
	}
	switch h.Kind() {
	case gpgpu.HandleBuffer:
		if buf, ok := b.buffers[h.ID()]; ok {
			delete(b.buffers, h.ID())
			b.tracker.after(nil, func() { b.device.DestroyBuffer(buf.raw) })
			return nil
		}
	case gpgpu.HandleTexture:
		if tex, ok := b.textures[h.ID()]; ok {
			delete(b.textures, h.ID())
			b.tracker.after(nil, func() {
				b.device.DestroyTextureView(tex.view)
				b.device.DestroyTexture(tex.raw)
			})
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

func (b *Backend) buffer(h gpgpu.ResourceHandle) (*buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, b.backendErr("buffer access", ErrClosed)
	}
	return b.bufferLocked(h)
}

func checkRange(op string, offset, length, size uint64) error {
	if offset > size || length > size-offset {
		return &gpgpu.InvalidDispatchError{Reason: fmt.Sprintf("%s of %d bytes at offset %d exceeds buffer of %d bytes", op, length, offset, size)}
	}
	return nil
}

// WriteBuffer writes data through the queue. The write is ordered before
// every dispatch submitted after it.
func (b *Backend) WriteBuffer(h gpgpu.ResourceHandle, offset uint64, data []byte) error {
	buf, err := b.buffer(h)
	if err != nil {
		return err
	}
	if err := checkRange("write", offset, uint64(len(data)), buf.desc.Size); err != nil {
		return err
	}
	if offset%4 != 0 || len(data)%4 != 0 {
		return fmt.Errorf("%w: %d bytes at offset %d", ErrUnaligned, len(data), offset)
	}
	if err := b.queue.WriteBuffer(buf.raw, offset, data); err != nil {
		return b.backendErr("write buffer "+buf.desc.Label, err)
	}
	return nil
}

// ReadBuffer waits for submitted work, bounded by ctx, and copies the
// range out. Host-visible buffers are mapped directly; others are copied
// through a staging buffer first.
func (b *Backend) ReadBuffer(ctx context.Context, h gpgpu.ResourceHandle, offset, length uint64) ([]byte, error) {
	buf, err := b.buffer(h)
	if err != nil {
		return nil, err
	}
	if err := checkRange("read", offset, length, buf.desc.Size); err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}
	if err := b.tracker.idle(ctx); err != nil {
		return nil, err
	}

	out, err := b.mapRead(buf.raw, offset, length, 0)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, hal.ErrInvalidMapRange) {
		return nil, b.backendErr("read buffer "+buf.desc.Label, err)
	}
	b.log().Debug("native: staging read", "buffer", buf.desc.Label, "bytes", length)
	return b.stagedRead(ctx, buf, offset, length)
}

// mapRead copies length bytes at offset+skip out of a mapped buffer.
func (b *Backend) mapRead(raw hal.Buffer, offset, length, skip uint64) ([]byte, error) {
	m, err := b.device.MapBuffer(raw, offset, length+skip)
	if err != nil {
		return nil, err
	}
	defer func() { _ = b.device.UnmapBuffer(raw) }()
	src := unsafe.Slice((*byte)(m.Ptr), length+skip)
	return append([]byte(nil), src[skip:]...), nil
}

func (b *Backend) stagedRead(ctx context.Context, buf *buffer, offset, length uint64) ([]byte, error) {
	start := offset &^ 3
	size := (offset + length + 3) &^ 3
	size -= start
	staging, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: buf.desc.Label + "/staging",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, b.backendErr("create staging buffer", err)
	}

	encoder, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "readback"})
	if err != nil {
		b.device.DestroyBuffer(staging)
		return nil, b.backendErr("create command encoder", err)
	}
	if err := encoder.BeginEncoding("readback"); err != nil {
		b.device.DestroyBuffer(staging)
		return nil, b.backendErr("begin encoding", err)
	}
	encoder.CopyBufferToBuffer(buf.raw, staging, []hal.BufferCopy{{SrcOffset: start, DstOffset: 0, Size: size}})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		b.device.DestroyBuffer(staging)
		return nil, b.backendErr("end encoding", err)
	}

	f := gpgpu.NewFence()
	if err := b.tracker.submit([]hal.CommandBuffer{cmdBuf}, f, func() { b.device.FreeCommandBuffer(cmdBuf) }); err != nil {
		b.device.FreeCommandBuffer(cmdBuf)
		b.device.DestroyBuffer(staging)
		return nil, b.backendErr("submit readback", err)
	}
	if err := f.Wait(ctx); err != nil {
		b.tracker.after(nil, func() { b.device.DestroyBuffer(staging) })
		return nil, err
	}
	defer b.device.DestroyBuffer(staging)
	out, err := b.mapRead(staging, 0, length, offset-start)
	if err != nil {
		return nil, b.backendErr("map staging buffer", err)
	}
	return out, nil
}

// CopyBuffer records a buffer-to-buffer copy and submits it. The returned
// fence signals when the queue reports the submission complete.
func (b *Backend) CopyBuffer(src gpgpu.ResourceHandle, srcOffset uint64, dst gpgpu.ResourceHandle, dstOffset, size uint64) (*gpgpu.Fence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, b.backendErr("copy buffer", ErrClosed)
	}
	from, err := b.bufferLocked(src)
	if err != nil {
		return nil, err
	}
	to, err := b.bufferLocked(dst)
	if err != nil {
		return nil, err
	}
	if err := checkRange("copy read", srcOffset, size, from.desc.Size); err != nil {
		return nil, err
	}
	if err := checkRange("copy write", dstOffset, size, to.desc.Size); err != nil {
		return nil, err
	}
	if srcOffset%4 != 0 || dstOffset%4 != 0 || size%4 != 0 {
		return nil, fmt.Errorf("%w: copy of %d bytes from %d to %d", ErrUnaligned, size, srcOffset, dstOffset)
	}

	label := from.desc.Label + "->" + to.desc.Label
	encoder, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, b.backendErr("create command encoder", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return nil, b.backendErr("begin encoding", err)
	}
	encoder.CopyBufferToBuffer(from.raw, to.raw, []hal.BufferCopy{{SrcOffset: srcOffset, DstOffset: dstOffset, Size: size}})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return nil, b.backendErr("end encoding", err)
	}

	f := gpgpu.NewFence()
	if err := b.tracker.submit([]hal.CommandBuffer{cmdBuf}, f, func() { b.device.FreeCommandBuffer(cmdBuf) }); err != nil {
		b.device.FreeCommandBuffer(cmdBuf)
		return nil, b.backendErr("submit copy "+label, err)
	}
	b.log().Debug("native: buffer copy submitted", "src", from.desc.Label, "dst", to.desc.Label, "bytes", size)
	return f, nil
}

// WriteTexture replaces the texture contents through the queue.
func (b *Backend) WriteTexture(h gpgpu.ResourceHandle, data []byte) error {
	b.mu.Lock()
	tex, ok := b.textures[h.ID()]
	owned := b.space.Owns(h) && h.Kind() == gpgpu.HandleTexture
	b.mu.Unlock()
	if !ok || !owned {
		return &gpgpu.StaleHandleError{Handle: h}
	}
	d := tex.desc
	if want := d.ByteSize(); uint64(len(data)) != want {
		return &gpgpu.TypeMismatchError{Reason: fmt.Sprintf("texture data is %d bytes, want %d", len(data), want)}
	}
	height, depth := max(d.Height, 1), max(d.Depth, 1)
	err := b.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: tex.raw, MipLevel: 0, Aspect: gputypes.TextureAspectAll},
		data,
		&hal.ImageDataLayout{Offset: 0, BytesPerRow: d.Width * uint32(d.Format.BytesPerTexel()), RowsPerImage: height},
		&hal.Extent3D{Width: d.Width, Height: height, DepthOrArrayLayers: depth},
	)
	if err != nil {
		return b.backendErr("write texture "+d.Label, err)
	}
	return nil
}
