package cpu

import (
	"encoding/binary"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/gogpu/gpgpu"
)

// KernelFunc is the Go body of a compute entry point. It is called once
// per invocation. Invocations of one workgroup run sequentially on one
// goroutine; workgroups run in parallel.
type KernelFunc func(inv Invocation, args *Args)

// Invocation identifies one invocation inside a dispatch, with the same
// meaning as the WGSL compute builtins.
type Invocation struct {
	GlobalID      [3]uint32
	LocalID       [3]uint32
	LocalIndex    uint32
	WorkgroupID   [3]uint32
	NumWorkgroups [3]uint32
	WorkgroupSize [3]uint32
}

// Image is a texture as seen by a kernel: tightly packed texels in row
// order.
type Image struct {
	Width  uint32
	Height uint32
	Depth  uint32
	Format gpgpu.TextureFormat
	Data   []byte
}

// Texel returns the bytes of the texel at (x, y, z).
func (im *Image) Texel(x, y, z uint32) []byte {
	bpt := uint64(im.Format.BytesPerTexel())
	i := ((uint64(z)*uint64(max(im.Height, 1))+uint64(y))*uint64(im.Width) + uint64(x)) * bpt
	return im.Data[i : i+bpt]
}

// Args gives a kernel access to the resources bound for one dispatch and
// to the pipeline's specialization constants.
//
// Buffer contents use the backend's layout rules, so element i of an
// array<f32> lives at byte 4*i. A buffer bound by range shows only that
// range. Out-of-range accesses panic, which fails the dispatch with a
// BackendError.
type Args struct {
	buffers   map[string][]byte
	textures  map[string]*Image
	constants map[string]float64
}

// Bytes returns the raw contents of the buffer bound to parameter name.
func (a *Args) Bytes(name string) []byte {
	b, ok := a.buffers[name]
	if !ok {
		panic("cpu: no buffer bound to " + name)
	}
	return b
}

// Texture returns the texture bound to parameter name.
func (a *Args) Texture(name string) *Image {
	t, ok := a.textures[name]
	if !ok {
		panic("cpu: no texture bound to " + name)
	}
	return t
}

// Constant returns the value of specialization constant name, or def when
// the pipeline did not set it.
func (a *Args) Constant(name string, def float64) float64 {
	if v, ok := a.constants[name]; ok {
		return v
	}
	return def
}

// Len returns the number of 4-byte words in buffer name.
func (a *Args) Len(name string) int { return len(a.Bytes(name)) / 4 }

func (a *Args) Uint32(name string, i int) uint32 {
	return binary.LittleEndian.Uint32(a.Bytes(name)[4*i:])
}

func (a *Args) SetUint32(name string, i int, v uint32) {
	binary.LittleEndian.PutUint32(a.Bytes(name)[4*i:], v)
}

func (a *Args) Int32(name string, i int) int32 { return int32(a.Uint32(name, i)) }

func (a *Args) SetInt32(name string, i int, v int32) { a.SetUint32(name, i, uint32(v)) }

func (a *Args) Float32(name string, i int) float32 {
	return math.Float32frombits(a.Uint32(name, i))
}

func (a *Args) SetFloat32(name string, i int, v float32) {
	a.SetUint32(name, i, math.Float32bits(v))
}

// AtomicAddUint32 adds delta to word i of buffer name and returns the new
// value, like WGSL atomicAdd on an atomic<u32> array.
func (a *Args) AtomicAddUint32(name string, i int, delta uint32) uint32 {
	b := a.Bytes(name)[4*i : 4*i+4]
	return atomic.AddUint32((*uint32)(unsafe.Pointer(&b[0])), delta)
}
