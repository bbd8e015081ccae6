package gpgpu

import (
	"encoding/binary"
	"fmt"
)

// Indirect dispatch layout: three tightly packed little-endian uint32
// workgroup counts (x, y, z) at byte offsets 0, 4 and 8 from the argument
// offset. The offset must be 4-byte aligned.
const (
	IndirectArgsSize      = 12
	IndirectArgsAlignment = 4
)

// DispatchIndirectArgs is the host view of one indirect dispatch record.
type DispatchIndirectArgs struct {
	X, Y, Z uint32
}

// Bytes encodes the record in the indirect layout.
func (a DispatchIndirectArgs) Bytes() []byte {
	b := make([]byte, IndirectArgsSize)
	binary.LittleEndian.PutUint32(b[0:], a.X)
	binary.LittleEndian.PutUint32(b[4:], a.Y)
	binary.LittleEndian.PutUint32(b[8:], a.Z)
	return b
}

// Grid returns the record as a grid.
func (a DispatchIndirectArgs) Grid() [3]uint32 { return [3]uint32{a.X, a.Y, a.Z} }

// ParseIndirectArgs decodes a record from the first IndirectArgsSize bytes of b.
func ParseIndirectArgs(b []byte) (DispatchIndirectArgs, error) {
	if len(b) < IndirectArgsSize {
		return DispatchIndirectArgs{}, &InvalidDispatchError{Reason: fmt.Sprintf("indirect record needs %d bytes, have %d", IndirectArgsSize, len(b))}
	}
	return DispatchIndirectArgs{
		X: binary.LittleEndian.Uint32(b[0:]),
		Y: binary.LittleEndian.Uint32(b[4:]),
		Z: binary.LittleEndian.Uint32(b[8:]),
	}, nil
}

// IndirectArgsType is the canonical descriptor of an indirect record.
var IndirectArgsType TypeDescriptor = ArrayOf(U32, 3)

// indirectRecord reports whether t lays out exactly three packed u32.
func indirectRecord(t TypeDescriptor) bool {
	switch x := t.(type) {
	case Array:
		return x.Count == 3 && Equal(x.Elem, U32)
	case Vector:
		return x.Count == 3 && x.Elem == U32
	case Struct:
		if len(x.Fields) != 3 {
			return false
		}
		for _, f := range x.Fields {
			if !Equal(f.Type, U32) {
				return false
			}
		}
		return true
	}
	return false
}

// IndirectCompatible reports whether a buffer declaring element type t can
// hold indirect records: a single record, an array of records, or a flat
// runtime-sized array of u32.
func IndirectCompatible(t TypeDescriptor) bool {
	if b, ok := t.(Buffer); ok {
		t = b.Elem
	}
	if indirectRecord(t) {
		return true
	}
	if a, ok := t.(Array); ok {
		if indirectRecord(a.Elem) {
			return true
		}
		return a.Count == 0 && Equal(a.Elem, U32)
	}
	return false
}

// ValidateGrid checks that every dimension is in [1, MaxWorkgroupsPerDimension].
func ValidateGrid(grid [3]uint32, lim Limits) error {
	for i, v := range grid {
		if v == 0 {
			return &InvalidDispatchError{Reason: fmt.Sprintf("grid dimension %d is zero", i)}
		}
		if lim.MaxWorkgroupsPerDimension != 0 && v > lim.MaxWorkgroupsPerDimension {
			return &InvalidDispatchError{Reason: fmt.Sprintf("grid dimension %d is %d, limit is %d", i, v, lim.MaxWorkgroupsPerDimension)}
		}
	}
	return nil
}

// ValidateIndirect checks an indirect argument buffer. declared is the
// element type recorded at allocation (nil if none) and usage its usage
// flags.
func ValidateIndirect(args IndirectArgs, declared TypeDescriptor, usage BufferUsage) error {
	h := args.Buffer
	if h.Kind() != HandleBuffer {
		return &TypeMismatchError{Expected: IndirectArgsType, Reason: fmt.Sprintf("indirect arguments must live in a buffer, got %s", h.Kind())}
	}
	if args.Offset%IndirectArgsAlignment != 0 {
		return &InvalidDispatchError{Reason: fmt.Sprintf("indirect offset %d is not %d-byte aligned", args.Offset, IndirectArgsAlignment)}
	}
	if outOfRange(args.Offset, IndirectArgsSize, h.Size()) {
		return &InvalidDispatchError{Reason: fmt.Sprintf("indirect record at offset %d overruns buffer of %d bytes", args.Offset, h.Size())}
	}
	if declared != nil {
		if !IndirectCompatible(declared) {
			return &TypeMismatchError{Expected: IndirectArgsType, Got: declared, Reason: "buffer does not hold three packed u32 workgroup counts"}
		}
		return nil
	}
	if !usage.Has(BufferUsageIndirect) {
		return &TypeMismatchError{Expected: IndirectArgsType, Reason: "buffer has neither a declared element type nor indirect usage"}
	}
	return nil
}

// CopyBufferAlignment is the required alignment of buffer copy offsets
// and sizes.
const CopyBufferAlignment = 4

// ValidateCopy checks a buffer-to-buffer copy of size bytes.
func ValidateCopy(src ResourceHandle, srcOffset uint64, dst ResourceHandle, dstOffset, size uint64) error {
	if src.Kind() != HandleBuffer || dst.Kind() != HandleBuffer {
		return fmt.Errorf("%w: %s to %s is not a buffer copy", ErrInvalidCopy, src.Kind(), dst.Kind())
	}
	if srcOffset%CopyBufferAlignment != 0 || dstOffset%CopyBufferAlignment != 0 || size%CopyBufferAlignment != 0 {
		return fmt.Errorf("%w: offsets %d, %d and size %d must be %d-byte aligned", ErrInvalidCopy, srcOffset, dstOffset, size, CopyBufferAlignment)
	}
	if outOfRange(srcOffset, size, src.Size()) {
		return fmt.Errorf("%w: %d bytes at %d overrun source of %d bytes", ErrInvalidCopy, size, srcOffset, src.Size())
	}
	if outOfRange(dstOffset, size, dst.Size()) {
		return fmt.Errorf("%w: %d bytes at %d overrun destination of %d bytes", ErrInvalidCopy, size, dstOffset, dst.Size())
	}
	if src == dst && srcOffset < dstOffset+size && dstOffset < srcOffset+size {
		return fmt.Errorf("%w: ranges at %d and %d overlap in %s", ErrInvalidCopy, srcOffset, dstOffset, src)
	}
	return nil
}

// outOfRange reports whether n bytes at offset do not fit in size bytes.
func outOfRange(offset, n, size uint64) bool { return offset > size || n > size-offset }

// GridFor returns the number of workgroups needed to cover threads with
// workgroups of size wg, rounding up. A zero thread count yields a zero
// dimension.
func GridFor(threads, wg [3]uint32) [3]uint32 {
	var g [3]uint32
	for i := range g {
		w := max(wg[i], 1)
		g[i] = uint32((uint64(threads[i]) + uint64(w) - 1) / uint64(w))
	}
	return g
}

// CappedGrid is GridFor with each dimension capped at MaxCappedWorkgroups.
// Kernels launched this way must loop over the remaining threads.
func CappedGrid(threads, wg [3]uint32) [3]uint32 {
	g := GridFor(threads, wg)
	for i := range g {
		g[i] = min(g[i], MaxCappedWorkgroups)
	}
	return g
}

func emptyGrid(g [3]uint32) bool { return g[0] == 0 || g[1] == 0 || g[2] == 0 }
