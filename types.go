// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpgpu

import (
	"fmt"
	"strings"
)

// TypeDescriptor is the structural description of a shader parameter type.
//
// The set of implementations is closed: Scalar, Vector, Matrix, Array,
// Struct, Buffer, Texture and Sampler. Descriptors are immutable values;
// functions that change layout return new descriptors.
type TypeDescriptor interface {
	// String returns a stable WGSL-like spelling of the type.
	String() string

	typeDescriptor()
}

// ScalarKind is the numeric class of a scalar.
type ScalarKind uint8

// Scalar kinds.
const (
	ScalarSint ScalarKind = iota
	ScalarUint
	ScalarFloat
	ScalarBool
)

// Scalar is a single numeric or boolean value. Width is in bytes.
type Scalar struct {
	Kind  ScalarKind
	Width uint8
}

// Common scalars.
var (
	F32  = Scalar{Kind: ScalarFloat, Width: 4}
	F64  = Scalar{Kind: ScalarFloat, Width: 8}
	I32  = Scalar{Kind: ScalarSint, Width: 4}
	I64  = Scalar{Kind: ScalarSint, Width: 8}
	U32  = Scalar{Kind: ScalarUint, Width: 4}
	U64  = Scalar{Kind: ScalarUint, Width: 8}
	Bool = Scalar{Kind: ScalarBool, Width: 1}
)

func (Scalar) typeDescriptor() {}

func (s Scalar) String() string {
	switch s.Kind {
	case ScalarBool:
		return "bool"
	case ScalarSint:
		return fmt.Sprintf("i%d", int(s.Width)*8)
	case ScalarUint:
		return fmt.Sprintf("u%d", int(s.Width)*8)
	case ScalarFloat:
		return fmt.Sprintf("f%d", int(s.Width)*8)
	}
	return fmt.Sprintf("scalar(%d,%d)", s.Kind, s.Width)
}

// Vector is a short fixed vector of scalars.
type Vector struct {
	Elem  Scalar
	Count uint8
}

func (Vector) typeDescriptor() {}

func (v Vector) String() string { return fmt.Sprintf("vec%d<%s>", v.Count, v.Elem) }

// Matrix is a column-major matrix of Columns vectors, each Rows long.
type Matrix struct {
	Elem    Scalar
	Columns uint8
	Rows    uint8
}

func (Matrix) typeDescriptor() {}

func (m Matrix) String() string { return fmt.Sprintf("mat%dx%d<%s>", m.Columns, m.Rows, m.Elem) }

// Array is a sequence of Elem. Count 0 marks a runtime-sized array.
type Array struct {
	Elem  TypeDescriptor
	Count uint32
}

func (Array) typeDescriptor() {}

// RuntimeSized reports whether the array length is only known at bind time.
func (a Array) RuntimeSized() bool { return a.Count == 0 }

func (a Array) String() string {
	if a.Count == 0 {
		return fmt.Sprintf("array<%s>", describe(a.Elem))
	}
	return fmt.Sprintf("array<%s, %d>", describe(a.Elem), a.Count)
}

// Field is a named struct member at an explicit byte offset.
type Field struct {
	Name   string
	Offset uint64
	Type   TypeDescriptor
}

// Struct is an ordered list of fields.
type Struct struct {
	Name   string
	Fields []Field
}

func (Struct) typeDescriptor() {}

func (s Struct) String() string {
	var b strings.Builder
	b.WriteString("struct")
	if s.Name != "" {
		b.WriteByte(' ')
		b.WriteString(s.Name)
	}
	b.WriteString(" {")
	for i, f := range s.Fields {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, " %s: %s @%d", f.Name, describe(f.Type), f.Offset)
	}
	b.WriteString(" }")
	return b.String()
}

// AddressSpace is the memory space of a buffer parameter.
type AddressSpace uint8

// Address spaces.
const (
	SpaceStorage AddressSpace = iota
	SpaceUniform
)

func (s AddressSpace) String() string {
	if s == SpaceUniform {
		return "uniform"
	}
	return "storage"
}

// Access is the access mode of a storage buffer.
type Access uint8

// Access modes.
const (
	AccessRead Access = iota
	AccessReadWrite
)

func (a Access) String() string {
	if a == AccessReadWrite {
		return "read_write"
	}
	return "read"
}

// Buffer is a buffer parameter holding one Elem.
type Buffer struct {
	Elem   TypeDescriptor
	Space  AddressSpace
	Access Access
}

func (Buffer) typeDescriptor() {}

func (b Buffer) String() string {
	if b.Space == SpaceUniform {
		return fmt.Sprintf("uniform<%s>", describe(b.Elem))
	}
	return fmt.Sprintf("storage<%s, %s>", describe(b.Elem), b.Access)
}

// TextureDims is the dimensionality of a texture.
type TextureDims uint8

// Texture dimensionalities.
const (
	Texture1D TextureDims = iota
	Texture2D
	Texture3D
	TextureCube
)

func (d TextureDims) String() string {
	switch d {
	case Texture1D:
		return "1d"
	case Texture2D:
		return "2d"
	case Texture3D:
		return "3d"
	case TextureCube:
		return "cube"
	}
	return fmt.Sprintf("dims(%d)", d)
}

// TextureClass is how a shader accesses a texture.
type TextureClass uint8

// Texture classes.
const (
	TextureSampled TextureClass = iota
	TextureDepth
	TextureStorage
)

// TextureFormat is a texel format.
type TextureFormat uint8

// Texture formats. FormatAny matches every format when binding.
const (
	FormatAny TextureFormat = iota
	FormatRGBA8Unorm
	FormatBGRA8Unorm
	FormatR32Float
	FormatRGBA32Float
	FormatR32Uint
)

var formatNames = [...]string{
	FormatAny:         "any",
	FormatRGBA8Unorm:  "rgba8unorm",
	FormatBGRA8Unorm:  "bgra8unorm",
	FormatR32Float:    "r32float",
	FormatRGBA32Float: "rgba32float",
	FormatR32Uint:     "r32uint",
}

func (f TextureFormat) String() string {
	if int(f) < len(formatNames) {
		return formatNames[f]
	}
	return fmt.Sprintf("format(%d)", f)
}

// BytesPerTexel returns the size of one texel, or 0 for FormatAny.
func (f TextureFormat) BytesPerTexel() int {
	switch f {
	case FormatRGBA8Unorm, FormatBGRA8Unorm, FormatR32Float, FormatR32Uint:
		return 4
	case FormatRGBA32Float:
		return 16
	}
	return 0
}

// Texture is a texture parameter.
type Texture struct {
	Dims    TextureDims
	Format  TextureFormat
	Arrayed bool
	Class   TextureClass
}

func (Texture) typeDescriptor() {}

func (t Texture) String() string {
	prefix := "texture"
	switch t.Class {
	case TextureDepth:
		prefix = "texture_depth"
	case TextureStorage:
		prefix = "texture_storage"
	}
	arr := ""
	if t.Arrayed {
		arr = "_array"
	}
	return fmt.Sprintf("%s_%s%s<%s>", prefix, t.Dims, arr, t.Format)
}

// Sampler is a sampler parameter.
type Sampler struct {
	Comparison bool
}

func (Sampler) typeDescriptor() {}

func (s Sampler) String() string {
	if s.Comparison {
		return "sampler_comparison"
	}
	return "sampler"
}

// Vec returns a vector descriptor.
func Vec(elem Scalar, n uint8) Vector { return Vector{Elem: elem, Count: n} }

// ArrayOf returns an array descriptor.
func ArrayOf(elem TypeDescriptor, n uint32) Array { return Array{Elem: elem, Count: n} }

// StructOf returns a struct descriptor whose field offsets are computed
// with rules.
func StructOf(name string, rules LayoutRules, fields ...Field) Struct {
	s := Struct{Name: name, Fields: fields}
	return WithLayout(s, rules).(Struct)
}

// StorageOf returns a storage buffer descriptor.
func StorageOf(elem TypeDescriptor, access Access) Buffer {
	return Buffer{Elem: elem, Space: SpaceStorage, Access: access}
}

// UniformOf returns a uniform buffer descriptor.
func UniformOf(elem TypeDescriptor) Buffer {
	return Buffer{Elem: elem, Space: SpaceUniform}
}

// Equal reports whether a and b describe the same structure.
//
// Offsets are ignored; use LayoutEqual to also compare memory layout.
// Field names are compared case-insensitively when both sides name the field.
// A runtime-sized array on either side matches an array of any count.
func Equal(a, b TypeDescriptor) bool {
	return equal(a, b, false, false)
}

// LayoutEqual reports whether a and b are structurally equal and record the
// same field offsets.
func LayoutEqual(a, b TypeDescriptor) bool {
	return equal(a, b, true, false)
}

// Accepts reports whether a device parameter of type device can hold a
// host value of type host. It is Equal, except that only the device side
// may be runtime-sized: a runtime-sized host array does not fit a
// fixed-size device array.
func Accepts(device, host TypeDescriptor) bool {
	return equal(device, host, false, true)
}

func equal(a, b TypeDescriptor, offsets, directed bool) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case Scalar:
		y, ok := b.(Scalar)
		return ok && x == y
	case Vector:
		y, ok := b.(Vector)
		return ok && x == y
	case Matrix:
		y, ok := b.(Matrix)
		return ok && x == y
	case Array:
		y, ok := b.(Array)
		if !ok {
			return false
		}
		if directed {
			if x.Count != 0 && y.Count != x.Count {
				return false
			}
		} else if x.Count != 0 && y.Count != 0 && x.Count != y.Count {
			return false
		}
		return equal(x.Elem, y.Elem, offsets, directed)
	case Struct:
		y, ok := b.(Struct)
		if !ok || len(x.Fields) != len(y.Fields) {
			return false
		}
		for i := range x.Fields {
			fx, fy := x.Fields[i], y.Fields[i]
			if fx.Name != "" && fy.Name != "" && !strings.EqualFold(fx.Name, fy.Name) {
				return false
			}
			if offsets && fx.Offset != fy.Offset {
				return false
			}
			if !equal(fx.Type, fy.Type, offsets, directed) {
				return false
			}
		}
		return true
	case Buffer:
		y, ok := b.(Buffer)
		return ok && x.Space == y.Space && x.Access == y.Access && equal(x.Elem, y.Elem, offsets, directed)
	case Texture:
		y, ok := b.(Texture)
		if !ok || x.Dims != y.Dims || x.Arrayed != y.Arrayed || x.Class != y.Class {
			return false
		}
		return x.Format == FormatAny || y.Format == FormatAny || x.Format == y.Format
	case Sampler:
		y, ok := b.(Sampler)
		return ok && x == y
	}
	return false
}

// Contains reports whether t or any nested type satisfies pred.
func Contains(t TypeDescriptor, pred func(TypeDescriptor) bool) bool {
	if t == nil {
		return false
	}
	if pred(t) {
		return true
	}
	switch x := t.(type) {
	case Array:
		return Contains(x.Elem, pred)
	case Struct:
		for _, f := range x.Fields {
			if Contains(f.Type, pred) {
				return true
			}
		}
	case Buffer:
		return Contains(x.Elem, pred)
	}
	return false
}

func hasBool(t TypeDescriptor) bool {
	return Contains(t, func(t TypeDescriptor) bool {
		switch x := t.(type) {
		case Scalar:
			return x.Kind == ScalarBool
		case Vector:
			return x.Elem.Kind == ScalarBool
		}
		return false
	})
}
