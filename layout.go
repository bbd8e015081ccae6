// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpgpu

import (
	"fmt"
	"strings"
)

// LayoutRules selects the packing rules used to place a type in memory.
type LayoutRules uint8

// Layout rule sets.
const (
	// LayoutStd430 packs storage buffers: natural vector alignment, vec3
	// aligned like vec4, array stride rounded to the element alignment.
	LayoutStd430 LayoutRules = iota

	// LayoutStd140 packs uniform buffers: like std430, but struct alignment
	// and array strides are rounded up to 16 bytes.
	LayoutStd140

	// LayoutHLSL packs DirectX constant buffers into 16-byte registers.
	// A member never straddles a register and aggregates start a register.
	LayoutHLSL

	// LayoutScalar is the C-natural host layout: alignment equals the
	// scalar width and vectors are tightly packed.
	LayoutScalar
)

func (r LayoutRules) String() string {
	switch r {
	case LayoutStd430:
		return "std430"
	case LayoutStd140:
		return "std140"
	case LayoutHLSL:
		return "hlsl"
	case LayoutScalar:
		return "scalar"
	}
	return fmt.Sprintf("LayoutRules(%d)", r)
}

// ParseLayoutRules returns the rule set with the given name.
func ParseLayoutRules(name string) (LayoutRules, error) {
	for _, r := range []LayoutRules{LayoutStd430, LayoutStd140, LayoutHLSL, LayoutScalar} {
		if strings.EqualFold(r.String(), name) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("gpgpu: unknown layout rules %q", name)
}

// TypeLayout is the memory footprint of a type.
//
// Size excludes the trailing runtime-sized array, if any; Stride is that
// array's element stride (or the element stride of a top-level array).
type TypeLayout struct {
	Size   uint64
	Align  uint64
	Stride uint64
}

const registerSize = 16

func roundUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

// scalarSize returns the byte size of a scalar. Booleans occupy four bytes
// on the device and one byte in Go memory.
func scalarSize(s Scalar, rules LayoutRules) uint64 {
	if s.Kind == ScalarBool {
		if rules == LayoutScalar {
			return 1
		}
		return 4
	}
	return uint64(s.Width)
}

func vectorLayout(v Vector, rules LayoutRules) TypeLayout {
	w := scalarSize(v.Elem, rules)
	size := w * uint64(v.Count)
	switch rules {
	case LayoutScalar, LayoutHLSL:
		return TypeLayout{Size: size, Align: w}
	}
	align := w * 2
	if v.Count > 2 {
		align = w * 4
	}
	return TypeLayout{Size: size, Align: align}
}

func matrixLayout(m Matrix, rules LayoutRules) TypeLayout {
	col := vectorLayout(Vector{Elem: m.Elem, Count: m.Rows}, rules)
	cols := uint64(m.Columns)
	switch rules {
	case LayoutStd140:
		stride := roundUp(col.Size, registerSize)
		return TypeLayout{Size: stride * cols, Align: registerSize, Stride: stride}
	case LayoutHLSL:
		return TypeLayout{Size: registerSize*(cols-1) + col.Size, Align: registerSize, Stride: registerSize}
	case LayoutScalar:
		return TypeLayout{Size: col.Size * cols, Align: col.Align, Stride: col.Size}
	}
	stride := roundUp(col.Size, col.Align)
	return TypeLayout{Size: stride * cols, Align: col.Align, Stride: stride}
}

func arrayLayout(a Array, rules LayoutRules) TypeLayout {
	el := Layout(a.Elem, rules)
	stride := roundUp(el.Size, el.Align)
	align := el.Align
	switch rules {
	case LayoutStd140:
		stride = roundUp(el.Size, registerSize)
		align = max(align, registerSize)
	case LayoutHLSL:
		stride = roundUp(el.Size, registerSize)
		align = registerSize
		if a.Count == 0 {
			return TypeLayout{Align: align, Stride: stride}
		}
		return TypeLayout{Size: stride*uint64(a.Count-1) + el.Size, Align: align, Stride: stride}
	}
	return TypeLayout{Size: stride * uint64(a.Count), Align: align, Stride: stride}
}

// isAggregate reports whether t starts a new HLSL register.
func isAggregate(t TypeDescriptor) bool {
	switch t.(type) {
	case Struct, Array, Matrix:
		return true
	}
	return false
}

// placeFields computes field offsets and the struct footprint.
func placeFields(s Struct, rules LayoutRules) ([]uint64, TypeLayout) {
	offsets := make([]uint64, len(s.Fields))
	var cur, align, tail uint64 = 0, 1, 0
	for i, f := range s.Fields {
		fl := Layout(f.Type, rules)
		off := roundUp(cur, fl.Align)
		if rules == LayoutHLSL {
			if isAggregate(f.Type) {
				off = roundUp(cur, registerSize)
			} else if fl.Size <= registerSize && off%registerSize+fl.Size > registerSize {
				off = roundUp(off, registerSize)
			}
		}
		offsets[i] = off
		cur = off + fl.Size
		if rules == LayoutHLSL && isAggregate(f.Type) {
			cur = roundUp(cur, registerSize)
		}
		align = max(align, fl.Align)
		if a, ok := f.Type.(Array); ok && a.Count == 0 {
			tail = fl.Stride
		}
	}
	if rules == LayoutStd140 || rules == LayoutHLSL {
		align = max(align, registerSize)
	}
	size := cur
	if rules != LayoutHLSL && tail == 0 {
		size = roundUp(cur, align)
	}
	return offsets, TypeLayout{Size: size, Align: align, Stride: tail}
}

// Layout returns the footprint of t under rules. Textures and samplers
// are opaque and have a zero layout.
func Layout(t TypeDescriptor, rules LayoutRules) TypeLayout {
	switch x := t.(type) {
	case Scalar:
		w := scalarSize(x, rules)
		return TypeLayout{Size: w, Align: w}
	case Vector:
		return vectorLayout(x, rules)
	case Matrix:
		return matrixLayout(x, rules)
	case Array:
		return arrayLayout(x, rules)
	case Struct:
		_, l := placeFields(x, rules)
		return l
	case Buffer:
		return Layout(x.Elem, rules)
	}
	return TypeLayout{}
}

// WithLayout returns t with every struct field offset recomputed under rules.
func WithLayout(t TypeDescriptor, rules LayoutRules) TypeDescriptor {
	switch x := t.(type) {
	case Array:
		return Array{Elem: WithLayout(x.Elem, rules), Count: x.Count}
	case Struct:
		offsets, _ := placeFields(x, rules)
		fields := make([]Field, len(x.Fields))
		for i, f := range x.Fields {
			fields[i] = Field{Name: f.Name, Offset: offsets[i], Type: WithLayout(f.Type, rules)}
		}
		return Struct{Name: x.Name, Fields: fields}
	case Buffer:
		return Buffer{Elem: WithLayout(x.Elem, rules), Space: x.Space, Access: x.Access}
	}
	return t
}

// layoutSignature encodes every offset, size and stride of t under rules.
// Alignment is left out: it only matters through the offsets it produces.
func layoutSignature(t TypeDescriptor, rules LayoutRules) string {
	var b strings.Builder
	writeSignature(&b, t, rules)
	return b.String()
}

func writeSignature(b *strings.Builder, t TypeDescriptor, rules LayoutRules) {
	l := Layout(t, rules)
	fmt.Fprintf(b, "(%d,%d", l.Size, l.Stride)
	switch x := t.(type) {
	case Array:
		writeSignature(b, x.Elem, rules)
	case Struct:
		offsets, _ := placeFields(x, rules)
		for i, f := range x.Fields {
			fmt.Fprintf(b, "@%d", offsets[i])
			writeSignature(b, f.Type, rules)
		}
	case Buffer:
		writeSignature(b, x.Elem, rules)
	}
	b.WriteByte(')')
}

// IsPOD reports whether t can be copied byte for byte between Go memory
// and a device laid out with rules. Types containing bool are never POD.
func IsPOD(t TypeDescriptor, rules LayoutRules) bool {
	if hasBool(t) {
		return false
	}
	if rules == LayoutScalar {
		return true
	}
	return layoutSignature(t, rules) == layoutSignature(t, LayoutScalar)
}

// MinBindingSize returns the smallest buffer that can back t under rules:
// the fixed part plus one element of a trailing runtime-sized array.
func MinBindingSize(t TypeDescriptor, rules LayoutRules) uint64 {
	if b, ok := t.(Buffer); ok {
		t = b.Elem
	}
	l := Layout(t, rules)
	switch x := t.(type) {
	case Array:
		if x.Count == 0 {
			return l.Stride
		}
	case Struct:
		if l.Stride != 0 {
			return l.Size + l.Stride
		}
	}
	return l.Size
}
