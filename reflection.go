// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpgpu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
)

// Slot identifies a parameter binding location (bind group and binding).
type Slot struct {
	Group   uint32
	Binding uint32
}

func (s Slot) String() string { return fmt.Sprintf("@group(%d) @binding(%d)", s.Group, s.Binding) }

func (s Slot) less(o Slot) bool {
	if s.Group != o.Group {
		return s.Group < o.Group
	}
	return s.Binding < o.Binding
}

// ParameterBinding describes one shader parameter of an entry point.
type ParameterBinding struct {
	Name string
	Slot Slot
	Type TypeDescriptor

	// Size is the fixed byte size of the parameter under the backend's
	// layout rules, excluding a trailing runtime-sized array.
	Size uint64

	// Align is the parameter's byte alignment.
	Align uint64

	// Rules are the layout rules Size and Align were computed with.
	Rules LayoutRules
}

// IsBuffer reports whether the parameter is backed by a buffer.
func (p ParameterBinding) IsBuffer() bool {
	_, ok := p.Type.(Buffer)
	return ok
}

// ReflectionTable is the ordered parameter list of one compiled entry point.
// Tables are immutable; slots are unique and sorted.
type ReflectionTable struct {
	entry     string
	workgroup [3]uint32
	params    []ParameterBinding
	bySlot    map[Slot]int
	byName    map[string]int
}

// NewReflectionTable validates and sorts params. It fails with a
// CompileError when two parameters share a slot.
func NewReflectionTable(entry string, workgroup [3]uint32, params []ParameterBinding) (*ReflectionTable, error) {
	sorted := make([]ParameterBinding, len(params))
	copy(sorted, params)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Slot.less(sorted[j].Slot) })

	t := &ReflectionTable{
		entry:     entry,
		workgroup: workgroup,
		params:    sorted,
		bySlot:    make(map[Slot]int, len(sorted)),
		byName:    make(map[string]int, len(sorted)),
	}
	for i, p := range sorted {
		if prev, dup := t.bySlot[p.Slot]; dup {
			return nil, &CompileError{
				Module:   entry,
				Messages: []string{fmt.Sprintf("%s bound twice (%s and %s)", p.Slot, sorted[prev].Name, p.Name)},
			}
		}
		t.bySlot[p.Slot] = i
		if p.Name != "" {
			t.byName[p.Name] = i
		}
	}
	return t, nil
}

// Entry returns the entry point name.
func (t *ReflectionTable) Entry() string { return t.entry }

// Workgroup returns the workgroup size declared by the shader.
func (t *ReflectionTable) Workgroup() [3]uint32 { return t.workgroup }

// Len returns the number of parameters.
func (t *ReflectionTable) Len() int { return len(t.params) }

// Params returns a copy of the parameters in slot order.
func (t *ReflectionTable) Params() []ParameterBinding {
	out := make([]ParameterBinding, len(t.params))
	copy(out, t.params)
	return out
}

// At returns the i-th parameter in slot order.
func (t *ReflectionTable) At(i int) ParameterBinding { return t.params[i] }

// BySlot looks up a parameter by slot.
func (t *ReflectionTable) BySlot(s Slot) (ParameterBinding, bool) {
	i, ok := t.bySlot[s]
	if !ok {
		return ParameterBinding{}, false
	}
	return t.params[i], true
}

// ByName looks up a parameter by name.
func (t *ReflectionTable) ByName(name string) (ParameterBinding, bool) {
	i, ok := t.byName[name]
	if !ok {
		return ParameterBinding{}, false
	}
	return t.params[i], true
}

// Slots returns every slot in order.
func (t *ReflectionTable) Slots() []Slot {
	out := make([]Slot, len(t.params))
	for i, p := range t.params {
		out[i] = p.Slot
	}
	return out
}

// MarshalBinary returns the canonical encoding of the table. Two tables
// describing the same parameters encode to identical bytes.
func (t *ReflectionTable) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	writeString(&buf, t.entry)
	for _, w := range t.workgroup {
		_ = binary.Write(&buf, binary.LittleEndian, w)
	}
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(t.params)))
	for _, p := range t.params {
		_ = binary.Write(&buf, binary.LittleEndian, p.Slot.Group)
		_ = binary.Write(&buf, binary.LittleEndian, p.Slot.Binding)
		writeString(&buf, p.Name)
		writeString(&buf, describe(WithLayout(p.Type, p.Rules)))
		_ = binary.Write(&buf, binary.LittleEndian, p.Size)
		_ = binary.Write(&buf, binary.LittleEndian, p.Align)
		buf.WriteByte(byte(p.Rules))
	}
	return buf.Bytes(), nil
}

// Hash returns an FNV-1a hash of the canonical encoding.
func (t *ReflectionTable) Hash() uint64 {
	data, _ := t.MarshalBinary()
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

// NewParameter returns a parameter whose size and alignment are computed
// with rules.
func NewParameter(name string, slot Slot, t TypeDescriptor, rules LayoutRules) ParameterBinding {
	t = WithLayout(t, rules)
	l := Layout(t, rules)
	return ParameterBinding{Name: name, Slot: slot, Type: t, Size: l.Size, Align: l.Align, Rules: rules}
}
