package gpgpu

import (
	"fmt"
	"reflect"
	"sort"
)

// BoundValue is a handle recorded against a slot, with the host descriptor
// it was validated with and the bound byte range.
type BoundValue struct {
	Handle ResourceHandle
	Type   TypeDescriptor
	Offset uint64
	Size   uint64
}

// BindingTable maps slots to bound resources for one PipelineState.
// It is not safe for concurrent use; PipelineState guards it.
type BindingTable struct {
	entries map[Slot]BoundValue
}

func newBindingTable() *BindingTable {
	return &BindingTable{entries: make(map[Slot]BoundValue)}
}

// Get returns the value bound at slot.
func (t *BindingTable) Get(slot Slot) (BoundValue, bool) {
	v, ok := t.entries[slot]
	return v, ok
}

// Len returns the number of bound slots.
func (t *BindingTable) Len() int { return len(t.entries) }

func (t *BindingTable) set(slot Slot, v BoundValue) { t.entries[slot] = v }

func (t *BindingTable) remove(slot Slot) { delete(t.entries, slot) }

// Snapshot returns the bindings in slot order.
func (t *BindingTable) Snapshot() []Binding {
	out := make([]Binding, 0, len(t.entries))
	for s, v := range t.entries {
		out = append(out, Binding{Slot: s, Handle: v.Handle, Offset: v.Offset, Size: v.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot.less(out[j].Slot) })
	return out
}

// Unbound returns the parameters of table that have no binding. Samplers
// are supplied by the backend and never need one.
func (t *BindingTable) Unbound(table *ReflectionTable) []ParameterBinding {
	var missing []ParameterBinding
	for i := 0; i < table.Len(); i++ {
		p := table.At(i)
		if _, ok := p.Type.(Sampler); ok {
			continue
		}
		if _, ok := t.entries[p.Slot]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// CheckBinding validates that h, holding a value described by host, can be
// bound to param. It never inspects the bytes behind h.
func CheckBinding(param ParameterBinding, h ResourceHandle, host TypeDescriptor) error {
	return CheckBindingRange(param, h, 0, h.Size(), host)
}

// CheckBindingRange is CheckBinding for size bytes of buffer h starting at
// offset. Textures are always bound whole.
func CheckBindingRange(param ParameterBinding, h ResourceHandle, offset, size uint64, host TypeDescriptor) error {
	mismatch := func(reason string) error {
		return &TypeMismatchError{Slot: param.Slot, Name: param.Name, Expected: param.Type, Got: host, Reason: reason}
	}
	if host == nil {
		return mismatch("no host type descriptor")
	}
	switch want := param.Type.(type) {
	case Buffer:
		if h.Kind() != HandleBuffer {
			return mismatch(fmt.Sprintf("%s bound to a buffer parameter", h.Kind()))
		}
		got := host
		if hb, ok := host.(Buffer); ok {
			if hb.Space != want.Space {
				return mismatch(fmt.Sprintf("%s buffer bound to a %s parameter", hb.Space, want.Space))
			}
			got = hb.Elem
		}
		if !Accepts(want.Elem, got) {
			return mismatch("element types differ")
		}
		if outOfRange(offset, size, h.Size()) {
			return mismatch(fmt.Sprintf("range of %d bytes at %d overruns buffer of %d bytes", size, offset, h.Size()))
		}
		if need := MinBindingSize(want, param.Rules); size < need {
			return mismatch(fmt.Sprintf("buffer range of %d bytes is smaller than the %d bytes the parameter needs", size, need))
		}
	case Texture:
		if h.Kind() != HandleTexture {
			return mismatch(fmt.Sprintf("%s bound to a texture parameter", h.Kind()))
		}
		if !Equal(want, host) {
			return mismatch("texture types differ")
		}
		if offset != 0 || size != h.Size() {
			return mismatch("textures cannot be bound by range")
		}
	case Sampler:
		return mismatch("sampler parameters are supplied by the backend")
	default:
		return mismatch("parameter is not bindable")
	}
	return nil
}

// BufferRange selects Size bytes of Buffer starting at Offset. A zero Size
// means the rest of the buffer.
type BufferRange struct {
	Buffer ResourceHandle
	Offset uint64
	Size   uint64
}

var (
	handleType = reflect.TypeFor[ResourceHandle]()
	rangeType  = reflect.TypeFor[BufferRange]()
)

// BindArgs binds the fields of args, a struct or a pointer to one, to the
// parameters of p. Fields of type ResourceHandle or BufferRange are matched
// by their gpgpu tag, or by the field name with a lower-case first letter:
//
//	type saxpyArgs struct {
//		X   gpgpu.ResourceHandle
//		Out gpgpu.BufferRange `gpgpu:"y"`
//	}
//
// The reflected parameter type serves as the host type. Fields holding the
// zero handle are skipped; a field naming no parameter fails with a
// TypeMismatchError. Bindings made before a failure are kept.
func (c *Context) BindArgs(p *PipelineState, args any) error {
	rv := reflect.Indirect(reflect.ValueOf(args))
	if rv.Kind() != reflect.Struct {
		return fmt.Errorf("gpgpu: bind args: want a struct, got %T", args)
	}
	table := p.Reflection()
	rt := rv.Type()
	for _, i := range hostFields(rt) {
		sf := rt.Field(i)
		var r BufferRange
		switch sf.Type {
		case handleType:
			r.Buffer = rv.Field(i).Interface().(ResourceHandle)
		case rangeType:
			r = rv.Field(i).Interface().(BufferRange)
		default:
			continue
		}
		if !r.Buffer.Valid() {
			continue
		}
		name, _ := parseTag(sf)
		param, ok := table.ByName(name)
		if !ok {
			return &TypeMismatchError{Name: name, Reason: fmt.Sprintf("field %s names no parameter of %s", sf.Name, table.Entry())}
		}
		if err := c.BindRange(p, param.Slot, r.Buffer, r.Offset, r.Size, param.Type); err != nil {
			return err
		}
	}
	return nil
}
