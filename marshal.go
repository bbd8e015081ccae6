package gpgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"strings"
	"unicode"
)

// Struct tag options recognized by DescriptorOf:
//
//	Pos [3]float32 `gpgpu:"pos,vec"`   // vec3<f32> instead of array<f32, 3>
//	M   [4][4]float32 `gpgpu:",mat"`  // mat4x4<f32>
//	Skip int `gpgpu:"-"`
const tagName = "gpgpu"

// DescriptorOf derives the host TypeDescriptor of a Go value or reflect.Type.
// Field offsets are those of Go memory (LayoutScalar).
func DescriptorOf(v any) (TypeDescriptor, error) {
	var rt reflect.Type
	switch x := v.(type) {
	case nil:
		return nil, fmt.Errorf("gpgpu: cannot describe nil")
	case reflect.Type:
		rt = x
	default:
		rt = reflect.TypeOf(v)
	}
	t, err := describeType(rt, "")
	if err != nil {
		return nil, err
	}
	return WithLayout(t, LayoutScalar), nil
}

// MustDescriptorOf is like DescriptorOf but panics on error.
func MustDescriptorOf(v any) TypeDescriptor {
	t, err := DescriptorOf(v)
	if err != nil {
		panic(err)
	}
	return t
}

func scalarOf(k reflect.Kind) (Scalar, bool) {
	switch k {
	case reflect.Bool:
		return Bool, true
	case reflect.Int32:
		return I32, true
	case reflect.Uint32:
		return U32, true
	case reflect.Float32:
		return F32, true
	case reflect.Int64:
		return I64, true
	case reflect.Uint64:
		return U64, true
	case reflect.Float64:
		return F64, true
	}
	return Scalar{}, false
}

func describeType(rt reflect.Type, opt string) (TypeDescriptor, error) {
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if s, ok := scalarOf(rt.Kind()); ok {
		return s, nil
	}
	switch rt.Kind() {
	case reflect.Array:
		if opt == "mat" {
			col := rt.Elem()
			if col.Kind() != reflect.Array {
				return nil, fmt.Errorf("gpgpu: %s tagged mat is not a nested array", rt)
			}
			s, ok := scalarOf(col.Elem().Kind())
			if !ok || rt.Len() < 2 || rt.Len() > 4 || col.Len() < 2 || col.Len() > 4 {
				return nil, fmt.Errorf("gpgpu: %s is not a valid matrix", rt)
			}
			return Matrix{Elem: s, Columns: uint8(rt.Len()), Rows: uint8(col.Len())}, nil
		}
		if opt == "vec" {
			s, ok := scalarOf(rt.Elem().Kind())
			if !ok || rt.Len() < 2 || rt.Len() > 4 {
				return nil, fmt.Errorf("gpgpu: %s is not a valid vector", rt)
			}
			return Vector{Elem: s, Count: uint8(rt.Len())}, nil
		}
		elem, err := describeType(rt.Elem(), "")
		if err != nil {
			return nil, err
		}
		return Array{Elem: elem, Count: uint32(rt.Len())}, nil
	case reflect.Slice:
		elem, err := describeType(rt.Elem(), opt)
		if err != nil {
			return nil, err
		}
		return Array{Elem: elem}, nil
	case reflect.Struct:
		s := Struct{Name: rt.Name()}
		for _, idx := range hostFields(rt) {
			sf := rt.Field(idx)
			name, fopt := parseTag(sf)
			ft, err := describeType(sf.Type, fopt)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", sf.Name, err)
			}
			s.Fields = append(s.Fields, Field{Name: name, Type: ft})
		}
		for i, f := range s.Fields {
			if a, ok := f.Type.(Array); ok && a.Count == 0 && i != len(s.Fields)-1 {
				return nil, fmt.Errorf("gpgpu: %s: runtime-sized field %s must be last", rt, f.Name)
			}
		}
		return s, nil
	}
	return nil, fmt.Errorf("gpgpu: unsupported host type %s", rt)
}

// hostFields returns the indices of struct fields that take part in layout.
func hostFields(rt reflect.Type) []int {
	var out []int
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() || sf.Tag.Get(tagName) == "-" {
			continue
		}
		out = append(out, i)
	}
	return out
}

func parseTag(sf reflect.StructField) (name, opt string) {
	tag := sf.Tag.Get(tagName)
	name, opt, _ = strings.Cut(tag, ",")
	if name == "" {
		r := []rune(sf.Name)
		r[0] = unicode.ToLower(r[0])
		name = string(r)
	}
	return name, opt
}

// hostMatches checks v against the device type t, unwrapping buffers.
func hostMatches(v reflect.Value, t TypeDescriptor) (TypeDescriptor, error) {
	if b, ok := t.(Buffer); ok {
		t = b.Elem
	}
	host, err := DescriptorOf(v.Type())
	if err != nil {
		return nil, err
	}
	if !Equal(host, t) {
		return nil, &TypeMismatchError{Expected: t, Got: host, Reason: "host value does not match declared type"}
	}
	return t, nil
}

// EncodedSize returns the number of bytes Marshal produces for v.
func EncodedSize(v any, t TypeDescriptor, rules LayoutRules) (uint64, error) {
	rv := reflect.Indirect(reflect.ValueOf(v))
	t, err := hostMatches(rv, t)
	if err != nil {
		return 0, err
	}
	return encodedSize(rv, t, rules), nil
}

func encodedSize(rv reflect.Value, t TypeDescriptor, rules LayoutRules) uint64 {
	l := Layout(t, rules)
	switch x := t.(type) {
	case Array:
		if x.Count == 0 {
			return l.Stride * uint64(rv.Len())
		}
	case Struct:
		if l.Stride != 0 {
			idx := hostFields(rv.Type())
			last := rv.Field(idx[len(idx)-1])
			return l.Size + l.Stride*uint64(last.Len())
		}
	}
	return l.Size
}

// Marshal encodes v into device bytes laid out for t under rules.
// v must be structurally Equal to t; otherwise a TypeMismatchError is
// returned and nothing is encoded.
func Marshal(v any, t TypeDescriptor, rules LayoutRules) ([]byte, error) {
	rv := reflect.Indirect(reflect.ValueOf(v))
	t, err := hostMatches(rv, t)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, encodedSize(rv, t, rules))
	encodeValue(buf, rv, t, rules)
	return buf, nil
}

func putScalar(buf []byte, rv reflect.Value, s Scalar, rules LayoutRules) {
	switch s.Kind {
	case ScalarBool:
		var b byte
		if rv.Bool() {
			b = 1
		}
		buf[0] = b
		if rules != LayoutScalar {
			binary.LittleEndian.PutUint32(buf, uint32(b))
		}
	case ScalarSint:
		if s.Width == 8 {
			binary.LittleEndian.PutUint64(buf, uint64(rv.Int()))
		} else {
			binary.LittleEndian.PutUint32(buf, uint32(int32(rv.Int())))
		}
	case ScalarUint:
		if s.Width == 8 {
			binary.LittleEndian.PutUint64(buf, rv.Uint())
		} else {
			binary.LittleEndian.PutUint32(buf, uint32(rv.Uint()))
		}
	case ScalarFloat:
		if s.Width == 8 {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(rv.Float()))
		} else {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(rv.Float())))
		}
	}
}

func encodeValue(buf []byte, rv reflect.Value, t TypeDescriptor, rules LayoutRules) {
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	switch x := t.(type) {
	case Scalar:
		putScalar(buf, rv, x, rules)
	case Vector:
		w := scalarSize(x.Elem, rules)
		for i := 0; i < int(x.Count); i++ {
			putScalar(buf[uint64(i)*w:], rv.Index(i), x.Elem, rules)
		}
	case Matrix:
		l := matrixLayout(x, rules)
		col := Vector{Elem: x.Elem, Count: x.Rows}
		for c := 0; c < int(x.Columns); c++ {
			encodeValue(buf[uint64(c)*l.Stride:], rv.Index(c), col, rules)
		}
	case Array:
		l := arrayLayout(x, rules)
		n := rv.Len()
		if x.Count != 0 && n > int(x.Count) {
			n = int(x.Count)
		}
		for i := 0; i < n; i++ {
			encodeValue(buf[uint64(i)*l.Stride:], rv.Index(i), x.Elem, rules)
		}
	case Struct:
		offsets, _ := placeFields(x, rules)
		idx := hostFields(rv.Type())
		for i, f := range x.Fields {
			encodeValue(buf[offsets[i]:], rv.Field(idx[i]), f.Type, rules)
		}
	}
}

// Unmarshal decodes device bytes laid out for t under rules into out,
// which must be a non-nil pointer. Runtime-sized arrays take their length
// from the data.
func Unmarshal(data []byte, t TypeDescriptor, rules LayoutRules, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("gpgpu: Unmarshal needs a non-nil pointer, got %T", out)
	}
	rv = rv.Elem()
	t, err := hostMatches(rv, t)
	if err != nil {
		return err
	}
	l := Layout(t, rules)
	if uint64(len(data)) < l.Size {
		return fmt.Errorf("gpgpu: Unmarshal: %d bytes, need at least %d", len(data), l.Size)
	}
	return decodeValue(data, rv, t, rules)
}

func getScalar(buf []byte, rv reflect.Value, s Scalar) {
	switch s.Kind {
	case ScalarBool:
		rv.SetBool(buf[0] != 0)
	case ScalarSint:
		if s.Width == 8 {
			rv.SetInt(int64(binary.LittleEndian.Uint64(buf)))
		} else {
			rv.SetInt(int64(int32(binary.LittleEndian.Uint32(buf))))
		}
	case ScalarUint:
		if s.Width == 8 {
			rv.SetUint(binary.LittleEndian.Uint64(buf))
		} else {
			rv.SetUint(uint64(binary.LittleEndian.Uint32(buf)))
		}
	case ScalarFloat:
		if s.Width == 8 {
			rv.SetFloat(math.Float64frombits(binary.LittleEndian.Uint64(buf)))
		} else {
			rv.SetFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(buf))))
		}
	}
}

func decodeValue(buf []byte, rv reflect.Value, t TypeDescriptor, rules LayoutRules) error {
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		rv = rv.Elem()
	}
	switch x := t.(type) {
	case Scalar:
		getScalar(buf, rv, x)
	case Vector:
		w := scalarSize(x.Elem, rules)
		for i := 0; i < int(x.Count); i++ {
			getScalar(buf[uint64(i)*w:], rv.Index(i), x.Elem)
		}
	case Matrix:
		l := matrixLayout(x, rules)
		col := Vector{Elem: x.Elem, Count: x.Rows}
		for c := 0; c < int(x.Columns); c++ {
			if err := decodeValue(buf[uint64(c)*l.Stride:], rv.Index(c), col, rules); err != nil {
				return err
			}
		}
	case Array:
		l := arrayLayout(x, rules)
		n := int(x.Count)
		if rv.Kind() == reflect.Slice {
			if x.Count == 0 {
				if l.Stride == 0 {
					return fmt.Errorf("gpgpu: zero-stride runtime array")
				}
				n = len(buf) / int(l.Stride)
			}
			rv.Set(reflect.MakeSlice(rv.Type(), n, n))
		} else if x.Count == 0 || n > rv.Len() {
			n = rv.Len()
		}
		for i := 0; i < n; i++ {
			if err := decodeValue(buf[uint64(i)*l.Stride:], rv.Index(i), x.Elem, rules); err != nil {
				return err
			}
		}
	case Struct:
		offsets, _ := placeFields(x, rules)
		idx := hostFields(rv.Type())
		for i, f := range x.Fields {
			if err := decodeValue(buf[offsets[i]:], rv.Field(idx[i]), f.Type, rules); err != nil {
				return err
			}
		}
	}
	return nil
}
