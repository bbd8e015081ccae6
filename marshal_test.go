package gpgpu

import (
	"encoding/binary"
	"errors"
	"math"
	"reflect"
	"testing"
)

type particle struct {
	Mass float32
	Vel  [2]float32 `gpgpu:"vel,vec"`
}

type transform struct {
	M     [4][4]float32 `gpgpu:"m,mat"`
	Scale float32
	Debug string `gpgpu:"-"`
}

func f32At(b []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
}

func TestDescriptorOf(t *testing.T) {
	got, err := DescriptorOf(particle{})
	if err != nil {
		t.Fatal(err)
	}
	want := StructOf("particle", LayoutScalar,
		Field{Name: "mass", Type: F32},
		Field{Name: "vel", Type: Vec(F32, 2)},
	)
	if !LayoutEqual(got, want) {
		t.Errorf("DescriptorOf(particle) = %s, want %s", got, want)
	}

	tr := MustDescriptorOf(&transform{}).(Struct)
	if len(tr.Fields) != 2 {
		t.Fatalf("transform fields = %d, want 2 (Debug skipped)", len(tr.Fields))
	}
	if m, ok := tr.Fields[0].Type.(Matrix); !ok || m.Columns != 4 || m.Rows != 4 {
		t.Errorf("m = %s, want mat4x4<f32>", tr.Fields[0].Type)
	}

	slice, err := DescriptorOf(reflect.TypeOf([]uint32(nil)))
	if err != nil || !Equal(slice, ArrayOf(U32, 0)) {
		t.Errorf("DescriptorOf([]uint32) = %v, %v", slice, err)
	}

	for _, v := range []any{nil, 3, "text", map[string]int{}} {
		if _, err := DescriptorOf(v); err == nil {
			t.Errorf("DescriptorOf(%T) should fail", v)
		}
	}
}

func TestDescriptorOfRuntimeArrayMustBeLast(t *testing.T) {
	type bad struct {
		Values []float32
		N      uint32
	}
	if _, err := DescriptorOf(bad{}); err == nil {
		t.Error("runtime-sized field before the last should fail")
	}
}

func TestMarshalRepacks(t *testing.T) {
	device := StructOf("Particle", LayoutStd430,
		Field{Name: "mass", Type: F32},
		Field{Name: "vel", Type: Vec(F32, 2)},
	)
	p := particle{Mass: 2, Vel: [2]float32{3, 4}}

	data, err := Marshal(p, device, LayoutStd430)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 16 {
		t.Fatalf("std430 size = %d, want 16", len(data))
	}
	if f32At(data, 0) != 2 || f32At(data, 8) != 3 || f32At(data, 12) != 4 {
		t.Errorf("std430 bytes = %v", data)
	}

	packed, err := Marshal(&p, device, LayoutScalar)
	if err != nil {
		t.Fatal(err)
	}
	if len(packed) != 12 || f32At(packed, 4) != 3 {
		t.Errorf("scalar bytes = %v", packed)
	}

	var back particle
	if err := Unmarshal(data, device, LayoutStd430, &back); err != nil {
		t.Fatal(err)
	}
	if back != p {
		t.Errorf("Unmarshal = %+v, want %+v", back, p)
	}
}

func TestMarshalRuntimeArray(t *testing.T) {
	values := []float32{1, 2, 3, 4, 5}
	data, err := Marshal(values, StorageOf(ArrayOf(F32, 0), AccessRead), LayoutStd430)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 20 || f32At(data, 16) != 5 {
		t.Errorf("Marshal([]float32) = %v", data)
	}
	n, err := EncodedSize(values, ArrayOf(F32, 0), LayoutStd140)
	if err != nil || n != 80 {
		t.Errorf("EncodedSize std140 = %d, %v; want 80", n, err)
	}

	var out []float32
	if err := Unmarshal(data, ArrayOf(F32, 0), LayoutStd430, &out); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, values) {
		t.Errorf("Unmarshal = %v, want %v", out, values)
	}
}

func TestMarshalTrailingArray(t *testing.T) {
	type histogram struct {
		Count uint32
		Bins  []uint32
	}
	device := StructOf("Histogram", LayoutStd430,
		Field{Name: "count", Type: U32},
		Field{Name: "bins", Type: ArrayOf(U32, 0)},
	)
	h := histogram{Count: 3, Bins: []uint32{7, 8, 9}}
	data, err := Marshal(h, device, LayoutStd430)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 16 || binary.LittleEndian.Uint32(data[12:]) != 9 {
		t.Errorf("Marshal(histogram) = %v", data)
	}

	var back histogram
	if err := Unmarshal(data, device, LayoutStd430, &back); err != nil {
		t.Fatal(err)
	}
	if back.Count != 3 || !reflect.DeepEqual(back.Bins, h.Bins) {
		t.Errorf("Unmarshal = %+v", back)
	}
}

func TestMarshalBool(t *testing.T) {
	type flags struct {
		On  bool
		Off bool
	}
	device := StructOf("", LayoutStd430, Field{Name: "on", Type: Bool}, Field{Name: "off", Type: Bool})
	data, err := Marshal(flags{On: true}, device, LayoutStd430)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 8 || binary.LittleEndian.Uint32(data) != 1 || binary.LittleEndian.Uint32(data[4:]) != 0 {
		t.Errorf("bools = %v, want two 4-byte words", data)
	}
}

func TestMarshalMismatch(t *testing.T) {
	_, err := Marshal(int32(1), F32, LayoutStd430)
	var tm *TypeMismatchError
	if !errors.As(err, &tm) {
		t.Fatalf("Marshal(int32 as f32) err = %v, want TypeMismatchError", err)
	}
	if !Equal(tm.Expected, F32) || !Equal(tm.Got, I32) {
		t.Errorf("mismatch = %s vs %s", tm.Expected, tm.Got)
	}

	if err := Unmarshal(make([]byte, 4), F32, LayoutStd430, float32(0)); err == nil {
		t.Error("Unmarshal into a non-pointer should fail")
	}
	var v [4]float32
	if err := Unmarshal(make([]byte, 8), ArrayOf(F32, 4), LayoutStd430, &v); err == nil {
		t.Error("Unmarshal of a short buffer should fail")
	}
}
