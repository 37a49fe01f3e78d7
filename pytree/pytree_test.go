package pytree

import (
	"reflect"
	"testing"
)

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	cases := []interface{}{
		42,
		[]interface{}{1, 2, 3},
		map[string]interface{}{"a": 1, "b": 2},
		struct {
			X, Y int
		}{X: 1, Y: 2},
		[]interface{}{
			map[string]interface{}{"k": []interface{}{1, 2}},
			3,
		},
		nil,
	}
	for _, v := range cases {
		leaves, s := Flatten(v)
		got, err := Unflatten(s, leaves)
		if err != nil {
			t.Fatalf("Unflatten(%#v) error: %v", v, err)
		}
		if !reflect.DeepEqual(v, got) {
			t.Errorf("round trip mismatch: got %#v, want %#v", got, v)
		}
	}
}

func TestFlattenMapSortsKeys(t *testing.T) {
	m := map[string]interface{}{"z": 1, "a": 2, "m": 3}
	leaves, _ := Flatten(m)
	if got := leaves; !reflect.DeepEqual(got, []interface{}{2, 3, 1}) {
		t.Errorf("Flatten(map) leaves = %v, want leaf order a,m,z = [2,3,1]", got)
	}
}

// opaqueHandle mimics a backend buffer or tracer: a struct with only
// unexported fields that must never be decomposed field-by-field.
type opaqueHandle struct {
	tag  string
	data []float64
}

func TestFlattenOpaqueStructIsOneLeaf(t *testing.T) {
	h := &opaqueHandle{tag: "buf", data: []float64{1, 2, 3}}
	leaves, s := Flatten(h)
	if len(leaves) != 1 {
		t.Fatalf("Flatten(opaque) produced %d leaves, want 1", len(leaves))
	}
	if leaves[0] != h {
		t.Errorf("Flatten(opaque) leaf = %v, want the handle itself", leaves[0])
	}
	if s.kind != kindLeaf {
		t.Errorf("Flatten(opaque) structure kind = %v, want kindLeaf", s.kind)
	}
}

func TestFlattenOpaqueStructNestedInSlice(t *testing.T) {
	h := &opaqueHandle{tag: "x", data: []float64{9}}
	v := []interface{}{1, h, 2}
	leaves, s := Flatten(v)
	if len(leaves) != 3 {
		t.Fatalf("got %d leaves, want 3", len(leaves))
	}
	out, err := Unflatten(s, leaves)
	if err != nil {
		t.Fatalf("Unflatten error: %v", err)
	}
	outSlice := out.([]interface{})
	if outSlice[1] != h {
		t.Errorf("opaque handle not preserved by identity through round trip")
	}
}

func TestStructureEqual(t *testing.T) {
	_, s1 := Flatten(map[string]interface{}{"a": 1, "b": 2})
	_, s2 := Flatten(map[string]interface{}{"a": 9, "b": 8})
	_, s3 := Flatten(map[string]interface{}{"a": 1, "c": 2})
	if !StructureEqual(s1, s2) {
		t.Error("structures with the same shape but different leaf values should be equal")
	}
	if StructureEqual(s1, s3) {
		t.Error("structures with different map keys should not be equal")
	}
}

func TestMapAppliesToEveryLeaf(t *testing.T) {
	v := []interface{}{1, []interface{}{2, 3}}
	got := Map(func(x interface{}) interface{} { return x.(int) * 10 }, v)
	want := []interface{}{10, []interface{}{20, 30}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Map result = %#v, want %#v", got, want)
	}
}

func TestUnflattenLeafCountMismatch(t *testing.T) {
	_, s := Flatten([]interface{}{1, 2, 3})
	if _, err := Unflatten(s, []interface{}{1, 2}); err == nil {
		t.Error("Unflatten with too few leaves should error")
	}
	if _, err := Unflatten(s, []interface{}{1, 2, 3, 4}); err == nil {
		t.Error("Unflatten with too many leaves should error")
	}
}

// opaquePtrField mimics a pytree argument carrying an opaque handle behind
// an exported struct field, the shape jax.Env.Grad/Vmap/Jit see when a
// caller's argument is a struct wrapping a backend.Buffer.
type opaquePtrField struct {
	Handle *opaqueHandle
	Scale  int
}

func TestFlattenPreservesPointerIdentityThroughStructField(t *testing.T) {
	h := &opaqueHandle{tag: "buf", data: []float64{4, 5}}
	v := opaquePtrField{Handle: h, Scale: 2}
	leaves, s := Flatten(v)
	if len(leaves) != 2 {
		t.Fatalf("got %d leaves, want 2 (handle, scale)", len(leaves))
	}
	if leaves[0] != h {
		t.Error("opaque handle leaf lost pointer identity")
	}
	out, err := Unflatten(s, leaves)
	if err != nil {
		t.Fatalf("Unflatten error: %v", err)
	}
	got := out.(opaquePtrField)
	if got.Handle != h {
		t.Error("round trip did not preserve the original pointer")
	}
	if got.Scale != 2 {
		t.Errorf("Scale = %d, want 2", got.Scale)
	}
}
