package avl

import "testing"

func TestShapeEqual(t *testing.T) {
	cases := []struct {
		a, b Shape
		want bool
	}{
		{Shape{2, 3}, Shape{2, 3}, true},
		{Shape{2, 3}, Shape{3, 2}, false},
		{Shape{}, Shape{}, true},
		{Shape{2, 3}, Shape{2}, false},
	}
	for _, c := range cases {
		if got := c.a.Equal(c.b); got != c.want {
			t.Errorf("%v.Equal(%v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestShapeString(t *testing.T) {
	if got := (Shape{2, 3}).String(); got != "[2,3]" {
		t.Errorf("String() = %q, want [2,3]", got)
	}
	if got := (Shape{}).String(); got != "[]" {
		t.Errorf("String() = %q, want []", got)
	}
}

func TestPromote(t *testing.T) {
	if Promote(Int32, Float64) != Float64 {
		t.Error("Promote(Int32, Float64) should widen to Float64")
	}
	if Promote(Bool, Bool) != Bool {
		t.Error("Promote(Bool, Bool) should stay Bool")
	}
}

func TestIsFloat(t *testing.T) {
	for _, dt := range []DType{Float16, Float32, Float64} {
		if !dt.IsFloat() {
			t.Errorf("%v.IsFloat() = false, want true", dt)
		}
	}
	for _, dt := range []DType{Bool, Int32, Int64} {
		if dt.IsFloat() {
			t.Errorf("%v.IsFloat() = true, want false", dt)
		}
	}
}

func TestEqualIgnoresConcreteValue(t *testing.T) {
	shaped := NewShaped(Shape{2}, Float64)
	concrete := NewConcrete(Shape{2}, Float64, []float64{1, 2})
	if !Equal(shaped, concrete) {
		t.Error("Equal should ignore the captured concrete payload")
	}
}

func TestToShapedDropsConcreteValue(t *testing.T) {
	c := NewConcrete(Shape{3}, Int32, 42)
	s := ToShaped(c)
	if _, ok := s.Concrete(); ok {
		t.Error("ToShaped result should report no concrete payload")
	}
	if !s.Shape().Equal(Shape{3}) || s.DType() != Int32 {
		t.Error("ToShaped should preserve shape and dtype")
	}
}

func TestBroadcastShapes(t *testing.T) {
	cases := []struct {
		a, b, want Shape
		wantErr    bool
	}{
		{Shape{3, 1}, Shape{1, 4}, Shape{3, 4}, false},
		{Shape{5}, Shape{3, 5}, Shape{3, 5}, false},
		{Shape{2, 3}, Shape{2, 3}, Shape{2, 3}, false},
		{Shape{2, 3}, Shape{4, 3}, nil, true},
	}
	for _, c := range cases {
		got, err := BroadcastShapes(c.a, c.b)
		if c.wantErr {
			if err == nil {
				t.Errorf("BroadcastShapes(%v, %v) expected an error", c.a, c.b)
			}
			continue
		}
		if err != nil {
			t.Fatalf("BroadcastShapes(%v, %v) unexpected error: %v", c.a, c.b, err)
		}
		if !got.Equal(c.want) {
			t.Errorf("BroadcastShapes(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
