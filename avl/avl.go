// Package avl implements abstract values: the static type of an IR value
// (shape + dtype), independent of any tracer or trace. Shape/dtype logic
// never dispatches through tracers — it is plain data here.
package avl

import (
	"fmt"
	"strings"
)

// Shape is the sequence of nonnegative axis extents; rank is len(Shape).
type Shape []int

// Rank returns the number of axes.
func (s Shape) Rank() int { return len(s) }

// Equal reports structural equality.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// DType enumerates the fixed set of element types the core knows about.
// The ordering below is also the promotion lattice order used by Promote.
type DType int

const (
	Bool DType = iota
	Int32
	Int64
	Float16
	Float32
	Float64
	Complex64
)

var dtypeNames = [...]string{
	Bool:      "bool",
	Int32:     "i32",
	Int64:     "i64",
	Float16:   "f16",
	Float32:   "f32",
	Float64:   "f64",
	Complex64: "c64",
}

func (d DType) String() string {
	if int(d) < 0 || int(d) >= len(dtypeNames) {
		return "unknown"
	}
	return dtypeNames[d]
}

// IsFloat reports whether d is one of the floating-point types. Tangents
// are only ever defined for float dtypes: differentiating through a
// non-float dtype is a MissingRule error, not a silent zero.
func (d DType) IsFloat() bool {
	return d == Float16 || d == Float32 || d == Float64
}

// Promote returns the wider of two dtypes (the later one) under the fixed lattice
// bool < int32 < int64 < float16 < float32 < float64 < complex64.
func Promote(a, b DType) DType {
	if a > b {
		return a
	}
	return b
}

// Aval is the static type of a value in the IR: shape + dtype, with an
// optional concrete payload for constant folding (a ConcreteArray,
// versus a bare ShapedArray with no captured value).
type Aval interface {
	Shape() Shape
	DType() DType
	// Concrete returns the captured buffer and true if this aval carries
	// one (a ConcreteArray); otherwise (nil, false) (a ShapedArray).
	Concrete() (interface{}, bool)
	String() string
}

// Shaped is a ShapedArray: shape + dtype only, no captured value.
type Shaped struct {
	Shp Shape
	Dt  DType
}

func NewShaped(shape Shape, dt DType) Shaped { return Shaped{Shp: shape, Dt: dt} }

func (s Shaped) Shape() Shape                      { return s.Shp }
func (s Shaped) DType() DType                      { return s.Dt }
func (s Shaped) Concrete() (interface{}, bool)      { return nil, false }
func (s Shaped) String() string                     { return s.Dt.String() + s.Shp.String() }

// Concrete is a ConcreteArray: shape + dtype plus a captured backend-opaque
// value, used by the eager trace and by constant folding during partial
// evaluation.
type Concrete struct {
	Value interface{}
	Shp   Shape
	Dt    DType
}

func NewConcrete(shape Shape, dt DType, value interface{}) Concrete {
	return Concrete{Shp: shape, Dt: dt, Value: value}
}

func (c Concrete) Shape() Shape                 { return c.Shp }
func (c Concrete) DType() DType                 { return c.Dt }
func (c Concrete) Concrete() (interface{}, bool) { return c.Value, true }
func (c Concrete) String() string                { return c.Dt.String() + c.Shp.String() }

// Equal is structural equality on (shape, dtype) only: equality on
// abstract values ignores any captured concrete buffer.
func Equal(a, b Aval) bool {
	return a.DType() == b.DType() && a.Shape().Equal(b.Shape())
}

// ToShaped drops any captured concrete buffer, producing a bare ShapedArray.
func ToShaped(a Aval) Shaped {
	return Shaped{Shp: a.Shape(), Dt: a.DType()}
}

// BroadcastShapes applies the trailing-axis broadcast rule: equal
// extents match, an extent of 1 broadcasts, otherwise error.
func BroadcastShapes(a, b Shape) (Shape, error) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make(Shape, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if i < len(a) {
			da = a[len(a)-1-i]
		}
		if i < len(b) {
			db = b[len(b)-1-i]
		}
		switch {
		case da == db:
			out[n-1-i] = da
		case da == 1:
			out[n-1-i] = db
		case db == 1:
			out[n-1-i] = da
		default:
			return nil, fmt.Errorf("cannot broadcast %s with %s", a, b)
		}
	}
	return out, nil
}
