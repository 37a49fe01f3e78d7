// Package backend declares the narrow interface the tracing core
// consumes from an array backend, plus a small in-memory
// reference implementation sufficient to exercise the core's own tests
// without a real CPU/Wasm/GPU kernel library.
package backend

import (
	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/errs"
	"github.com/gojax/tracer/prim"
)

// Token is the opaque completion handle blockUntilReady returns. The
// reference backend is synchronous, so its tokens are always already
// complete; a real async backend would return one that blocks until a
// kernel finishes.
type Token interface {
	BlockUntilReady() error
}

// Backend is the interface the core dispatches primitive impls and
// buffer construction through. The core never inspects a Buffer's
// representation — it only ever passes handles back to the same
// Backend that produced them.
type Backend interface {
	// Impl runs the named primitive's eager implementation over concrete
	// buffers, per the primitive's registered Impl rule.
	Impl(p *prim.Primitive, params prim.Params, in []interface{}) ([]interface{}, error)
	FromScalar(v interface{}, dt avl.DType) (Buffer, error)
	FromTypedBuffer(shape avl.Shape, dt avl.DType, data []float64) (Buffer, error)
	BlockUntilReady(v interface{}) (Token, error)
}

// Buffer is an opaque concrete array handle. The reference backend's
// buffers also satisfy avl.Aval so eager tracers can report shape/dtype
// without a side table.
type Buffer interface {
	avl.Aval
	Data() []float64
}

type refBuffer struct {
	shp  avl.Shape
	dt   avl.DType
	data []float64
}

func (b *refBuffer) Shape() avl.Shape             { return b.shp }
func (b *refBuffer) DType() avl.DType             { return b.dt }
func (b *refBuffer) Concrete() (interface{}, bool) { return b, true }
func (b *refBuffer) String() string                { return b.dt.String() + b.shp.String() }
func (b *refBuffer) Data() []float64               { return b.data }

// NewBuffer builds a Buffer directly from a flat row-major data slice,
// bypassing any particular Backend instance. Primitive Impl rules use
// this to build their outputs, since the in-memory reference
// representation is shared by construction across every Backend value
// rather than tied to one.
func NewBuffer(shape avl.Shape, dt avl.DType, data []float64) Buffer {
	cp := make([]float64, len(data))
	copy(cp, data)
	return &refBuffer{shp: shape, dt: dt, data: cp}
}

type readyToken struct{}

func (readyToken) BlockUntilReady() error { return nil }

// Ref is a synchronous, float64-backed, CPU-only reference Backend. It
// is not meant to be fast — it exists so the tracing core can be tested
// end to end without a real kernel library wired in.
type Ref struct{}

// NewRef constructs the reference backend.
func NewRef() *Ref { return &Ref{} }

func (r *Ref) Impl(p *prim.Primitive, params prim.Params, in []interface{}) ([]interface{}, error) {
	if p.Impl == nil {
		return nil, errs.MissingRulef(p.Name, "impl")
	}
	out, err := p.Impl(params, in)
	if err != nil {
		return nil, errs.Backend(err).WithPrimitive(p.Name)
	}
	return out, nil
}

func (r *Ref) FromScalar(v interface{}, dt avl.DType) (Buffer, error) {
	f, err := toFloat64(v)
	if err != nil {
		return nil, errs.Backend(err)
	}
	return &refBuffer{shp: avl.Shape{}, dt: dt, data: []float64{f}}, nil
}

func (r *Ref) FromTypedBuffer(shape avl.Shape, dt avl.DType, data []float64) (Buffer, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return nil, errs.Shapef("backend: shape %s expects %d elements, got %d", shape, n, len(data))
	}
	cp := make([]float64, len(data))
	copy(cp, data)
	return &refBuffer{shp: shape, dt: dt, data: cp}, nil
}

func (r *Ref) BlockUntilReady(v interface{}) (Token, error) {
	return readyToken{}, nil
}

func toFloat64(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, errs.DTypef("backend: cannot convert %T to a numeric scalar", v)
	}
}
