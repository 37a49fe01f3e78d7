package trace

import (
	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/backend"
	"github.com/gojax/tracer/errs"
	"github.com/gojax/tracer/prim"
)

// EagerTrace is the level-0 trace: it always sits at the bottom of the
// stack, never stages, and dispatches straight into the backend.
type EagerTrace struct {
	Backend backend.Backend
}

// NewEagerTrace wraps b as the bottom-of-stack eager trace.
func NewEagerTrace(b backend.Backend) *EagerTrace {
	return &EagerTrace{Backend: b}
}

func (t *EagerTrace) Level() int { return 0 }

// EagerTracer wraps a concrete backend buffer.
type EagerTracer struct {
	trace *EagerTrace
	Buf   backend.Buffer
}

func (t *EagerTracer) Aval() avl.Aval { return avl.NewConcrete(t.Buf.Shape(), t.Buf.DType(), t.Buf) }
func (t *EagerTracer) Trace() Trace   { return t.trace }

func (t *EagerTrace) Pure(x interface{}) (Tracer, error) {
	if buf, ok := x.(backend.Buffer); ok {
		return &EagerTracer{trace: t, Buf: buf}, nil
	}
	dt := inferDType(x)
	buf, err := t.Backend.FromScalar(x, dt)
	if err != nil {
		return nil, err
	}
	return &EagerTracer{trace: t, Buf: buf}, nil
}

// Lift is unreachable for the bottom trace: nothing has a lower level.
func (t *EagerTrace) Lift(tr Tracer) (Tracer, error) {
	return nil, errs.LevelViolationf("eager trace cannot lift: no trace is below level 0")
}

func (t *EagerTrace) ProcessPrimitive(p *prim.Primitive, params prim.Params, args []Tracer) ([]interface{}, error) {
	in := make([]interface{}, len(args))
	for i, a := range args {
		et, ok := a.(*EagerTracer)
		if !ok {
			return nil, errs.LevelViolationf("eager trace received a non-eager tracer")
		}
		in[i] = et.Buf
	}
	out, err := t.Backend.Impl(p, params, in)
	if err != nil {
		return nil, err
	}
	outs := make([]interface{}, len(out))
	for i, o := range out {
		buf, ok := o.(backend.Buffer)
		if !ok {
			return nil, errs.Backend(errs.DTypef("primitive %q impl returned a non-Buffer value", p.Name))
		}
		outs[i] = &EagerTracer{trace: t, Buf: buf}
	}
	return outs, nil
}

// FullLower unwraps a finished eager tracer to its raw buffer, since
// level 0 is the bottom of the stack — there is nothing lower to defer to.
func (t *EagerTrace) FullLower(v interface{}) interface{} {
	if et, ok := v.(*EagerTracer); ok {
		return et.Buf
	}
	return v
}

func inferDType(x interface{}) avl.DType {
	switch x.(type) {
	case bool:
		return avl.Bool
	case int, int32:
		return avl.Int32
	case int64:
		return avl.Int64
	case float32:
		return avl.Float32
	default:
		return avl.Float64
	}
}
