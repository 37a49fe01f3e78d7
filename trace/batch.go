package trace

import (
	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/errs"
	"github.com/gojax/tracer/prim"
)

// BatchTrace is the vmap trace: tracers carry an optional
// batch axis, and processPrimitive dispatches to each primitive's batch
// rule, which is responsible for broadcasting unbatched inputs and
// shifting axis parameters past the batch dimension.
type BatchTrace struct {
	level int
	Stack *Stack
}

// NewBatchTrace creates a batching trace at the given level.
func NewBatchTrace(level int, stack *Stack) *BatchTrace {
	return &BatchTrace{level: level, Stack: stack}
}

func (t *BatchTrace) Level() int { return t.level }

// BatchTracer wraps a value with its batch axis, or prim.NoBatchAxis if
// the value carries no batch dimension.
type BatchTracer struct {
	trace *BatchTrace
	Val   interface{}
	Axis  int
}

func (t *BatchTracer) Aval() avl.Aval { return avalOf(t.Val) }
func (t *BatchTracer) Trace() Trace   { return t.trace }

// NewBatchTracer builds a (value, axis) pair directly under trace t — used
// by the transform package's Vmap to seed its inputs with their
// caller-specified inAxes rather than the default NoBatchAxis Pure/Lift
// assign.
func NewBatchTracer(t *BatchTrace, val interface{}, axis int) *BatchTracer {
	return &BatchTracer{trace: t, Val: val, Axis: axis}
}

func (t *BatchTrace) Pure(x interface{}) (Tracer, error) {
	return &BatchTracer{trace: t, Val: x, Axis: prim.NoBatchAxis}, nil
}

func (t *BatchTrace) Lift(tr Tracer) (Tracer, error) {
	return &BatchTracer{trace: t, Val: tr, Axis: prim.NoBatchAxis}, nil
}

func (t *BatchTrace) ProcessPrimitive(p *prim.Primitive, params prim.Params, args []Tracer) ([]interface{}, error) {
	if p.Batch == nil {
		return nil, errs.MissingRulef(p.Name, "batch")
	}
	vals := make([]interface{}, len(args))
	axes := make([]int, len(args))
	for i, a := range args {
		bt, ok := a.(*BatchTracer)
		if !ok {
			return nil, errs.LevelViolationf("batch trace received a non-batch tracer")
		}
		vals[i] = bt.Val
		axes[i] = bt.Axis
	}

	outVals, outAxes, err := p.Batch(t.Stack, params, vals, axes)
	if err != nil {
		return nil, err
	}
	outs := make([]interface{}, len(outVals))
	for i := range outVals {
		outs[i] = &BatchTracer{trace: t, Val: outVals[i], Axis: outAxes[i]}
	}
	return outs, nil
}

func (t *BatchTrace) FullLower(v interface{}) interface{} { return v }
