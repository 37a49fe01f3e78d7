package trace

import (
	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/errs"
	"github.com/gojax/tracer/prim"
)

// Zero is the symbolic zero tangent: every constant's tangent is zero.
// Carrying a sentinel instead of an actual zero-filled buffer
// avoids allocating a buffer that every non-differentiated path would
// otherwise need.
type Zero struct {
	Av avl.Aval
}

// IsZero reports whether v is the symbolic zero tangent.
func IsZero(v interface{}) bool {
	_, ok := v.(Zero)
	return ok
}

// JVPTrace is the forward-mode AD trace: tracers are (primal, tangent)
// pairs, and processPrimitive dispatches to each primitive's registered
// JVP rule.
type JVPTrace struct {
	level int
	Stack *Stack // for jvp rules that recurse into bind on primal/tangent values
}

// NewJVPTrace creates a JVP trace at the given stack level.
func NewJVPTrace(level int, stack *Stack) *JVPTrace {
	return &JVPTrace{level: level, Stack: stack}
}

func (t *JVPTrace) Level() int { return t.level }

// JVPTracer pairs a primal value with its tangent. Both may themselves
// be tracers of a lower trace (eager, or another jvp/batch trace when
// transformations are composed) or Zero.
type JVPTracer struct {
	trace   *JVPTrace
	Primal  interface{}
	Tangent interface{}
}

func (t *JVPTracer) Aval() avl.Aval { return avalOf(t.Primal) }
func (t *JVPTracer) Trace() Trace   { return t.trace }

func avalOf(v interface{}) avl.Aval {
	if tr, ok := v.(Tracer); ok {
		return tr.Aval()
	}
	if a, ok := v.(avl.Aval); ok {
		return a
	}
	return avl.NewConcrete(avl.Shape{}, inferDType(v), v)
}

// NewJVPTracer builds a (primal, tangent) pair directly under trace t —
// used by the transform package's Linearize/Jvp, which must pair a
// concrete primal with a tangent that is itself staged into a jaxpr by
// an already-pushed JaxprTrace, something Pure/Lift alone can't express
// since both sides of the pair come from different sources.
func NewJVPTracer(t *JVPTrace, primal, tangent interface{}) *JVPTracer {
	return &JVPTracer{trace: t, Primal: primal, Tangent: tangent}
}

func (t *JVPTrace) Pure(x interface{}) (Tracer, error) {
	return &JVPTracer{trace: t, Primal: x, Tangent: Zero{Av: avalOf(x)}}, nil
}

func (t *JVPTrace) Lift(tr Tracer) (Tracer, error) {
	return &JVPTracer{trace: t, Primal: tr, Tangent: Zero{Av: tr.Aval()}}, nil
}

func (t *JVPTrace) ProcessPrimitive(p *prim.Primitive, params prim.Params, args []Tracer) ([]interface{}, error) {
	if p.JVP == nil {
		return nil, errs.MissingRulef(p.Name, "jvp")
	}
	primals := make([]interface{}, len(args))
	tangents := make([]interface{}, len(args))
	for i, a := range args {
		jt, ok := a.(*JVPTracer)
		if !ok {
			return nil, errs.LevelViolationf("jvp trace received a non-jvp tracer")
		}
		primals[i] = jt.Primal
		tangents[i] = jt.Tangent
		if dt := jt.Aval().DType(); !IsZero(jt.Tangent) && !dt.IsFloat() {
			return nil, errs.MissingRulef(p.Name, "jvp (non-float "+dt.String()+" input)")
		}
	}

	primalsOut, tangentsOut, err := p.JVP(t.Stack, params, primals, tangents)
	if err != nil {
		return nil, err
	}
	outs := make([]interface{}, len(primalsOut))
	for i := range primalsOut {
		outs[i] = &JVPTracer{trace: t, Primal: primalsOut[i], Tangent: tangentsOut[i]}
	}
	return outs, nil
}

func (t *JVPTrace) FullLower(v interface{}) interface{} { return v }

// AddTangent combines two tangent values under addition, short-circuiting
// on Zero so non-differentiated paths never allocate a buffer — callers
// are JVP rules composing several inputs' tangent contributions (e.g.
// "mul"'s product rule).
func AddTangent(ctx prim.Ctx, a, b interface{}) (interface{}, error) {
	if IsZero(a) {
		return b, nil
	}
	if IsZero(b) {
		return a, nil
	}
	out, err := ctx.Bind(prim.Default.MustLookup("add"), nil, a, b)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}
