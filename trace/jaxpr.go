package trace

import (
	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/backend"
	"github.com/gojax/tracer/errs"
	"github.com/gojax/tracer/ir"
	"github.com/gojax/tracer/prim"
)

// NextLevel peeks the level the next Push would assign, without pushing.
// JaxprTrace (and other traces) need their level fixed at construction
// time, before the Handle that installs them exists.
func (s *Stack) NextLevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mains[len(s.mains)-1].Level + 1
}

// jaxprBuilder accumulates the equations, input/const binders, and
// captured constants for one jaxpr under construction.
type jaxprBuilder struct {
	constVars []*ir.Var
	consts    []interface{}
	inVars    []*ir.Var
	eqns      []*ir.Eqn
}

// JaxprTrace is the partial-evaluation / staging trace: every bind that
// touches a real (non-literal) binder is recorded as an equation; binds
// over plain literals are constant-folded instead.
type JaxprTrace struct {
	level   int
	stack   *Stack
	backend backend.Backend
	builder *jaxprBuilder
}

// NewJaxprTrace creates a jaxpr trace at the given level. be is used only
// to fold purely-literal sub-expressions — binds with every input
// concrete are constant-folded through the eager trace rather than
// staged as an equation.
func NewJaxprTrace(level int, stack *Stack, be backend.Backend) *JaxprTrace {
	return &JaxprTrace{level: level, stack: stack, backend: be, builder: &jaxprBuilder{}}
}

func (t *JaxprTrace) Level() int { return t.level }

// JaxprTracer wraps either a real binder (Var != nil — depends on a jaxpr
// input or an earlier equation's output) or a folded literal value
// (Var == nil, Concrete holds the folded payload).
type JaxprTracer struct {
	trace    *JaxprTrace
	Var      *ir.Var
	Concrete interface{}
}

func (t *JaxprTracer) Aval() avl.Aval {
	if t.Var != nil {
		return t.Var.Aval()
	}
	return avalOf(t.Concrete)
}
func (t *JaxprTracer) Trace() Trace { return t.trace }

func (t *JaxprTracer) isLiteral() bool { return t.Var == nil }

func (t *JaxprTrace) toAtom(v interface{}) (ir.Atom, error) {
	jt, ok := v.(*JaxprTracer)
	if !ok {
		p, err := t.Pure(v)
		if err != nil {
			return nil, err
		}
		jt = p.(*JaxprTracer)
	}
	if jt.Var != nil {
		return jt.Var, nil
	}
	return ir.Literal{Value: jt.Concrete, Av: avalOf(jt.Concrete)}, nil
}

// Pure lifts a raw (non-tracer) value. A backend buffer is an array
// closed over by reference and becomes a fresh const binder; any other
// Go scalar is kept as a literal, never promoted to a binder, so plain
// numeric constants print as bare literals rather than named binders.
func (t *JaxprTrace) Pure(x interface{}) (Tracer, error) {
	if buf, ok := x.(backend.Buffer); ok {
		v := ir.NewVar(avl.NewShaped(buf.Shape(), buf.DType()))
		t.builder.constVars = append(t.builder.constVars, v)
		t.builder.consts = append(t.builder.consts, buf)
		return &JaxprTracer{trace: t, Var: v}, nil
	}
	return &JaxprTracer{trace: t, Concrete: x}, nil
}

// Lift embeds a tracer from a strictly lower (outer, already-active)
// trace as a closed-over constant of this jaxpr: a value captured by
// reference from an enclosing scope becomes a const of the inner jaxpr.
func (t *JaxprTrace) Lift(tr Tracer) (Tracer, error) {
	v := ir.NewVar(tr.Aval())
	t.builder.constVars = append(t.builder.constVars, v)
	t.builder.consts = append(t.builder.consts, tr)
	return &JaxprTracer{trace: t, Var: v}, nil
}

func (t *JaxprTrace) ProcessPrimitive(p *prim.Primitive, params prim.Params, args []Tracer) ([]interface{}, error) {
	jargs := make([]*JaxprTracer, len(args))
	inAvals := make([]avl.Aval, len(args))
	allLiteral := true
	for i, a := range args {
		jt, ok := a.(*JaxprTracer)
		if !ok {
			return nil, errs.LevelViolationf("jaxpr trace received a non-jaxpr tracer")
		}
		jargs[i] = jt
		inAvals[i] = jt.Aval()
		if !jt.isLiteral() {
			allLiteral = false
		}
	}

	outAvals, err := p.AbstractEval(params, inAvals)
	if err != nil {
		return nil, err
	}

	if allLiteral {
		eager := NewEagerTrace(t.backend)
		eagerArgs := make([]Tracer, len(jargs))
		for i, jt := range jargs {
			et, err := eager.Pure(jt.Concrete)
			if err != nil {
				return nil, err
			}
			eagerArgs[i] = et
		}
		eagerOuts, err := eager.ProcessPrimitive(p, params, eagerArgs)
		if err != nil {
			return nil, err
		}
		outs := make([]interface{}, len(eagerOuts))
		for i, o := range eagerOuts {
			outs[i] = &JaxprTracer{trace: t, Concrete: eager.FullLower(o)}
		}
		return outs, nil
	}

	inAtoms := make([]ir.Atom, len(jargs))
	for i, jt := range jargs {
		a, err := t.toAtom(jt)
		if err != nil {
			return nil, err
		}
		inAtoms[i] = a
	}
	outVars := make([]*ir.Var, len(outAvals))
	for i, av := range outAvals {
		outVars[i] = ir.NewVar(av)
	}
	t.builder.eqns = append(t.builder.eqns, &ir.Eqn{
		Primitive: p,
		Params:    params,
		OutVars:   outVars,
		InAtoms:   inAtoms,
	})

	outs := make([]interface{}, len(outVars))
	for i, v := range outVars {
		outs[i] = &JaxprTracer{trace: t, Var: v}
	}
	return outs, nil
}

func (t *JaxprTrace) FullLower(v interface{}) interface{} { return v }

// MakeJaxpr stages f — called with one fresh input tracer per inAval, in
// order — into a ClosedJaxpr. f's returned values become the jaxpr's
// outputs in call order.
func MakeJaxpr(stack *Stack, be backend.Backend, inAvals []avl.Aval, f func([]interface{}) ([]interface{}, error)) (*ir.ClosedJaxpr, error) {
	level := stack.NextLevel()
	jt := NewJaxprTrace(level, stack, be)
	h := stack.Push(jt)
	defer h.Pop()

	args := make([]interface{}, len(inAvals))
	for i, av := range inAvals {
		v := ir.NewVar(av)
		jt.builder.inVars = append(jt.builder.inVars, v)
		args[i] = &JaxprTracer{trace: jt, Var: v}
	}

	outs, err := f(args)
	if err != nil {
		return nil, err
	}

	outAtoms := make([]ir.Atom, len(outs))
	for i, o := range outs {
		a, err := jt.toAtom(o)
		if err != nil {
			return nil, err
		}
		outAtoms[i] = a
	}

	jaxpr := &ir.Jaxpr{
		ConstVars: jt.builder.constVars,
		InVars:    jt.builder.inVars,
		Eqns:      jt.builder.eqns,
		OutAtoms:  outAtoms,
	}
	return &ir.ClosedJaxpr{Jaxpr: jaxpr, Consts: jt.builder.consts}, nil
}
