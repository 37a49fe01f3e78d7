// Package transform implements the transformations built on top of the
// tracing core: transposition of a linear jaxpr (reverse-mode AD's
// adjoint pass), vjp/grad and their derived forms, and vmap. Jvp, Vmap
// and Linearize run user code under a freshly pushed trace; Transpose
// walks an already-staged linear jaxpr backward.
package transform

import (
	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/backend"
	"github.com/gojax/tracer/errs"
	"github.com/gojax/tracer/ir"
	"github.com/gojax/tracer/prim"
	"github.com/gojax/tracer/trace"
)

func zeroBuffer(av avl.Aval) backend.Buffer {
	n := 1
	for _, d := range av.Shape() {
		n *= d
	}
	return backend.NewBuffer(av.Shape(), av.DType(), make([]float64, n))
}

func avalOf(v interface{}) avl.Aval {
	if a, ok := v.(avl.Aval); ok {
		return a
	}
	if t, ok := v.(interface{ Aval() avl.Aval }); ok {
		return t.Aval()
	}
	return avl.NewConcrete(avl.Shape{}, inferDType(v), v)
}

func inferDType(v interface{}) avl.DType {
	switch v.(type) {
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

// Transpose runs a single backward pass over cj, which must be linear in
// its InVars (every ConstVars entry is an ordinary,
// non-differentiated closed-over value). It walks equations in reverse,
// maintaining a cotangent environment keyed by binder id, and returns one
// cotangent per InVar — a zero buffer of the input's own shape/dtype
// where no equation ever contributed one.
func Transpose(ctx prim.Ctx, cj *ir.ClosedJaxpr, cotangents []interface{}) ([]interface{}, error) {
	j := cj.Jaxpr

	linear := make(map[int64]bool, len(j.InVars))
	value := make(map[int64]interface{}, len(j.ConstVars))
	for i, v := range j.ConstVars {
		value[v.ID()] = cj.Consts[i]
	}
	for _, v := range j.InVars {
		linear[v.ID()] = true
	}

	atomLinear := func(a ir.Atom) bool {
		v, ok := a.(*ir.Var)
		return ok && linear[v.ID()]
	}
	atomValue := func(a ir.Atom) interface{} {
		switch t := a.(type) {
		case *ir.Var:
			return value[t.ID()]
		case ir.Literal:
			return t.Value
		default:
			return nil
		}
	}

	// Forward pass: an equation with any linear input is itself linear in
	// every output (no concrete value to fold); otherwise run it through
	// ctx (concrete args route to the base eager trace) so later
	// equations and the backward pass's non-linear operands have a real
	// value available.
	for _, eqn := range j.Eqns {
		anyLinear := false
		for _, a := range eqn.InAtoms {
			if atomLinear(a) {
				anyLinear = true
				break
			}
		}
		if anyLinear {
			for _, v := range eqn.OutVars {
				linear[v.ID()] = true
			}
			continue
		}
		ins := make([]interface{}, len(eqn.InAtoms))
		for i, a := range eqn.InAtoms {
			ins[i] = atomValue(a)
		}
		outs, err := ctx.Bind(eqn.Primitive, eqn.Params, ins...)
		if err != nil {
			return nil, err
		}
		for i, v := range eqn.OutVars {
			value[v.ID()] = outs[i]
		}
	}

	ct := make(map[int64]interface{})
	accumulate := func(id int64, contribution interface{}) error {
		if contribution == nil {
			return nil
		}
		existing, ok := ct[id]
		if !ok {
			ct[id] = contribution
			return nil
		}
		sum, err := trace.AddTangent(ctx, existing, contribution)
		if err != nil {
			return err
		}
		ct[id] = sum
		return nil
	}

	for i, a := range j.OutAtoms {
		v, ok := a.(*ir.Var)
		if !ok || !linear[v.ID()] {
			continue // non-linear or literal output: no cotangent flows back
		}
		if err := accumulate(v.ID(), cotangents[i]); err != nil {
			return nil, err
		}
	}

	for i := len(j.Eqns) - 1; i >= 0; i-- {
		eqn := j.Eqns[i]
		if len(eqn.OutVars) != 1 {
			return nil, errs.MissingRulef(eqn.Primitive.Name, "multi-output transpose")
		}
		outCt, ok := ct[eqn.OutVars[0].ID()]
		if !ok {
			continue // zero cotangent in, zero cotangent out: nothing to propagate
		}
		if eqn.Primitive.Transpose == nil {
			return nil, errs.MissingRulef(eqn.Primitive.Name, "transpose")
		}

		inAvals := make([]avl.Aval, len(eqn.InAtoms))
		ins := make([]interface{}, len(eqn.InAtoms))
		linFlags := make([]bool, len(eqn.InAtoms))
		for k, a := range eqn.InAtoms {
			inAvals[k] = a.Aval()
			linFlags[k] = atomLinear(a) && eqn.Primitive.IsLinear(k)
			if !linFlags[k] {
				ins[k] = atomValue(a)
			}
		}

		contribs, err := eqn.Primitive.Transpose(ctx, eqn.Params, []interface{}{outCt}, inAvals, ins, linFlags)
		if err != nil {
			return nil, err
		}
		for k, a := range eqn.InAtoms {
			if !linFlags[k] || contribs[k] == nil {
				continue
			}
			v := a.(*ir.Var)
			if err := accumulate(v.ID(), contribs[k]); err != nil {
				return nil, err
			}
		}
	}

	out := make([]interface{}, len(j.InVars))
	for i, v := range j.InVars {
		if c, ok := ct[v.ID()]; ok {
			out[i] = c
			continue
		}
		out[i] = zeroBuffer(v.Aval())
	}
	return out, nil
}
