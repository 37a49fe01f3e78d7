package ir

import "github.com/gojax/tracer/prim"

// Eval interprets cj against concrete (or tracer) args by replaying its
// equations through ctx.Bind, one at a time, in definition order. It never
// inspects whether a value is concrete or itself a tracer — ctx.Bind's own
// level routing decides that — which is what lets a cached jaxpr be
// replayed unchanged whether jit is invoked at the top level or nested
// inside another trace: nesting falls out of Bind's normal dispatch, not
// anything Eval does specially.
func Eval(ctx prim.Ctx, cj *ClosedJaxpr, args []interface{}) ([]interface{}, error) {
	env := make(map[int64]interface{}, len(cj.Jaxpr.ConstVars)+len(cj.Jaxpr.InVars))
	for i, v := range cj.Jaxpr.ConstVars {
		env[v.ID()] = cj.Consts[i]
	}
	for i, v := range cj.Jaxpr.InVars {
		env[v.ID()] = args[i]
	}

	resolve := func(a Atom) interface{} {
		switch t := a.(type) {
		case *Var:
			return env[t.id]
		case Literal:
			return t.Value
		default:
			return nil
		}
	}

	for _, eqn := range cj.Jaxpr.Eqns {
		ins := make([]interface{}, len(eqn.InAtoms))
		for i, a := range eqn.InAtoms {
			ins[i] = resolve(a)
		}
		outs, err := ctx.Bind(eqn.Primitive, eqn.Params, ins...)
		if err != nil {
			return nil, err
		}
		for i, v := range eqn.OutVars {
			env[v.ID()] = outs[i]
		}
	}

	out := make([]interface{}, len(cj.Jaxpr.OutAtoms))
	for i, a := range cj.Jaxpr.OutAtoms {
		out[i] = resolve(a)
	}
	return out, nil
}
