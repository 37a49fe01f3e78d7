package ir

// Flatten inlines every "jit" equation in j by substituting its nested
// closed jaxpr's equations in place, alpha-renaming each inlined
// equation's outputs to fresh binders (see NewVar) and redirecting later
// references to them — so one cached sub-jaxpr inlined at several call
// sites never defines the same binder twice.
//
// This is a semantics-preserving transform: eval(J, x) == eval(Flatten(J),
// x).
func Flatten(cj *ClosedJaxpr) *ClosedJaxpr {
	j := cj.Jaxpr
	consts := append([]interface{}{}, cj.Consts...)
	constVars := append([]*Var{}, j.ConstVars...)

	// subst maps an original binder id to the atom that should replace
	// every later reference to it — populated only for binders defined
	// by an inlined jit equation's outputs.
	subst := make(map[int64]Atom)
	resolve := func(a Atom) Atom {
		if v, ok := a.(*Var); ok {
			if r, ok2 := subst[v.id]; ok2 {
				return r
			}
		}
		return a
	}

	var newEqns []*Eqn
	for _, eqn := range j.Eqns {
		inAtoms := make([]Atom, len(eqn.InAtoms))
		for i, a := range eqn.InAtoms {
			inAtoms[i] = resolve(a)
		}

		if eqn.Primitive.Name == "jit" {
			if inner, ok := eqn.Params["jaxpr"].(*ClosedJaxpr); ok {
				inner = Flatten(inner) // nested jit-in-jit, innermost first
				innerEnv := make(map[int64]Atom)

				for i, cv := range inner.Jaxpr.ConstVars {
					constVars = append(constVars, cv)
					consts = append(consts, inner.Consts[i])
					innerEnv[cv.id] = cv
				}
				for i, iv := range inner.Jaxpr.InVars {
					innerEnv[iv.id] = inAtoms[i]
				}

				resolveInner := func(a Atom) Atom {
					if v, ok := a.(*Var); ok {
						if r, ok2 := innerEnv[v.id]; ok2 {
							return r
						}
					}
					return a
				}

				for _, ieqn := range inner.Jaxpr.Eqns {
					rewritten := make([]Atom, len(ieqn.InAtoms))
					for k, a := range ieqn.InAtoms {
						rewritten[k] = resolveInner(a)
					}
					outs := make([]*Var, len(ieqn.OutVars))
					for k, ov := range ieqn.OutVars {
						outs[k] = NewVar(ov.Av)
						innerEnv[ov.id] = outs[k]
					}
					newEqns = append(newEqns, &Eqn{
						Primitive: ieqn.Primitive,
						Params:    ieqn.Params,
						OutVars:   outs,
						InAtoms:   rewritten,
					})
				}

				for i, outVar := range eqn.OutVars {
					subst[outVar.id] = resolveInner(inner.Jaxpr.OutAtoms[i])
				}
				continue
			}
		}

		newEqns = append(newEqns, &Eqn{
			Primitive: eqn.Primitive,
			Params:    eqn.Params,
			OutVars:   eqn.OutVars,
			InAtoms:   inAtoms,
		})
	}

	outAtoms := make([]Atom, len(j.OutAtoms))
	for i, a := range j.OutAtoms {
		outAtoms[i] = resolve(a)
	}

	return &ClosedJaxpr{
		Jaxpr: &Jaxpr{
			ConstVars: constVars,
			InVars:    j.InVars,
			Eqns:      newEqns,
			OutAtoms:  outAtoms,
		},
		Consts: consts,
	}
}
