package ir

import (
	"testing"

	"github.com/gkampitakis/go-snaps/snaps"

	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/prim"
)

func addPrim() *prim.Primitive {
	return &prim.Primitive{
		Name: "add",
		AbstractEval: func(params prim.Params, in []avl.Aval) ([]avl.Aval, error) {
			return []avl.Aval{in[0]}, nil
		},
	}
}

func TestPrettyNoEqns(t *testing.T) {
	x := NewVar(avl.NewShaped(avl.Shape{2}, avl.Float64))
	j := &Jaxpr{
		InVars:   []*Var{x},
		OutAtoms: []Atom{x},
	}
	snaps.MatchSnapshot(t, "identity_jaxpr", Pretty(j))
}

func TestPrettyWithEqn(t *testing.T) {
	av := avl.NewShaped(avl.Shape{2}, avl.Float64)
	x := NewVar(av)
	y := NewVar(av)
	out := NewVar(av)
	j := &Jaxpr{
		InVars: []*Var{x, y},
		Eqns: []*Eqn{
			{
				Primitive: addPrim(),
				OutVars:   []*Var{out},
				InAtoms:   []Atom{x, y},
			},
		},
		OutAtoms: []Atom{out},
	}
	snaps.MatchSnapshot(t, "add_jaxpr", Pretty(j))
}

func TestPrettyDeterministicAcrossVarIdentity(t *testing.T) {
	av := avl.NewShaped(avl.Shape{}, avl.Float64)
	build := func() *Jaxpr {
		x := NewVar(av)
		out := NewVar(av)
		return &Jaxpr{
			InVars: []*Var{x},
			Eqns: []*Eqn{
				{Primitive: addPrim(), OutVars: []*Var{out}, InAtoms: []Atom{x, Literal{Value: 1.0, Av: av}}},
			},
			OutAtoms: []Atom{out},
		}
	}
	a, b := Pretty(build()), Pretty(build())
	if a != b {
		t.Errorf("Pretty output differs across structurally identical jaxprs with different Var identities:\n%s\nvs\n%s", a, b)
	}
}

func TestPrettyParamsSortedAndLiteral(t *testing.T) {
	av := avl.NewShaped(avl.Shape{}, avl.Int32)
	x := NewVar(av)
	out := NewVar(av)
	p := &prim.Primitive{
		Name: "reshape",
		AbstractEval: func(params prim.Params, in []avl.Aval) ([]avl.Aval, error) {
			return []avl.Aval{in[0]}, nil
		},
	}
	j := &Jaxpr{
		InVars: []*Var{x},
		Eqns: []*Eqn{
			{
				Primitive: p,
				Params:    prim.Params{"z": 1, "a": []int{1, 2}},
				OutVars:   []*Var{out},
				InAtoms:   []Atom{x},
			},
		},
		OutAtoms: []Atom{out},
	}
	snaps.MatchSnapshot(t, "reshape_jaxpr_params", Pretty(j))
}
