// Package ir is the typed intermediate representation — the "jaxpr":
// typed binders, equations, constants, and nested sub-jaxprs.
package ir

import (
	"sync/atomic"

	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/prim"
)

var nextVarID int64

// Var is an SSA binder: a program-unique identity with an attached
// abstract value. The identity is the counter below; the human-readable
// a, b, c, … suffix used by the pretty printer is assigned separately per
// jaxpr at print time (Var identity must survive being embedded in more
// than one printed jaxpr, e.g. once inlined).
type Var struct {
	Av avl.Aval
	id int64
}

// NewVar allocates a fresh binder with the given abstract value.
func NewVar(av avl.Aval) *Var {
	return &Var{id: atomic.AddInt64(&nextVarID, 1), Av: av}
}

func (v *Var) Aval() avl.Aval { return v.Av }
func (v *Var) isAtom()        {}

// ID returns the binder's process-unique identity, for use as a map key
// (e.g. in the transpose pass's cotangent environment).
func (v *Var) ID() int64 { return v.id }

// Literal is an inlined constant atom: an input atom may be a binder
// or a literal constant.
type Literal struct {
	Value interface{}
	Av    avl.Aval
}

func (l Literal) Aval() avl.Aval { return l.Av }
func (Literal) isAtom()         {}

// Atom is either a *Var or a Literal.
type Atom interface {
	Aval() avl.Aval
	isAtom()
}

// Eqn is one IR statement: outputs, primitive, inputs, parameters.
type Eqn struct {
	Primitive *prim.Primitive
	Params    prim.Params
	OutVars   []*Var
	InAtoms   []Atom
}

// Jaxpr is the typed program: constants, inputs, equations, outputs.
// Invariants:
//   - every use of a binder is preceded by its definition in Eqns;
//   - outAtoms are binders or literal constants;
//   - each equation's output avals match its primitive's AbstractEval.
type Jaxpr struct {
	ConstVars []*Var
	InVars    []*Var
	Eqns      []*Eqn
	OutAtoms  []Atom
}

// ClosedJaxpr pairs a Jaxpr with the concrete constants captured at trace
// time, one per ConstVars.
type ClosedJaxpr struct {
	Jaxpr  *Jaxpr
	Consts []interface{}
}

// InAvals returns the abstract values of the jaxpr's (dynamic) inputs, in
// order — the signature transformations and the jit cache key on.
func (j *Jaxpr) InAvals() []avl.Aval {
	out := make([]avl.Aval, len(j.InVars))
	for i, v := range j.InVars {
		out[i] = v.Av
	}
	return out
}

// OutAvals returns the abstract values of the jaxpr's outputs, in order.
func (j *Jaxpr) OutAvals() []avl.Aval {
	out := make([]avl.Aval, len(j.OutAtoms))
	for i, a := range j.OutAtoms {
		out[i] = a.Aval()
	}
	return out
}
