package ir

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gojax/tracer/prim"
)

// Pretty renders j in a canonical, JAX-like text form. It is a pure
// function of j: two structurally identical jaxprs with the same binder
// definition order render byte-for-byte identically, regardless of Var
// identity.
func Pretty(j *Jaxpr) string {
	p := &printer{names: make(map[int64]string)}
	p.assignNames(j)

	var b strings.Builder
	p.writeJaxpr(&b, j, "")
	return b.String()
}

type printer struct {
	names map[int64]string
	next  int
}

// writeJaxpr renders "{ lambda <binders> . ( <outs> ) }" on one line when
// the jaxpr has no equations (everything folded to constants/atoms), or
// the multi-line "let ... in (...)" form otherwise. Both share the same
// binder-list and output-list rendering.
func (p *printer) writeJaxpr(b *strings.Builder, j *Jaxpr, indent string) {
	b.WriteString("{ lambda")
	var binders []string
	for _, v := range j.ConstVars {
		binders = append(binders, p.binder(v))
	}
	if len(j.ConstVars) > 0 {
		binders = append(binders, ";")
	}
	for _, v := range j.InVars {
		binders = append(binders, p.binder(v))
	}
	for _, s := range binders {
		b.WriteByte(' ')
		b.WriteString(s)
	}
	b.WriteString(" .")

	outs := make([]string, len(j.OutAtoms))
	for i, a := range j.OutAtoms {
		outs[i] = p.atom(a)
	}
	outList := ""
	if len(outs) > 0 {
		outList = " " + strings.Join(outs, ", ")
	}

	if len(j.Eqns) == 0 {
		b.WriteString(" (" + outList + " ) }")
		return
	}

	b.WriteByte('\n')
	for i, eqn := range j.Eqns {
		if i == 0 {
			b.WriteString(indent + "  let ")
		} else {
			b.WriteString(indent + "      ")
		}
		p.writeEqn(b, eqn, indent+"      ")
		b.WriteByte('\n')
	}
	b.WriteString(indent + "  in (" + outList + " ) }")
}

// assignNames walks constVars, then inVars, then each equation's outVars
// (recursing into any nested jaxpr parameters first, so their own binders
// get their own independent name scope), in definition order, handing out
// a, b, c, …, z, aa, ab, … in order.
func (p *printer) assignNames(j *Jaxpr) {
	for _, v := range j.ConstVars {
		p.name(v)
	}
	for _, v := range j.InVars {
		p.name(v)
	}
	for _, eqn := range j.Eqns {
		for _, nested := range nestedJaxprs(eqn.Params) {
			(&printer{names: p.names, next: 0}).assignNestedNames(nested)
		}
		for _, v := range eqn.OutVars {
			p.name(v)
		}
	}
}

// assignNestedNames gives a nested jaxpr its own independent letter scope,
// starting again from "a" — each `{ ... }` block is self-contained.
func (p *printer) assignNestedNames(j *Jaxpr) {
	p.assignNames(j)
}

func (p *printer) name(v *Var) string {
	if n, ok := p.names[v.id]; ok {
		return n
	}
	n := letterName(p.next)
	p.next++
	p.names[v.id] = n
	return n
}

func letterName(i int) string {
	var letters []byte
	i++
	for i > 0 {
		i--
		letters = append([]byte{byte('a' + i%26)}, letters...)
		i /= 26
	}
	return string(letters)
}

func (p *printer) binder(v *Var) string {
	return p.name(v) + ":" + v.Av.String()
}

func (p *printer) atom(a Atom) string {
	switch t := a.(type) {
	case *Var:
		return p.name(t)
	case Literal:
		return literalString(t.Value)
	default:
		return fmt.Sprintf("%v", a)
	}
}

func literalString(v interface{}) string {
	switch x := v.(type) {
	case int:
		return fmt.Sprintf("%d", x)
	case int64:
		return fmt.Sprintf("%d", x)
	case float64:
		return fmt.Sprintf("%g", x)
	case float32:
		return fmt.Sprintf("%g", x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", x)
	}
}

// nestedJaxprs extracts any *ClosedJaxpr values stashed in an equation's
// params (e.g. jit's "jaxpr" param), in sorted key order for determinism.
func nestedJaxprs(params prim.Params) []*Jaxpr {
	var out []*Jaxpr
	for _, k := range sortedKeys(params) {
		if cj, ok := params[k].(*ClosedJaxpr); ok {
			out = append(out, cj.Jaxpr)
		}
	}
	return out
}

func sortedKeys(params prim.Params) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *printer) writeEqn(b *strings.Builder, eqn *Eqn, nestedIndent string) {
	for i, v := range eqn.OutVars {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p.binder(v))
	}
	b.WriteString(" = ")
	b.WriteString(eqn.Primitive.Name)
	b.WriteString(p.paramsString(eqn.Params, nestedIndent))
	for _, in := range eqn.InAtoms {
		b.WriteByte(' ')
		b.WriteString(p.atom(in))
	}
}

// paramsString renders scalar params as {k=v, ...} in sorted key order for
// determinism, and a nested jaxpr param on its own indented block under
// its parameter name.
func (p *printer) paramsString(params prim.Params, nestedIndent string) string {
	if len(params) == 0 {
		return ""
	}
	keys := sortedKeys(params)
	var scalars []string
	var nested strings.Builder
	for _, k := range keys {
		v := params[k]
		if cj, ok := v.(*ClosedJaxpr); ok {
			nested.WriteString("[" + k + "=")
			p.writeJaxpr(&nested, cj.Jaxpr, nestedIndent)
			nested.WriteString("]")
			continue
		}
		scalars = append(scalars, fmt.Sprintf("%s=%s", k, paramValueString(v)))
	}
	s := nested.String()
	if len(scalars) > 0 {
		s += "{" + strings.Join(scalars, ",") + "}"
	}
	return s
}

func paramValueString(v interface{}) string {
	switch x := v.(type) {
	case []int:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = fmt.Sprintf("%d", e)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return literalString(v)
	}
}
