// Package jax is the top-level, pytree-aware entry point: the thin public
// surface a host program imports, wrapping the leaf-level transform/jit
// packages with tree.Flatten/Unflatten so a caller can differentiate,
// batch, or compile a function over arbitrarily nested Go values instead
// of bare leaf slices: this library exposes no command surface of its
// own, only the programmatic API a host program imports.
package jax

import (
	"fmt"

	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/backend"
	"github.com/gojax/tracer/ir"
	"github.com/gojax/tracer/jit"
	"github.com/gojax/tracer/trace"
	"github.com/gojax/tracer/transform"
	"github.com/gojax/tracer/tree"
)

// Env owns the interpreter stack and backend a host program traces
// against. It is an explicit value, never a package global: construct
// one per goroutine that traces.
type Env struct {
	Stack   *trace.Stack
	Backend backend.Backend
}

// NewEnv builds an Env over be, seeded with the base eager trace.
func NewEnv(be backend.Backend) *Env {
	return &Env{Stack: trace.NewStack(trace.NewEagerTrace(be)), Backend: be}
}

// Options configures a transformation: which argument(s) to differentiate
// (Argnums, default {0}), whether f returns an (out, aux) pair (HasAux),
// and whether f is being differentiated as a holomorphic complex function.
// Holomorphic is accepted for API parity with jax's own signature but is a
// no-op here — this core's dtypes carry no complex-valued arithmetic rules
// (see DESIGN.md), so a Holomorphic request changes nothing and never
// silently does the wrong thing; it just has nothing to turn on yet.
type Options struct {
	HasAux      bool
	Argnums     []int
	Holomorphic bool
}

// Option configures Options via the functional-option convention used
// throughout this module.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{Argnums: []int{0}}
}

// WithHasAux marks f as returning (value, aux) instead of value alone.
func WithHasAux(b bool) Option { return func(o *Options) { o.HasAux = b } }

// WithArgnums names the positional arguments to differentiate.
func WithArgnums(argnums ...int) Option { return func(o *Options) { o.Argnums = argnums } }

// WithHolomorphic is accepted for signature parity; see Options.Holomorphic.
func WithHolomorphic(b bool) Option { return func(o *Options) { o.Holomorphic = b } }

func applyOptions(opts []Option) *Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Func is the pytree-level function shape every transformation in this
// package operates on: a fixed-arity list of pytree arguments to a single
// pytree result.
type Func func(args ...interface{}) (interface{}, error)

// argSet is one call's arguments already decomposed into leaves, each
// argument's own Structure, and the leaf count belonging to each argument
// — recording the count directly, rather than re-deriving it from
// Structure later, since Structure itself carries no leaf count.
type argSet struct {
	leaves  []interface{}
	structs []tree.Structure
	counts  []int
}

func flattenArgs(args []interface{}) argSet {
	as := argSet{structs: make([]tree.Structure, len(args)), counts: make([]int, len(args))}
	for i, a := range args {
		ls, s := tree.Flatten(a)
		as.structs[i] = s
		as.counts[i] = len(ls)
		as.leaves = append(as.leaves, ls...)
	}
	return as
}

// rebuildArgs is flattenArgs in reverse: splits a flat leaf slice (which
// may hold concrete values or tracers belonging to an active
// transformation) back into the per-argument pytrees f expects, using the
// structures and counts captured from the original concrete call.
func (as argSet) rebuildArgs(leaves []interface{}) ([]interface{}, error) {
	args := make([]interface{}, len(as.structs))
	rest := leaves
	for i, s := range as.structs {
		n := as.counts[i]
		v, err := tree.Unflatten(s, rest[:n])
		if err != nil {
			return nil, err
		}
		args[i] = v
		rest = rest[n:]
	}
	return args, nil
}

// argnumSet converts a list of argument positions into a membership set.
func argnumSet(argnums []int) map[int]bool {
	s := make(map[int]bool, len(argnums))
	for _, n := range argnums {
		s[n] = true
	}
	return s
}

// partitionByArgnum splits as's leaves into those belonging to a selected
// argument (diff) and everything else (fixed), recording per-leaf which
// side it came from so mergeLeaves can restore the original order.
// Argnum-selective differentiation must never route a non-selected
// argument's leaves through a JVP trace: a fixed argument's pytree can
// hold anything (strings, config, opaque handles), and wrapping its
// leaves in a tracer would hand the user function a *trace.JVPTracer
// where it expects the original value.
func (as argSet) partitionByArgnum(selected map[int]bool) (diff, fixed []interface{}, leafSelected []bool) {
	leafSelected = make([]bool, len(as.leaves))
	idx := 0
	for i, n := range as.counts {
		sel := selected[i]
		for j := 0; j < n; j++ {
			leafSelected[idx] = sel
			if sel {
				diff = append(diff, as.leaves[idx])
			} else {
				fixed = append(fixed, as.leaves[idx])
			}
			idx++
		}
	}
	return diff, fixed, leafSelected
}

// selectedRanges maps each selected argument's index to its [start,end)
// span within partitionByArgnum's diff slice, in ascending argument order
// (the same order partitionByArgnum appends in) — used to split a
// gradient computed over diff leaves back into one pytree per argnum.
func (as argSet) selectedRanges(selected map[int]bool) map[int][2]int {
	ranges := make(map[int][2]int, len(selected))
	pos := 0
	for i, n := range as.counts {
		if selected[i] {
			ranges[i] = [2]int{pos, pos + n}
			pos += n
		}
	}
	return ranges
}

// mergeLeaves recombines a diff/fixed leaf split back into the original
// left-to-right leaf order recorded by leafSelected.
func mergeLeaves(leafSelected []bool, diff, fixed []interface{}) []interface{} {
	out := make([]interface{}, len(leafSelected))
	di, fi := 0, 0
	for i, sel := range leafSelected {
		if sel {
			out[i] = diff[di]
			di++
		} else {
			out[i] = fixed[fi]
			fi++
		}
	}
	return out
}

// flatFunc adapts f (pytree args -> pytree result) to the leaf-level shape
// transform/jit operate on. outStruct receives f's output Structure on
// every call, since a transformation's own leaf-level callback has no
// other place to report it.
func flatFunc(f Func, as argSet, outStruct *tree.Structure) func([]interface{}) ([]interface{}, error) {
	return func(leaves []interface{}) ([]interface{}, error) {
		args, err := as.rebuildArgs(leaves)
		if err != nil {
			return nil, err
		}
		out, err := f(args...)
		if err != nil {
			return nil, err
		}
		outLeaves, s := tree.Flatten(out)
		*outStruct = s
		return outLeaves, nil
	}
}

func avalOf(v interface{}) avl.Aval {
	if t, ok := v.(trace.Tracer); ok {
		return t.Aval()
	}
	if a, ok := v.(avl.Aval); ok {
		return a
	}
	if b, ok := v.(backend.Buffer); ok {
		return b
	}
	return avl.NewConcrete(avl.Shape{}, avl.Float64, v)
}

// MakeJaxpr stages f over sample pytree args into a closed jaxpr, plus the
// output Structure needed to rebuild a pytree around a later call's flat
// results.
func (e *Env) MakeJaxpr(f Func, args ...interface{}) (*ir.ClosedJaxpr, tree.Structure, error) {
	as := flattenArgs(args)
	avals := make([]avl.Aval, len(as.leaves))
	for i, l := range as.leaves {
		avals[i] = avalOf(l)
	}

	var outStruct tree.Structure
	cj, err := trace.MakeJaxpr(e.Stack, e.Backend, avals, flatFunc(f, as, &outStruct))
	if err != nil {
		return nil, tree.Structure{}, err
	}
	return cj, outStruct, nil
}

// Jit compiles f, returning a callable that traces once per distinct input
// pytree shape/dtype combination and replays a cached jaxpr thereafter.
// The returned closure owns its own *jit.Fn, so repeated calls against
// the same shape hit the same cache.
func (e *Env) Jit(f Func, opts ...jit.Option) Func {
	var current argSet
	var outStruct tree.Structure

	flat := func(leaves []interface{}) ([]interface{}, error) {
		return flatFunc(f, current, &outStruct)(leaves)
	}
	jfn := jit.New(e.Stack, e.Backend, flat, opts...)

	return func(args ...interface{}) (interface{}, error) {
		current = flattenArgs(args)

		var key string
		for _, s := range current.structs {
			key += fmt.Sprintf("%+v|", s)
		}

		outLeaves, err := jfn.Call(key, current.leaves...)
		if err != nil {
			return nil, err
		}
		return tree.Unflatten(outStruct, outLeaves)
	}
}

// Jvp runs f forward-mode at primals with tangents attached, returning
// (primalsOut, tangentsOut) as pytrees matching f's output shape.
func (e *Env) Jvp(f Func, primals, tangents []interface{}) (interface{}, interface{}, error) {
	pSet := flattenArgs(primals)
	tSet := flattenArgs(tangents)

	var outStruct tree.Structure
	pOut, tOut, err := transform.Jvp(e.Stack, flatFunc(f, pSet, &outStruct), pSet.leaves, tSet.leaves)
	if err != nil {
		return nil, nil, err
	}
	pv, err := tree.Unflatten(outStruct, pOut)
	if err != nil {
		return nil, nil, err
	}
	tv, err := tree.Unflatten(outStruct, tOut)
	if err != nil {
		return nil, nil, err
	}
	return pv, tv, nil
}

// Linearize runs f at primals and captures its tangent-linear behaviour as
// a closed jaxpr over tangent leaves.
func (e *Env) Linearize(f Func, primals ...interface{}) (interface{}, *ir.ClosedJaxpr, error) {
	as := flattenArgs(primals)
	var outStruct tree.Structure
	primalLeaves, linJaxpr, err := transform.Linearize(e.Stack, e.Backend, flatFunc(f, as, &outStruct), as.leaves)
	if err != nil {
		return nil, nil, err
	}
	pv, err := tree.Unflatten(outStruct, primalLeaves)
	if err != nil {
		return nil, nil, err
	}
	return pv, linJaxpr, nil
}

// Vjp linearizes f at primals and returns a backward closure transposing
// caller-supplied output cotangents into one cotangent pytree per input.
func (e *Env) Vjp(f Func, primals ...interface{}) (interface{}, func(interface{}) ([]interface{}, error), error) {
	as := flattenArgs(primals)
	var outStruct tree.Structure

	primalLeaves, backward, err := transform.Vjp(e.Stack, e.Backend, flatFunc(f, as, &outStruct), as.leaves)
	if err != nil {
		return nil, nil, err
	}
	pv, err := tree.Unflatten(outStruct, primalLeaves)
	if err != nil {
		return nil, nil, err
	}

	back := func(cotangent interface{}) ([]interface{}, error) {
		ctLeaves, _ := tree.Flatten(cotangent)
		gradLeaves, err := backward(ctLeaves)
		if err != nil {
			return nil, err
		}
		return as.rebuildArgs(gradLeaves)
	}
	return pv, back, nil
}

// FuncAux is Func for a function invoked with WithHasAux(true): the second
// return value is carried through untransformed.
type FuncAux func(args ...interface{}) (interface{}, interface{}, error)

// VjpWithAux is Vjp for a function returning (main, aux): aux is computed
// and returned but never differentiated.
func (e *Env) VjpWithAux(f FuncAux, primals ...interface{}) (interface{}, interface{}, func(interface{}) ([]interface{}, error), error) {
	as := flattenArgs(primals)
	var outStruct, auxStruct tree.Structure

	ff := func(leaves []interface{}) ([]interface{}, []interface{}, error) {
		args, err := as.rebuildArgs(leaves)
		if err != nil {
			return nil, nil, err
		}
		main, aux, err := f(args...)
		if err != nil {
			return nil, nil, err
		}
		mainLeaves, ms := tree.Flatten(main)
		auxLeaves, as2 := tree.Flatten(aux)
		outStruct, auxStruct = ms, as2
		return mainLeaves, auxLeaves, nil
	}

	mainLeaves, auxLeaves, backward, err := transform.VjpWithAux(e.Stack, e.Backend, ff, as.leaves)
	if err != nil {
		return nil, nil, nil, err
	}
	mv, err := tree.Unflatten(outStruct, mainLeaves)
	if err != nil {
		return nil, nil, nil, err
	}
	av, err := tree.Unflatten(auxStruct, auxLeaves)
	if err != nil {
		return nil, nil, nil, err
	}

	back := func(cotangent interface{}) ([]interface{}, error) {
		ctLeaves, _ := tree.Flatten(cotangent)
		gradLeaves, err := backward(ctLeaves)
		if err != nil {
			return nil, err
		}
		return as.rebuildArgs(gradLeaves)
	}
	return mv, av, back, nil
}

// Grad returns the gradient of f's scalar output with respect to the
// argument positions named by opts' Argnums (default: argument 0).
// Arguments outside Argnums are passed to f exactly as given — never
// wrapped in a JVP tracer — so a non-differentiated argument can hold
// anything, not just a numeric pytree.
func (e *Env) Grad(f Func, args []interface{}, opts ...Option) ([]interface{}, error) {
	o := applyOptions(opts)
	as := flattenArgs(args)
	selected := argnumSet(o.Argnums)
	diffLeaves, fixedLeaves, leafSelected := as.partitionByArgnum(selected)
	ranges := as.selectedRanges(selected)

	var outStruct tree.Structure
	flat := flatFunc(f, as, &outStruct)
	diffFunc := func(diffArgs []interface{}) ([]interface{}, error) {
		return flat(mergeLeaves(leafSelected, diffArgs, fixedLeaves))
	}

	gradDiff, err := transform.Grad(e.Stack, e.Backend, diffFunc, diffLeaves)
	if err != nil {
		return nil, err
	}

	out := make([]interface{}, len(o.Argnums))
	for i, n := range o.Argnums {
		r := ranges[n]
		v, err := tree.Unflatten(as.structs[n], gradDiff[r[0]:r[1]])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ValueAndGrad is Grad plus f's own scalar output, computed in one pass.
// Arguments outside Argnums are held fixed exactly as Grad holds them.
func (e *Env) ValueAndGrad(f Func, args []interface{}, opts ...Option) (interface{}, []interface{}, error) {
	o := applyOptions(opts)
	as := flattenArgs(args)
	selected := argnumSet(o.Argnums)
	diffLeaves, fixedLeaves, leafSelected := as.partitionByArgnum(selected)
	ranges := as.selectedRanges(selected)

	var outStruct tree.Structure
	flat := flatFunc(f, as, &outStruct)
	diffFunc := func(diffArgs []interface{}) ([]interface{}, error) {
		return flat(mergeLeaves(leafSelected, diffArgs, fixedLeaves))
	}

	value, gradDiff, err := transform.ValueAndGrad(e.Stack, e.Backend, diffFunc, diffLeaves)
	if err != nil {
		return nil, nil, err
	}

	out := make([]interface{}, len(o.Argnums))
	for i, n := range o.Argnums {
		r := ranges[n]
		v, err := tree.Unflatten(as.structs[n], gradDiff[r[0]:r[1]])
		if err != nil {
			return nil, nil, err
		}
		out[i] = v
	}
	return value, out, nil
}

// Jacfwd computes the Jacobian of f (single array argument, single array
// result) by forward-mode AD.
func (e *Env) Jacfwd(f Func, primal interface{}) (backend.Buffer, error) {
	ff := func(leaves []interface{}) ([]interface{}, error) {
		out, err := f(leaves[0])
		if err != nil {
			return nil, err
		}
		return []interface{}{out}, nil
	}
	return transform.Jacfwd(e.Stack, ff, primal)
}

// Jacrev computes the Jacobian of f (single array argument, single array
// result) by reverse-mode AD.
func (e *Env) Jacrev(f Func, primal interface{}) (backend.Buffer, error) {
	ff := func(leaves []interface{}) ([]interface{}, error) {
		out, err := f(leaves[0])
		if err != nil {
			return nil, err
		}
		return []interface{}{out}, nil
	}
	return transform.Jacrev(e.Stack, e.Backend, ff, primal)
}

// Vmap maps f over the leading (or inAxes-selected) axis of each argument.
// outAxes is required to have one entry per f output leaf; a function
// whose output is a single array passes []int{0} for "stack along axis
// 0", the common case.
func (e *Env) Vmap(f Func, args []interface{}, inAxes []int, outAxes []int) (interface{}, error) {
	as := flattenArgs(args)
	var outStruct tree.Structure

	outs, err := transform.Vmap(e.Stack, flatFunc(f, as, &outStruct), as.leaves, inAxes, outAxes)
	if err != nil {
		return nil, err
	}
	return tree.Unflatten(outStruct, outs)
}
