// Package prim is the primitive registry: named operations with a fixed
// arity and parameter dictionary, each carrying abstract-eval, eager impl,
// jvp, transpose, and batching rule tables.
//
// prim never imports the IR or trace packages. Primitives whose rules need
// to recurse into bind (jvp/transpose/batch rules that themselves compose
// primitives) do so through the Ctx interface below, which trace
// implementations satisfy — this keeps prim a leaf package, free of any
// dependency on the interpreter that executes it.
package prim

import (
	"fmt"
	"sync"

	"github.com/gojax/tracer/avl"
)

// Params is a primitive's parameter dictionary: literal values keyed by
// name, including — for higher-order primitives like jit — a nested
// *ir.ClosedJaxpr stashed as interface{} to avoid an import cycle.
type Params map[string]interface{}

// Ctx is the subset of a trace's behaviour that rule implementations may
// call back into: re-entering bind for a primitive composed of other
// primitives (e.g. transposing "mul" by binding another "mul").
type Ctx interface {
	Bind(p *Primitive, params Params, args ...interface{}) ([]interface{}, error)
}

// AbstractEvalFn checks input avals/params and computes the output avals.
type AbstractEvalFn func(params Params, in []avl.Aval) ([]avl.Aval, error)

// ImplFn is the eager (concrete) implementation, normally supplied by the
// backend rather than the primitive itself; a handful of core
// primitives (e.g. "jit" when inlined) implement it directly.
type ImplFn func(params Params, in []interface{}) ([]interface{}, error)

// JVPFn computes (primals_out, tangents_out) from (primals_in, tangents_in).
type JVPFn func(ctx Ctx, params Params, primals, tangents []interface{}) ([]interface{}, []interface{}, error)

// TransposeFn returns cotangent contributions for each linear input, given
// the equation's output cotangents. Non-linear inputs are passed by
// concrete value in `in`; linear inputs are passed as nil in `in` but have
// their static shape/dtype available via inAvals (transpose runs backward
// over a jaxpr, so a linear input's concrete value is never available —
// only its abstract value is).
type TransposeFn func(ctx Ctx, params Params, outCotangents []interface{}, inAvals []avl.Aval, in []interface{}, linear []bool) ([]interface{}, error)

// BatchFn returns (outputs, outAxes) given batched inputs and their batch
// axes (NoBatchAxis for an unbatched input).
type BatchFn func(ctx Ctx, params Params, in []interface{}, axes []int) ([]interface{}, []int, error)

// NoBatchAxis marks an input/output that carries no batch dimension.
const NoBatchAxis = -1

// Primitive is a registered operation. LinearInputs names the argument
// indices that are linear in the sense required by transpose; primitives
// with no linear inputs (comparisons, integer ops) are skipped during
// transposition and need not set Transpose.
type Primitive struct {
	AbstractEval AbstractEvalFn
	Impl         ImplFn
	JVP          JVPFn
	Transpose    TransposeFn
	Batch        BatchFn
	Name         string
	LinearInputs []int
}

// IsLinear reports whether argument index i is declared linear.
func (p *Primitive) IsLinear(i int) bool {
	for _, idx := range p.LinearInputs {
		if idx == i {
			return true
		}
	}
	return false
}

func (p *Primitive) String() string { return p.Name }

// Registry is a process-wide, append-only primitive table. It must be
// fully populated (AbstractEval is mandatory; Impl/JVP/Transpose/Batch
// are optional per-primitive) before any trace runs, and is read-only
// thereafter.
type Registry struct {
	byName map[string]*Primitive
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Primitive)}
}

// Register adds p to the registry. It panics on a duplicate name or a
// missing mandatory rule, since registration only ever happens at package
// init time — fail loudly and early, rather than surface a missing rule
// partway through a trace.
func (r *Registry) Register(p *Primitive) {
	if p.Name == "" {
		panic("prim: primitive registered with empty name")
	}
	if p.AbstractEval == nil {
		panic(fmt.Sprintf("prim: primitive %q missing AbstractEval", p.Name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[p.Name]; exists {
		panic(fmt.Sprintf("prim: primitive %q already registered", p.Name))
	}
	r.byName[p.Name] = p
}

// Lookup returns the primitive registered under name, if any.
func (r *Registry) Lookup(name string) (*Primitive, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// MustLookup is Lookup but panics on a missing primitive — used where the
// name is a compile-time constant supplied by this module's own wrappers.
func (r *Registry) MustLookup(name string) *Primitive {
	p, ok := r.Lookup(name)
	if !ok {
		panic(fmt.Sprintf("prim: no primitive registered under %q", name))
	}
	return p
}

// Default is the process-wide registry used by the numpy-like wrapper
// package and by jit. Tests that need isolation construct their own
// Registry instead.
var Default = NewRegistry()
