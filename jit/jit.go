// Package jit implements a staging cache and dispatch layer: a
// compiled function traces its body once per distinct input shape/dtype
// (and static-argument) combination, caches the resulting jaxpr in a
// bounded LRU, and replays a cache hit instead of re-tracing — compile
// once per distinct call shape, dispatch many times thereafter.
package jit

import (
	"fmt"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-logr/logr"

	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/backend"
	"github.com/gojax/tracer/errs"
	"github.com/gojax/tracer/ir"
	"github.com/gojax/tracer/prim"
	"github.com/gojax/tracer/trace"
	"github.com/gojax/tracer/transform"
)

// Signature is the jit cache key: a structural fingerprint of the input
// pytree shape (extraKey, supplied by a
// pytree-aware caller such as package jax), the abstract value of every
// dynamic leaf, and the static arguments' own representation, folded into
// one string so a plain LRU cache can key on it directly. This is not
// guaranteed collision-free for pathologically similar avals/static
// values formatting to the same text, but is exact for the tensor shapes
// and scalar static args this core targets.
type Signature string

func makeSignature(extraKey string, avals []avl.Aval, static []interface{}) Signature {
	var b strings.Builder
	b.WriteString(extraKey)
	b.WriteByte('|')
	for _, a := range avals {
		b.WriteString(a.String())
		b.WriteByte(',')
	}
	b.WriteByte('|')
	for _, s := range static {
		fmt.Fprintf(&b, "%#v,", s)
	}
	return Signature(b.String())
}

// Entry is one cached compilation.
type Entry struct {
	Jaxpr *ir.ClosedJaxpr
}

type config struct {
	logger        logr.Logger
	metrics       *Metrics
	name          string
	staticArgnums []int
	cacheSize     int
}

func defaultConfig() *config {
	return &config{logger: logr.Discard(), cacheSize: 256, name: "jit"}
}

// Option configures a Fn via the functional-option pattern.
type Option func(*config)

// WithCacheSize bounds the number of distinct signatures kept cached.
// Values <= 0 are ignored and the default of 256 is kept.
func WithCacheSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.cacheSize = n
		}
	}
}

// WithStaticArgnums names the argument positions compared by structural
// equality instead of traced.
func WithStaticArgnums(argnums ...int) Option {
	return func(c *config) { c.staticArgnums = argnums }
}

// WithLogger attaches a structured logger for cache hit/miss/compile
// events (off, via logr.Discard, by default).
func WithLogger(l logr.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics registers m as the Prometheus counters this Fn reports to.
// Passing nil (the default) disables metrics entirely.
func WithMetrics(m *Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithName labels this Fn's log lines and metric samples; defaults to "jit".
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// Stats is a point-in-time snapshot of one Fn's cache counters.
type Stats struct {
	Hits     int64
	Misses   int64
	Compiles int64
}

// Fn is a jit-compiled callable. Call operates on a flat slice of leaf
// arguments (numbers, buffers, or tracers belonging to an active
// transformation) — package jax's Jit wraps Fn with tree.Flatten/Unflatten
// for the common case of arbitrarily nested pytree arguments; Fn itself
// stays pytree-agnostic so it composes with a tracer argument (vmap/jvp
// over a jit-compiled function) without routing that tracer through
// reflection-based flattening, which a tracer's unexported fields cannot
// survive.
type Fn struct {
	f       func([]interface{}) ([]interface{}, error)
	stack   *trace.Stack
	backend backend.Backend
	cache   *lru.Cache
	cfg     *config

	hits, misses, compiles int64
}

// New wraps f as a jit-compiled callable bound to stack/be.
func New(stack *trace.Stack, be backend.Backend, f func([]interface{}) ([]interface{}, error), opts ...Option) *Fn {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	cache, err := lru.New(cfg.cacheSize)
	if err != nil {
		panic(fmt.Sprintf("jit: invalid cache size %d: %v", cfg.cacheSize, err))
	}
	return &Fn{f: f, stack: stack, backend: be, cache: cache, cfg: cfg}
}

// Stats snapshots fn's cache hit/miss/compile counters.
func (fn *Fn) Stats() Stats {
	return Stats{
		Hits:     atomic.LoadInt64(&fn.hits),
		Misses:   atomic.LoadInt64(&fn.misses),
		Compiles: atomic.LoadInt64(&fn.compiles),
	}
}

// Call runs fn against args: split static from dynamic arguments, compute
// a cache signature over the dynamic ones, and either replay a cached
// jaxpr or trace a new one. extraKey
// folds an additional structural fingerprint (the input pytree's
// Structure, when a caller has one) into the cache key; pass "" when
// args already is the full set of leaves with no richer structure to
// track.
func (fn *Fn) Call(extraKey string, args ...interface{}) ([]interface{}, error) {
	isStatic := make(map[int]bool, len(fn.cfg.staticArgnums))
	for _, i := range fn.cfg.staticArgnums {
		isStatic[i] = true
	}

	dyn := make([]interface{}, 0, len(args))
	static := make([]interface{}, 0, len(fn.cfg.staticArgnums))
	for i, a := range args {
		if isStatic[i] {
			static = append(static, a)
		} else {
			dyn = append(dyn, a)
		}
	}

	avals := make([]avl.Aval, len(dyn))
	for i, d := range dyn {
		avals[i] = avalOf(d)
	}
	sig := makeSignature(extraKey, avals, static)

	if cached, ok := fn.cache.Get(sig); ok {
		entry := cached.(*Entry)
		atomic.AddInt64(&fn.hits, 1)
		if fn.cfg.metrics != nil {
			fn.cfg.metrics.Hits.Inc()
		}
		fn.cfg.logger.V(1).Info("jit cache hit", "fn", fn.cfg.name, "signature", string(sig))
		return dispatch(fn.stack, entry.Jaxpr, dyn)
	}

	atomic.AddInt64(&fn.misses, 1)
	if fn.cfg.metrics != nil {
		fn.cfg.metrics.Misses.Inc()
	}
	fn.cfg.logger.V(1).Info("jit cache miss, tracing", "fn", fn.cfg.name, "signature", string(sig))

	cj, err := trace.MakeJaxpr(fn.stack, fn.backend, avals, func(tracedArgs []interface{}) ([]interface{}, error) {
		full := make([]interface{}, len(args))
		di := 0
		si := 0
		for i := range args {
			if isStatic[i] {
				full[i] = static[si]
				si++
				continue
			}
			full[i] = tracedArgs[di]
			di++
		}
		return fn.f(full)
	})
	if err != nil {
		return nil, err
	}

	atomic.AddInt64(&fn.compiles, 1)
	if fn.cfg.metrics != nil {
		fn.cfg.metrics.Compiles.Inc()
	}
	fn.cache.Add(sig, &Entry{Jaxpr: cj})

	return dispatch(fn.stack, cj, dyn)
}

// dispatch binds the "jit" primitive: at the top level (every dyn arg
// concrete, no active trace above eager) this drops straight to jitPrim's
// Impl, replaying cj concretely; inside any other active trace it stages
// a "jit" equation (JaxprTrace) or recurses through jitPrim's JVP/Batch
// rule — ordinary Bind dispatch, not special-cased here: being invoked
// inside another tracing context falls out of trace.Stack.Bind the same
// way ir.Eval's cache-hit replay does.
func dispatch(stack *trace.Stack, cj *ir.ClosedJaxpr, dyn []interface{}) ([]interface{}, error) {
	return stack.Bind(jitPrim, prim.Params{"jaxpr": cj}, dyn...)
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

// evalConcrete replays cj's equations against concrete args by calling
// each equation's own Impl rule directly — Impl has no Ctx parameter (a
// primitive's eager implementation is meant to be backend-supplied, not
// recursive), so this is the concrete-only counterpart of ir.Eval used
// from inside jitPrim's own Impl rule.
func evalConcrete(cj *ir.ClosedJaxpr, args []interface{}) ([]interface{}, error) {
	j := cj.Jaxpr
	env := make(map[int64]interface{}, len(j.ConstVars)+len(j.InVars))
	for i, v := range j.ConstVars {
		env[v.ID()] = cj.Consts[i]
	}
	for i, v := range j.InVars {
		env[v.ID()] = args[i]
	}

	resolve := func(a ir.Atom) interface{} {
		switch t := a.(type) {
		case *ir.Var:
			return env[t.ID()]
		case ir.Literal:
			return t.Value
		default:
			return nil
		}
	}

	for _, eqn := range j.Eqns {
		ins := make([]interface{}, len(eqn.InAtoms))
		for i, a := range eqn.InAtoms {
			ins[i] = resolve(a)
		}
		if eqn.Primitive.Impl == nil {
			return nil, errs.MissingRulef(eqn.Primitive.Name, "impl")
		}
		outs, err := eqn.Primitive.Impl(eqn.Params, ins)
		if err != nil {
			return nil, errs.Backend(err).WithPrimitive(eqn.Primitive.Name)
		}
		for i, v := range eqn.OutVars {
			env[v.ID()] = outs[i]
		}
	}

	out := make([]interface{}, len(j.OutAtoms))
	for i, a := range j.OutAtoms {
		out[i] = resolve(a)
	}
	return out, nil
}

func closedJaxprParam(params prim.Params) (*ir.ClosedJaxpr, error) {
	cj, ok := params["jaxpr"].(*ir.ClosedJaxpr)
	if !ok {
		return nil, errs.MissingRulef("jit", "missing jaxpr parameter")
	}
	return cj, nil
}

// jitPrim is the single process-wide "jit" primitive every Fn's cached
// equations reference by name (ir.Flatten inlines equations named "jit"
// specifically). Its rules never need to inspect which Fn produced a
// given equation — everything they need travels in params["jaxpr"].
var jitPrim = &prim.Primitive{
	Name: "jit",
	AbstractEval: func(params prim.Params, in []avl.Aval) ([]avl.Aval, error) {
		cj, err := closedJaxprParam(params)
		if err != nil {
			return nil, err
		}
		return cj.Jaxpr.OutAvals(), nil
	},
	Impl: func(params prim.Params, in []interface{}) ([]interface{}, error) {
		cj, err := closedJaxprParam(params)
		if err != nil {
			return nil, err
		}
		return evalConcrete(cj, in)
	},
	// JVP inlines the cached body through transform.Jvp rather than
	// re-emitting a nested "jit" equation: a jit equation never needs a
	// Transpose rule of its own because it never survives into a
	// linearized jaxpr — see Transpose's absence below.
	JVP: func(ctx prim.Ctx, params prim.Params, primals, tangents []interface{}) ([]interface{}, []interface{}, error) {
		cj, err := closedJaxprParam(params)
		if err != nil {
			return nil, nil, err
		}
		stack, ok := ctx.(*trace.Stack)
		if !ok {
			return nil, nil, errs.LevelViolationf("jit: jvp rule requires a *trace.Stack context")
		}
		replay := func(args []interface{}) ([]interface{}, error) { return ir.Eval(stack, cj, args) }
		return transform.Jvp(stack, replay, primals, tangents)
	},
	// Batch inlines the cached body through transform.Vmap for the same
	// reason JVP does: a batched jit equation is fully expanded into its
	// constituent primitives' own Batch rules rather than needing one of
	// its own.
	Batch: func(ctx prim.Ctx, params prim.Params, in []interface{}, axes []int) ([]interface{}, []int, error) {
		cj, err := closedJaxprParam(params)
		if err != nil {
			return nil, nil, err
		}
		stack, ok := ctx.(*trace.Stack)
		if !ok {
			return nil, nil, errs.LevelViolationf("jit: batch rule requires a *trace.Stack context")
		}
		replay := func(args []interface{}) ([]interface{}, error) { return ir.Eval(stack, cj, args) }
		outAxes := make([]int, len(cj.Jaxpr.OutAtoms))
		for i := range outAxes {
			outAxes[i] = 0
		}
		return transform.Vmap(stack, replay, in, axes, outAxes)
	},
}

func init() {
	prim.Default.Register(jitPrim)
}
