// Package trace implements the dynamically scoped interpreter stack:
// Bind routes every primitive application through the topmost active
// trace, rather than through any single fixed dispatch table.
package trace

import (
	"sync"

	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/errs"
	"github.com/gojax/tracer/prim"
)

// Tracer is an IR-side stand-in for a value, owned by a Trace. User code
// never type-switches on concrete tracer kinds directly — it only ever
// calls primitive wrappers, which call Bind.
type Tracer interface {
	Aval() avl.Aval
	Trace() Trace
}

// Trace is one interpreter in the stack: eager, JVP, jaxpr-staging, or
// batching. Each trace owns one tracer kind and dispatches by primitive
// through its own rule table rather than a type switch.
type Trace interface {
	Level() int
	// Pure lifts a non-tracer concrete value into this trace's tracer type.
	Pure(x interface{}) (Tracer, error)
	// Lift embeds a tracer belonging to a strictly lower trace into this
	// trace (e.g. JVP lifts an eager value to (x, Zero)).
	Lift(t Tracer) (Tracer, error)
	// ProcessPrimitive dispatches p across already-lifted tracer args and
	// returns raw (possibly-tracer, possibly-concrete) outputs.
	ProcessPrimitive(p *prim.Primitive, params prim.Params, args []Tracer) ([]interface{}, error)
	// FullLower exposes a lower-level value once this trace no longer
	// needs to track v, e.g. unwrapping a finished eager tracer to its
	// raw backend buffer.
	FullLower(v interface{}) interface{}
}

// MainTrace is one stack entry: a trace paired with the level it was
// pushed at. Levels are strictly increasing up the stack; level 0 is
// reserved for the bottom eager trace.
type MainTrace struct {
	Level int
	Trace Trace
}

// Stack is the goroutine-wide trace stack plus the optional
// dynamic-trace override jit staging needs. Callers are expected to
// trace from a single goroutine at a time; Push/Pop/Bind still take
// the internal lock so concurrent reads never race.
type Stack struct {
	mu      sync.Mutex
	mains   []*MainTrace
	dynamic *MainTrace
}

// NewStack creates a stack with base seeded as the level-0 eager trace.
func NewStack(base Trace) *Stack {
	return &Stack{mains: []*MainTrace{{Level: 0, Trace: base}}}
}

// Handle is a scoped acquisition: Pop restores the stack to the state
// captured at Push time, on every exit path including a panic recovered
// higher up.
type Handle struct {
	stack    *Stack
	popCount int // 1 for a normal push, 0 for a dynamic-trace push (see below)
	dynamic  bool
	prevDyn  *MainTrace
}

// Push adds t as a new, higher-level trace and returns a Handle whose
// Pop removes it. Use via:
//
//	h := stack.Push(t)
//	defer h.Pop()
func (s *Stack) Push(t Trace) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	level := s.mains[len(s.mains)-1].Level + 1
	s.mains = append(s.mains, &MainTrace{Level: level, Trace: t})
	return &Handle{stack: s, popCount: 1}
}

// PushDynamic installs t as the dynamic-trace override for the scope of
// the returned Handle — used by jit staging: a call with no tracer
// arguments at all still routes through t.
func (s *Stack) PushDynamic(t Trace) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	level := s.mains[len(s.mains)-1].Level + 1
	mt := &MainTrace{Level: level, Trace: t}
	h := &Handle{stack: s, dynamic: true, prevDyn: s.dynamic}
	s.dynamic = mt
	return h
}

// Pop restores the stack (or dynamic override) to its pre-Push state.
// Calling Pop more than once is a no-op, making `defer h.Pop()` safe
// even when the pushed scope also pops explicitly on a clean path.
func (h *Handle) Pop() {
	if h == nil || h.stack == nil {
		return
	}
	h.stack.mu.Lock()
	defer h.stack.mu.Unlock()
	if h.dynamic {
		h.stack.dynamic = h.prevDyn
	} else if h.popCount > 0 {
		h.popCount = 0
		h.stack.mains = h.stack.mains[:len(h.stack.mains)-1]
	}
	h.stack = nil
}

// topMain returns the highest-priority main trace: the higher of the
// max tracer argument level and the dynamic-trace level.
func (s *Stack) topMain(args []interface{}) *MainTrace {
	s.mu.Lock()
	defer s.mu.Unlock()

	top := s.mains[0]
	for _, a := range args {
		if t, ok := a.(Tracer); ok {
			if lvl := t.Trace().Level(); lvl > top.Level {
				top = &MainTrace{Level: lvl, Trace: t.Trace()}
			}
		}
	}
	if s.dynamic != nil && s.dynamic.Level > top.Level {
		top = s.dynamic
	}
	return top
}

// Bind lifts every argument into the topmost relevant trace, dispatches
// p against them, and fully lowers each output.
func (s *Stack) Bind(p *prim.Primitive, params prim.Params, args ...interface{}) ([]interface{}, error) {
	top := s.topMain(args)

	lifted := make([]Tracer, len(args))
	for i, a := range args {
		t, ok := a.(Tracer)
		if !ok {
			pure, err := top.Trace.Pure(a)
			if err != nil {
				return nil, err
			}
			lifted[i] = pure
			continue
		}
		if t.Trace().Level() == top.Level {
			lifted[i] = t
			continue
		}
		if t.Trace().Level() > top.Level {
			return nil, errs.LevelViolationf("tracer at level %d appeared above top trace at level %d", t.Trace().Level(), top.Level).WithPrimitive(p.Name)
		}
		l, err := top.Trace.Lift(t)
		if err != nil {
			return nil, err
		}
		lifted[i] = l
	}

	outs, err := top.Trace.ProcessPrimitive(p, params, lifted)
	if err != nil {
		if te, ok := err.(*errs.TraceError); ok && te.Primitive == "" {
			return nil, te.WithPrimitive(p.Name)
		}
		return nil, err
	}

	for i, o := range outs {
		outs[i] = top.Trace.FullLower(o)
	}
	return outs, nil
}

// Stack's Bind method signature already matches prim.Ctx, so a *Stack can
// be passed directly wherever a rule function needs to recurse back into
// bind (e.g. transposing "mul" by binding another "mul").
