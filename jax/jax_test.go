package jax

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/backend"
	"github.com/gojax/tracer/numpy"
)

func scalarBuf(v float64) backend.Buffer {
	return backend.NewBuffer(avl.Shape{}, avl.Float64, []float64{v})
}

func vecBuf(vs ...float64) backend.Buffer {
	return backend.NewBuffer(avl.Shape{len(vs)}, avl.Float64, vs)
}

func bufData(t *testing.T, v interface{}) []float64 {
	t.Helper()
	b, ok := v.(backend.Buffer)
	if !ok {
		t.Fatalf("expected a backend.Buffer, got %T", v)
	}
	return b.Data()
}

func TestEnvGradSquare(t *testing.T) {
	e := NewEnv(backend.NewRef())
	square := func(args ...interface{}) (interface{}, error) {
		return numpy.Mul(e.Stack, args[0], args[0])
	}

	grads, err := e.Grad(square, []interface{}{scalarBuf(3)})
	if err != nil {
		t.Fatalf("Grad error: %v", err)
	}
	if len(grads) != 1 {
		t.Fatalf("got %d grads, want 1", len(grads))
	}
	got := bufData(t, grads[0])
	want := []float64{6}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("grad(x*x)(3) mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvValueAndGradSinSquared(t *testing.T) {
	e := NewEnv(backend.NewRef())
	f := func(args ...interface{}) (interface{}, error) {
		s, err := numpy.Sin(e.Stack, args[0])
		if err != nil {
			return nil, err
		}
		return numpy.Mul(e.Stack, s, s)
	}

	x := 0.7
	value, grads, err := e.ValueAndGrad(f, []interface{}{scalarBuf(x)})
	if err != nil {
		t.Fatalf("ValueAndGrad error: %v", err)
	}
	wantValue := math.Sin(x) * math.Sin(x)
	gotValue := bufData(t, value)[0]
	if math.Abs(gotValue-wantValue) > 1e-9 {
		t.Errorf("value = %v, want %v", gotValue, wantValue)
	}
	wantGrad := 2 * math.Sin(x) * math.Cos(x)
	gotGrad := bufData(t, grads[0])[0]
	if math.Abs(gotGrad-wantGrad) > 1e-9 {
		t.Errorf("grad = %v, want %v", gotGrad, wantGrad)
	}
}

func TestEnvJvpLinearFunction(t *testing.T) {
	e := NewEnv(backend.NewRef())
	f := func(args ...interface{}) (interface{}, error) {
		return numpy.Add(e.Stack, args[0], args[1])
	}

	primalOut, tangentOut, err := e.Jvp(f,
		[]interface{}{scalarBuf(2), scalarBuf(5)},
		[]interface{}{scalarBuf(1), scalarBuf(1)},
	)
	if err != nil {
		t.Fatalf("Jvp error: %v", err)
	}
	if got := bufData(t, primalOut)[0]; got != 7 {
		t.Errorf("primal = %v, want 7", got)
	}
	if got := bufData(t, tangentOut)[0]; got != 2 {
		t.Errorf("tangent = %v, want 2", got)
	}
}

func TestEnvVmapAdd(t *testing.T) {
	e := NewEnv(backend.NewRef())
	f := func(args ...interface{}) (interface{}, error) {
		return numpy.Add(e.Stack, args[0], args[1])
	}

	a := backend.NewBuffer(avl.Shape{3}, avl.Float64, []float64{1, 2, 3})
	b := backend.NewBuffer(avl.Shape{3}, avl.Float64, []float64{10, 20, 30})

	out, err := e.Vmap(f, []interface{}{a, b}, []int{0, 0}, []int{0})
	if err != nil {
		t.Fatalf("Vmap error: %v", err)
	}
	got := bufData(t, out)
	want := []float64{11, 22, 33}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("vmap(add) mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvJitMatchesEagerAndCaches(t *testing.T) {
	e := NewEnv(backend.NewRef())
	calls := 0
	f := func(args ...interface{}) (interface{}, error) {
		calls++
		p, err := numpy.Mul(e.Stack, args[0], args[1])
		if err != nil {
			return nil, err
		}
		return numpy.Add(e.Stack, p, args[0])
	}
	jitted := e.Jit(f)

	out1, err := jitted(scalarBuf(3), scalarBuf(4))
	if err != nil {
		t.Fatalf("jitted call 1 error: %v", err)
	}
	if got := bufData(t, out1)[0]; got != 15 { // 3*4+3
		t.Errorf("jitted(3,4) = %v, want 15", got)
	}

	out2, err := jitted(scalarBuf(5), scalarBuf(2))
	if err != nil {
		t.Fatalf("jitted call 2 error: %v", err)
	}
	if got := bufData(t, out2)[0]; got != 15 { // 5*2+5
		t.Errorf("jitted(5,2) = %v, want 15", got)
	}
	if calls != 1 {
		t.Errorf("f was called %d times across two same-shape jitted calls, want 1 (second should be a cache hit)", calls)
	}

	eagerOut, err := f(scalarBuf(5), scalarBuf(2))
	if err != nil {
		t.Fatalf("eager reference call error: %v", err)
	}
	if diff := cmp.Diff(bufData(t, eagerOut), bufData(t, out2)); diff != "" {
		t.Errorf("jitted vs eager mismatch (-eager +jitted):\n%s", diff)
	}
}

// bufferHolder mimics a caller's argument struct wrapping an opaque
// backend buffer behind an exported field — the shape that exercises
// pytree's opaque-leaf handling through Env's flatten/unflatten plumbing.
type bufferHolder struct {
	X interface{}
}

func TestEnvGradWithArgnumsSkipsNonSelectedNonNumericArgument(t *testing.T) {
	e := NewEnv(backend.NewRef())
	// mode is a plain string, not a pytree of numbers — it must reach f
	// untouched, never wrapped in a JVP tracer, since it is not named by
	// Argnums.
	f := func(args ...interface{}) (interface{}, error) {
		x, mode, y := args[0], args[1].(string), args[2]
		if mode != "mul" {
			t.Fatalf("mode arg = %q, want it passed through unchanged as %q", mode, "mul")
		}
		return numpy.Mul(e.Stack, x, y)
	}

	grads, err := e.Grad(f, []interface{}{scalarBuf(3), "mul", scalarBuf(5)}, WithArgnums(0, 2))
	if err != nil {
		t.Fatalf("Grad error: %v", err)
	}
	if len(grads) != 2 {
		t.Fatalf("got %d grads, want 2 (one per selected argnum)", len(grads))
	}
	if got := bufData(t, grads[0])[0]; got != 5 { // d(x*y)/dx = y = 5
		t.Errorf("grad wrt x = %v, want 5", got)
	}
	if got := bufData(t, grads[1])[0]; got != 3 { // d(x*y)/dy = x = 3
		t.Errorf("grad wrt y = %v, want 3", got)
	}
}

func TestEnvGradWithSingleNonDefaultArgnum(t *testing.T) {
	e := NewEnv(backend.NewRef())
	f := func(args ...interface{}) (interface{}, error) {
		x, y := args[0], args[1]
		return numpy.Mul(e.Stack, x, y)
	}

	// Argnums selects only position 1 — x (position 0) must be held fixed
	// and never wrapped in a tracer, even though it is itself numeric.
	grads, err := e.Grad(f, []interface{}{scalarBuf(3), scalarBuf(5)}, WithArgnums(1))
	if err != nil {
		t.Fatalf("Grad error: %v", err)
	}
	if len(grads) != 1 {
		t.Fatalf("got %d grads, want 1", len(grads))
	}
	if got := bufData(t, grads[0])[0]; got != 3 { // d(x*y)/dy = x = 3
		t.Errorf("grad wrt y = %v, want 3", got)
	}
}

func TestEnvGradOverStructArgumentWithOpaqueBuffer(t *testing.T) {
	e := NewEnv(backend.NewRef())
	f := func(args ...interface{}) (interface{}, error) {
		h := args[0].(bufferHolder)
		return numpy.Mul(e.Stack, h.X, h.X)
	}

	grads, err := e.Grad(f, []interface{}{bufferHolder{X: scalarBuf(4)}})
	if err != nil {
		t.Fatalf("Grad error: %v", err)
	}
	holder, ok := grads[0].(bufferHolder)
	if !ok {
		t.Fatalf("expected grad to rebuild a bufferHolder, got %T", grads[0])
	}
	if got := bufData(t, holder.X)[0]; got != 8 {
		t.Errorf("grad(x*x)(4) via struct arg = %v, want 8", got)
	}
}
