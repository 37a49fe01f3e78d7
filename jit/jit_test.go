package jit

import (
	"testing"

	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/backend"
	"github.com/gojax/tracer/numpy"
	"github.com/gojax/tracer/trace"
)

func buf(v float64) backend.Buffer {
	return backend.NewBuffer(avl.Shape{}, avl.Float64, []float64{v})
}

func data(t *testing.T, v interface{}) float64 {
	t.Helper()
	b, ok := v.(backend.Buffer)
	if !ok {
		t.Fatalf("expected a backend.Buffer, got %T", v)
	}
	return b.Data()[0]
}

func newEnv() (*trace.Stack, backend.Backend) {
	be := backend.NewRef()
	return trace.NewStack(trace.NewEagerTrace(be)), be
}

func TestFnCallTracesOnceAndCachesOnSecondCall(t *testing.T) {
	stack, be := newEnv()
	traces := 0
	f := func(args []interface{}) ([]interface{}, error) {
		traces++
		out, err := numpy.Add(stack, args[0], args[1])
		if err != nil {
			return nil, err
		}
		return []interface{}{out}, nil
	}
	fn := New(stack, be, f)

	out1, err := fn.Call("", buf(1), buf(2))
	if err != nil {
		t.Fatalf("Call 1 error: %v", err)
	}
	if got := data(t, out1[0]); got != 3 {
		t.Errorf("fn(1,2) = %v, want 3", got)
	}

	out2, err := fn.Call("", buf(10), buf(20))
	if err != nil {
		t.Fatalf("Call 2 error: %v", err)
	}
	if got := data(t, out2[0]); got != 30 {
		t.Errorf("fn(10,20) = %v, want 30", got)
	}

	if traces != 1 {
		t.Errorf("traced %d times, want 1 (second call should replay the cached jaxpr)", traces)
	}
	stats := fn.Stats()
	if stats.Compiles != 1 || stats.Misses != 1 || stats.Hits != 1 {
		t.Errorf("Stats = %+v, want {Hits:1 Misses:1 Compiles:1}", stats)
	}
}

func TestFnCallRetracesOnDifferentStaticArg(t *testing.T) {
	stack, be := newEnv()
	traces := 0
	f := func(args []interface{}) ([]interface{}, error) {
		traces++
		return []interface{}{args[0]}, nil
	}
	fn := New(stack, be, f, WithStaticArgnums(1))

	if _, err := fn.Call("", buf(1), "mode-a"); err != nil {
		t.Fatalf("Call with mode-a error: %v", err)
	}
	if _, err := fn.Call("", buf(1), "mode-b"); err != nil {
		t.Fatalf("Call with mode-b error: %v", err)
	}
	if traces != 2 {
		t.Errorf("traced %d times across two distinct static args, want 2", traces)
	}

	if _, err := fn.Call("", buf(1), "mode-a"); err != nil {
		t.Fatalf("repeat Call with mode-a error: %v", err)
	}
	if traces != 2 {
		t.Errorf("traced %d times after repeating a seen static arg, want 2 (cache hit)", traces)
	}
}

func TestFnCallBoundedCacheEvicts(t *testing.T) {
	stack, be := newEnv()
	f := func(args []interface{}) ([]interface{}, error) {
		return []interface{}{args[0]}, nil
	}
	fn := New(stack, be, f, WithCacheSize(1), WithStaticArgnums(1))

	if _, err := fn.Call("", buf(1), "a"); err != nil {
		t.Fatalf("Call a error: %v", err)
	}
	if _, err := fn.Call("", buf(1), "b"); err != nil {
		t.Fatalf("Call b error: %v", err)
	}
	if _, err := fn.Call("", buf(1), "a"); err != nil {
		t.Fatalf("repeat Call a error: %v", err)
	}
	stats := fn.Stats()
	if stats.Compiles != 3 {
		t.Errorf("Compiles = %d, want 3 (a cache of size 1 evicts 'a' before it is seen again)", stats.Compiles)
	}
}
