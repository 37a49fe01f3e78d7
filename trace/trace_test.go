package trace

import (
	"testing"

	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/backend"
	"github.com/gojax/tracer/prim"
)

func scalarPrim() *prim.Primitive {
	return &prim.Primitive{
		Name: "ident",
		AbstractEval: func(params prim.Params, in []avl.Aval) ([]avl.Aval, error) {
			return []avl.Aval{in[0]}, nil
		},
		Impl: func(params prim.Params, in []interface{}) ([]interface{}, error) {
			return []interface{}{in[0]}, nil
		},
	}
}

func TestStackBindAtBaseLevel(t *testing.T) {
	be := backend.NewRef()
	s := NewStack(NewEagerTrace(be))
	buf := backend.NewBuffer(avl.Shape{}, avl.Float64, []float64{5})

	out, err := s.Bind(scalarPrim(), nil, buf)
	if err != nil {
		t.Fatalf("Bind error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d outputs, want 1", len(out))
	}
	got, ok := out[0].(backend.Buffer)
	if !ok {
		t.Fatalf("output is %T, want backend.Buffer", out[0])
	}
	if got.Data()[0] != 5 {
		t.Errorf("output value = %v, want 5", got.Data()[0])
	}
}

func TestPushPopRestoresStack(t *testing.T) {
	be := backend.NewRef()
	s := NewStack(NewEagerTrace(be))
	baseLevel := s.NextLevel()

	h := s.Push(NewJaxprTrace(s.NextLevel(), s, be))
	if s.NextLevel() == baseLevel {
		t.Error("NextLevel should have advanced after Push")
	}
	h.Pop()
	if got := s.NextLevel(); got != baseLevel {
		t.Errorf("NextLevel after Pop = %d, want %d (restored)", got, baseLevel)
	}
}

func TestHandlePopIsIdempotent(t *testing.T) {
	be := backend.NewRef()
	s := NewStack(NewEagerTrace(be))
	baseLevel := s.NextLevel()

	h := s.Push(NewJaxprTrace(s.NextLevel(), s, be))
	h.Pop()
	h.Pop() // must not double-pop the stack
	if got := s.NextLevel(); got != baseLevel {
		t.Errorf("NextLevel after double Pop = %d, want %d", got, baseLevel)
	}
}

func TestPushDynamicRoutesBindWithNoTracerArgs(t *testing.T) {
	be := backend.NewRef()
	s := NewStack(NewEagerTrace(be))

	jt := NewJaxprTrace(s.NextLevel(), s, be)
	h := s.PushDynamic(jt)
	defer h.Pop()

	buf := backend.NewBuffer(avl.Shape{}, avl.Float64, []float64{5})
	out, err := s.Bind(scalarPrim(), nil, buf)
	if err != nil {
		t.Fatalf("Bind error: %v", err)
	}
	if _, ok := out[0].(*JaxprTracer); !ok {
		t.Errorf("with a dynamic trace installed, a plain-buffer Bind should still route through it, got %T", out[0])
	}
}

func TestPushDynamicPopRestoresEagerDispatch(t *testing.T) {
	be := backend.NewRef()
	s := NewStack(NewEagerTrace(be))

	jt := NewJaxprTrace(s.NextLevel(), s, be)
	h := s.PushDynamic(jt)
	h.Pop()

	buf := backend.NewBuffer(avl.Shape{}, avl.Float64, []float64{5})
	out, err := s.Bind(scalarPrim(), nil, buf)
	if err != nil {
		t.Fatalf("Bind error: %v", err)
	}
	if _, ok := out[0].(backend.Buffer); !ok {
		t.Errorf("after popping the dynamic trace, Bind should dispatch eagerly again, got %T", out[0])
	}
}
