package transform

import (
	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/backend"
	"github.com/gojax/tracer/errs"
	"github.com/gojax/tracer/ir"
	"github.com/gojax/tracer/trace"
)

// Jvp runs f under a fresh JVP trace with tangents attached to primals,
// splitting each output tracer back into its primal and tangent. An
// output that is not a JVP tracer (a value f returns without routing it
// through this trace) keeps its own value as the primal with a zero tangent.
func Jvp(stack *trace.Stack, f func([]interface{}) ([]interface{}, error), primals, tangents []interface{}) ([]interface{}, []interface{}, error) {
	level := stack.NextLevel()
	jt := trace.NewJVPTrace(level, stack)
	h := stack.Push(jt)
	defer h.Pop()

	args := make([]interface{}, len(primals))
	for i := range primals {
		args[i] = trace.NewJVPTracer(jt, primals[i], tangents[i])
	}
	outs, err := f(args)
	if err != nil {
		return nil, nil, err
	}

	primalsOut := make([]interface{}, len(outs))
	tangentsOut := make([]interface{}, len(outs))
	for i, o := range outs {
		jvpt, ok := o.(*trace.JVPTracer)
		if !ok {
			primalsOut[i] = o
			tangentsOut[i] = trace.Zero{Av: avalOf(o)}
			continue
		}
		primalsOut[i] = jvpt.Primal
		tangentsOut[i] = jvpt.Tangent
	}
	return primalsOut, tangentsOut, nil
}

// materializeTangent turns a symbolic zero tangent into a concrete
// zero-filled buffer: a linear jaxpr's output atoms must be real values
// (or literals), and trace.Zero carries no printable representation.
func materializeTangent(t interface{}) interface{} {
	if z, ok := t.(trace.Zero); ok {
		return zeroBuffer(z.Av)
	}
	return t
}

// Linearize runs f at primals and captures its tangent-linear behaviour
// as a ClosedJaxpr over tangent inputs only. The trick is running two
// traces at once: a JaxprTrace staging only the
// tangent side, underneath a JVPTrace whose primal side is plain
// concrete values — so a JVP rule's own recursive binds split
// automatically, by level, into a constant-folded primal computation and
// a recorded tangent equation (see trace.Stack.Bind's level routing).
func Linearize(stack *trace.Stack, be backend.Backend, f func([]interface{}) ([]interface{}, error), primals []interface{}) ([]interface{}, *ir.ClosedJaxpr, error) {
	tangentAvals := make([]avl.Aval, len(primals))
	for i, p := range primals {
		tangentAvals[i] = avalOf(p)
	}

	var primalsOut []interface{}
	g := func(tangentArgs []interface{}) ([]interface{}, error) {
		level := stack.NextLevel()
		jt := trace.NewJVPTrace(level, stack)
		h := stack.Push(jt)
		defer h.Pop()

		args := make([]interface{}, len(primals))
		for i := range primals {
			args[i] = trace.NewJVPTracer(jt, primals[i], tangentArgs[i])
		}

		outs, err := f(args)
		if err != nil {
			return nil, err
		}

		primalsOut = make([]interface{}, len(outs))
		tangentOuts := make([]interface{}, len(outs))
		for i, o := range outs {
			jvpt, ok := o.(*trace.JVPTracer)
			if !ok {
				primalsOut[i] = o
				tangentOuts[i] = materializeTangent(trace.Zero{Av: avalOf(o)})
				continue
			}
			primalsOut[i] = jvpt.Primal
			tangentOuts[i] = materializeTangent(jvpt.Tangent)
		}
		return tangentOuts, nil
	}

	linJaxpr, err := trace.MakeJaxpr(stack, be, tangentAvals, g)
	if err != nil {
		return nil, nil, err
	}
	return primalsOut, linJaxpr, nil
}

// Vjp linearises f at primals, then returns a backward closure that
// transposes the captured linear jaxpr against caller-supplied
// cotangents.
func Vjp(stack *trace.Stack, be backend.Backend, f func([]interface{}) ([]interface{}, error), primals []interface{}) ([]interface{}, func([]interface{}) ([]interface{}, error), error) {
	primalsOut, linJaxpr, err := Linearize(stack, be, f, primals)
	if err != nil {
		return nil, nil, err
	}
	backward := func(cotangents []interface{}) ([]interface{}, error) {
		return Transpose(stack, linJaxpr, cotangents)
	}
	return primalsOut, backward, nil
}

// VjpWithAux is Vjp for a function that returns (main, aux): aux is
// computed and returned but never differentiated — only its primal is
// kept, and its tangent is never an output of the linear jaxpr (tangent
// equations staged while computing aux stay in the jaxpr unused).
func VjpWithAux(stack *trace.Stack, be backend.Backend, f func([]interface{}) ([]interface{}, []interface{}, error), primals []interface{}) ([]interface{}, []interface{}, func([]interface{}) ([]interface{}, error), error) {
	tangentAvals := make([]avl.Aval, len(primals))
	for i, p := range primals {
		tangentAvals[i] = avalOf(p)
	}

	var mainOut, auxOut []interface{}
	g := func(tangentArgs []interface{}) ([]interface{}, error) {
		level := stack.NextLevel()
		jt := trace.NewJVPTrace(level, stack)
		h := stack.Push(jt)
		defer h.Pop()

		args := make([]interface{}, len(primals))
		for i := range primals {
			args[i] = trace.NewJVPTracer(jt, primals[i], tangentArgs[i])
		}

		main, aux, ferr := f(args)
		if ferr != nil {
			return nil, ferr
		}

		mainOut = make([]interface{}, len(main))
		tangentOuts := make([]interface{}, len(main))
		for i, o := range main {
			jvpt, ok := o.(*trace.JVPTracer)
			if !ok {
				mainOut[i] = o
				tangentOuts[i] = materializeTangent(trace.Zero{Av: avalOf(o)})
				continue
			}
			mainOut[i] = jvpt.Primal
			tangentOuts[i] = materializeTangent(jvpt.Tangent)
		}

		auxOut = make([]interface{}, len(aux))
		for i, o := range aux {
			if jvpt, ok := o.(*trace.JVPTracer); ok {
				auxOut[i] = jvpt.Primal
			} else {
				auxOut[i] = o
			}
		}
		return tangentOuts, nil
	}

	linJaxpr, err := trace.MakeJaxpr(stack, be, tangentAvals, g)
	if err != nil {
		return nil, nil, nil, err
	}
	backward := func(cotangents []interface{}) ([]interface{}, error) {
		return Transpose(stack, linJaxpr, cotangents)
	}
	return mainOut, auxOut, backward, nil
}

func scalarOne(av avl.Aval) backend.Buffer {
	return backend.NewBuffer(avl.Shape{}, av.DType(), []float64{1})
}

// Grad is vjp(f) then backward(1.0), with a check that f's output is
// actually a scalar — a gradient is only defined for a scalar-valued
// function.
func Grad(stack *trace.Stack, be backend.Backend, f func([]interface{}) ([]interface{}, error), primals []interface{}) ([]interface{}, error) {
	outs, backward, err := Vjp(stack, be, f, primals)
	if err != nil {
		return nil, err
	}
	if len(outs) != 1 {
		return nil, errs.OutputNotScalarf("grad: function must return exactly one output, got %d", len(outs))
	}
	outAval := avalOf(outs[0])
	if outAval.Shape().Rank() != 0 {
		return nil, errs.OutputNotScalarf("grad: output has shape %s, expected a scalar", outAval.Shape())
	}
	return backward([]interface{}{scalarOne(outAval)})
}

// ValueAndGrad returns f's scalar output alongside its gradient in one
// vjp pass.
func ValueAndGrad(stack *trace.Stack, be backend.Backend, f func([]interface{}) ([]interface{}, error), primals []interface{}) (interface{}, []interface{}, error) {
	outs, backward, err := Vjp(stack, be, f, primals)
	if err != nil {
		return nil, nil, err
	}
	if len(outs) != 1 {
		return nil, nil, errs.OutputNotScalarf("valueAndGrad: function must return exactly one output, got %d", len(outs))
	}
	outAval := avalOf(outs[0])
	if outAval.Shape().Rank() != 0 {
		return nil, nil, errs.OutputNotScalarf("valueAndGrad: output has shape %s, expected a scalar", outAval.Shape())
	}
	grads, err := backward([]interface{}{scalarOne(outAval)})
	if err != nil {
		return nil, nil, err
	}
	return outs[0], grads, nil
}

// Jacfwd computes the Jacobian of f at primals[0] by forward-mode AD,
// one directional derivative per standard basis tangent. It is
// restricted to a single array input and a single array output —
// a general pytree-of-pytrees Jacobian is out of scope here — and its
// result is laid out input-element-major, [inputSize, outputShape...],
// rather than JAX's own [outputShape..., inputShape...] convention.
func Jacfwd(stack *trace.Stack, f func([]interface{}) ([]interface{}, error), primal interface{}) (backend.Buffer, error) {
	buf, ok := primal.(backend.Buffer)
	if !ok {
		return nil, errs.DTypef("jacfwd: expected a concrete buffer input")
	}
	n := len(buf.Data())

	var outShape avl.Shape
	var outDType avl.DType
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		tangentData := make([]float64, n)
		tangentData[i] = 1
		tangentBuf := backend.NewBuffer(buf.Shape(), buf.DType(), tangentData)
		_, tangentsOut, err := Jvp(stack, f, []interface{}{buf}, []interface{}{tangentBuf})
		if err != nil {
			return nil, err
		}
		if len(tangentsOut) != 1 {
			return nil, errs.MissingRulef("jacfwd", "multiple outputs")
		}
		if trace.IsZero(tangentsOut[0]) {
			return nil, errs.MissingRulef("jacfwd", "non-differentiable output")
		}
		outBuf, ok := tangentsOut[0].(backend.Buffer)
		if !ok {
			return nil, errs.DTypef("jacfwd: non-buffer tangent output")
		}
		outShape, outDType = outBuf.Shape(), outBuf.DType()
		rows[i] = append([]float64{}, outBuf.Data()...)
	}

	m := 1
	for _, d := range outShape {
		m *= d
	}
	data := make([]float64, n*m)
	for i := 0; i < n; i++ {
		copy(data[i*m:(i+1)*m], rows[i])
	}
	jacShape := append(avl.Shape{n}, outShape...)
	return backend.NewBuffer(jacShape, outDType, data), nil
}

// Jacrev computes the Jacobian of f at primal by reverse-mode AD, one
// basis cotangent per output element. Same single input/output
// restriction as Jacfwd; result layout is
// [outputSize, inputShape...].
func Jacrev(stack *trace.Stack, be backend.Backend, f func([]interface{}) ([]interface{}, error), primal interface{}) (backend.Buffer, error) {
	outs, backward, err := Vjp(stack, be, f, []interface{}{primal})
	if err != nil {
		return nil, err
	}
	if len(outs) != 1 {
		return nil, errs.MissingRulef("jacrev", "multiple outputs")
	}
	outBuf, ok := outs[0].(backend.Buffer)
	if !ok {
		return nil, errs.DTypef("jacrev: expected a concrete buffer output")
	}
	m := len(outBuf.Data())

	var inShape avl.Shape
	var inDType avl.DType
	rows := make([][]float64, m)
	for j := 0; j < m; j++ {
		ctData := make([]float64, m)
		ctData[j] = 1
		ctBuf := backend.NewBuffer(outBuf.Shape(), outBuf.DType(), ctData)
		grads, err := backward([]interface{}{ctBuf})
		if err != nil {
			return nil, err
		}
		if len(grads) != 1 {
			return nil, errs.MissingRulef("jacrev", "multiple inputs")
		}
		gBuf, ok := grads[0].(backend.Buffer)
		if !ok {
			return nil, errs.DTypef("jacrev: non-buffer gradient")
		}
		inShape, inDType = gBuf.Shape(), gBuf.DType()
		rows[j] = append([]float64{}, gBuf.Data()...)
	}

	n := 1
	for _, d := range inShape {
		n *= d
	}
	data := make([]float64, m*n)
	for j := 0; j < m; j++ {
		copy(data[j*n:(j+1)*n], rows[j])
	}
	jacShape := append(avl.Shape{m}, inShape...)
	return backend.NewBuffer(jacShape, inDType, data), nil
}
