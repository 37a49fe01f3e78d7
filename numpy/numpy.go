package numpy

import (
	"math"

	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/backend"
	"github.com/gojax/tracer/errs"
	"github.com/gojax/tracer/prim"
	"github.com/gojax/tracer/trace"
)

func bind1(ctx prim.Ctx, p *prim.Primitive, params prim.Params, args ...interface{}) (interface{}, error) {
	out, err := ctx.Bind(p, params, args...)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// reduceCotangentTo sums ct down from a broadcast shape to target, the
// transpose of the trailing-axis broadcast rule — used by both add's and
// broadcast's transpose rules.
func reduceCotangentTo(ctx prim.Ctx, ct interface{}, target avl.Shape) (interface{}, error) {
	ctShape := ctAval(ct).Shape()
	if ctShape.Equal(target) {
		return ct, nil
	}
	rankDiff := len(ctShape) - len(target)
	var axes []int
	for i := 0; i < rankDiff; i++ {
		axes = append(axes, i)
	}
	for i := 0; i < len(target); i++ {
		if target[i] == 1 && ctShape[i+rankDiff] != 1 {
			axes = append(axes, i+rankDiff)
		}
	}
	if len(axes) == 0 {
		return ct, nil
	}
	summed, err := bind1(ctx, sumPrim, prim.Params{"axis": axes}, ct)
	if err != nil {
		return nil, err
	}
	if ctAval(summed).Shape().Equal(target) {
		return summed, nil
	}
	return bind1(ctx, reshapePrim, prim.Params{"shape": []int(target)}, summed)
}

func ctAval(v interface{}) avl.Aval {
	if a, ok := v.(avl.Aval); ok {
		return a
	}
	if t, ok := v.(interface{ Aval() avl.Aval }); ok {
		return t.Aval()
	}
	if b, ok := v.(backend.Buffer); ok {
		return b
	}
	return avl.NewShaped(avl.Shape{}, avl.Float64)
}

// --- elementwise batch helper -------------------------------------------------

func moveToAxis0(ctx prim.Ctx, v interface{}, axis int) (interface{}, error) {
	if axis == 0 || axis == prim.NoBatchAxis {
		return v, nil
	}
	rank := len(ctAval(v).Shape())
	perm := make([]int, rank)
	perm[0] = axis
	j := 1
	for i := 0; i < rank; i++ {
		if i != axis {
			perm[j] = i
			j++
		}
	}
	return bind1(ctx, transposePrim, prim.Params{"perm": perm}, v)
}

func elementwiseBatchRule(ctx prim.Ctx, p *prim.Primitive, params prim.Params, in []interface{}, axes []int) ([]interface{}, []int, error) {
	size := -1
	moved := make([]interface{}, len(in))
	for i, v := range in {
		if axes[i] == prim.NoBatchAxis {
			moved[i] = v
			continue
		}
		m, err := moveToAxis0(ctx, v, axes[i])
		if err != nil {
			return nil, nil, err
		}
		moved[i] = m
		n := ctAval(m).Shape()[0]
		if size == -1 {
			size = n
		} else if size != n {
			return nil, nil, errs.Shapef("numpy: vmap batch size mismatch: %d vs %d", size, n)
		}
	}
	out, err := ctx.Bind(p, params, moved...)
	if err != nil {
		return nil, nil, err
	}
	outAxes := make([]int, len(out))
	for i := range out {
		outAxes[i] = 0
	}
	return out, outAxes, nil
}

// --- add ----------------------------------------------------------------------

var addPrim = &prim.Primitive{
	Name:         "add",
	LinearInputs: []int{0, 1},
	AbstractEval: func(params prim.Params, in []avl.Aval) ([]avl.Aval, error) {
		shp, err := avl.BroadcastShapes(in[0].Shape(), in[1].Shape())
		if err != nil {
			return nil, err
		}
		return []avl.Aval{avl.NewShaped(shp, avl.Promote(in[0].DType(), in[1].DType()))}, nil
	},
	Impl: func(params prim.Params, in []interface{}) ([]interface{}, error) {
		a, err := asBuffer(in[0])
		if err != nil {
			return nil, err
		}
		b, err := asBuffer(in[1])
		if err != nil {
			return nil, err
		}
		out, err := broadcastBinary(a, b, avl.Promote(a.DType(), b.DType()), func(x, y float64) float64 { return x + y })
		if err != nil {
			return nil, err
		}
		return []interface{}{out}, nil
	},
	JVP: func(ctx prim.Ctx, params prim.Params, primals, tangents []interface{}) ([]interface{}, []interface{}, error) {
		primalOut, err := bind1(ctx, addPrim, nil, primals[0], primals[1])
		if err != nil {
			return nil, nil, err
		}
		tangentOut, err := trace.AddTangent(ctx, tangents[0], tangents[1])
		if err != nil {
			return nil, nil, err
		}
		return []interface{}{primalOut}, []interface{}{tangentOut}, nil
	},
	Transpose: func(ctx prim.Ctx, params prim.Params, outCt []interface{}, inAvals []avl.Aval, in []interface{}, linear []bool) ([]interface{}, error) {
		out := make([]interface{}, 2)
		for i := 0; i < 2; i++ {
			if !linear[i] {
				continue
			}
			ct, err := reduceCotangentTo(ctx, outCt[0], inAvals[i].Shape())
			if err != nil {
				return nil, err
			}
			out[i] = ct
		}
		return out, nil
	},
	Batch: func(ctx prim.Ctx, params prim.Params, in []interface{}, axes []int) ([]interface{}, []int, error) {
		return elementwiseBatchRule(ctx, addPrim, params, in, axes)
	},
}

// Add is the elementwise, broadcasting addition primitive wrapper.
func Add(ctx prim.Ctx, a, b interface{}) (interface{}, error) { return bind1(ctx, addPrim, nil, a, b) }

// --- mul ------------------------------------------------------------------

var mulPrim = &prim.Primitive{
	Name:         "mul",
	LinearInputs: []int{0, 1},
	AbstractEval: func(params prim.Params, in []avl.Aval) ([]avl.Aval, error) {
		shp, err := avl.BroadcastShapes(in[0].Shape(), in[1].Shape())
		if err != nil {
			return nil, err
		}
		return []avl.Aval{avl.NewShaped(shp, avl.Promote(in[0].DType(), in[1].DType()))}, nil
	},
	Impl: func(params prim.Params, in []interface{}) ([]interface{}, error) {
		a, err := asBuffer(in[0])
		if err != nil {
			return nil, err
		}
		b, err := asBuffer(in[1])
		if err != nil {
			return nil, err
		}
		out, err := broadcastBinary(a, b, avl.Promote(a.DType(), b.DType()), func(x, y float64) float64 { return x * y })
		if err != nil {
			return nil, err
		}
		return []interface{}{out}, nil
	},
	JVP: func(ctx prim.Ctx, params prim.Params, primals, tangents []interface{}) ([]interface{}, []interface{}, error) {
		primalOut, err := bind1(ctx, mulPrim, nil, primals[0], primals[1])
		if err != nil {
			return nil, nil, err
		}
		var left, right interface{} = trace.Zero{}, trace.Zero{}
		if !trace.IsZero(tangents[0]) {
			l, err := bind1(ctx, mulPrim, nil, tangents[0], primals[1])
			if err != nil {
				return nil, nil, err
			}
			left = l
		}
		if !trace.IsZero(tangents[1]) {
			r, err := bind1(ctx, mulPrim, nil, primals[0], tangents[1])
			if err != nil {
				return nil, nil, err
			}
			right = r
		}
		tangentOut, err := trace.AddTangent(ctx, left, right)
		if err != nil {
			return nil, nil, err
		}
		return []interface{}{primalOut}, []interface{}{tangentOut}, nil
	},
	Transpose: func(ctx prim.Ctx, params prim.Params, outCt []interface{}, inAvals []avl.Aval, in []interface{}, linear []bool) ([]interface{}, error) {
		out := make([]interface{}, 2)
		if linear[0] {
			ct, err := bind1(ctx, mulPrim, nil, outCt[0], in[1])
			if err != nil {
				return nil, err
			}
			out[0], err = reduceCotangentTo(ctx, ct, inAvals[0].Shape())
			if err != nil {
				return nil, err
			}
		}
		if linear[1] {
			ct, err := bind1(ctx, mulPrim, nil, outCt[0], in[0])
			if err != nil {
				return nil, err
			}
			out[1], err = reduceCotangentTo(ctx, ct, inAvals[1].Shape())
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	},
	Batch: func(ctx prim.Ctx, params prim.Params, in []interface{}, axes []int) ([]interface{}, []int, error) {
		return elementwiseBatchRule(ctx, mulPrim, params, in, axes)
	},
}

// Mul is the elementwise, broadcasting multiplication primitive wrapper.
func Mul(ctx prim.Ctx, a, b interface{}) (interface{}, error) { return bind1(ctx, mulPrim, nil, a, b) }

// --- neg --------------------------------------------------------------------

var negPrim = &prim.Primitive{
	Name:         "neg",
	LinearInputs: []int{0},
	AbstractEval: func(params prim.Params, in []avl.Aval) ([]avl.Aval, error) {
		return []avl.Aval{avl.NewShaped(in[0].Shape(), in[0].DType())}, nil
	},
	Impl: func(params prim.Params, in []interface{}) ([]interface{}, error) {
		a, err := asBuffer(in[0])
		if err != nil {
			return nil, err
		}
		return []interface{}{elementwiseUnary(a, a.DType(), func(x float64) float64 { return -x })}, nil
	},
	JVP: func(ctx prim.Ctx, params prim.Params, primals, tangents []interface{}) ([]interface{}, []interface{}, error) {
		primalOut, err := bind1(ctx, negPrim, nil, primals[0])
		if err != nil {
			return nil, nil, err
		}
		if trace.IsZero(tangents[0]) {
			return []interface{}{primalOut}, []interface{}{tangents[0]}, nil
		}
		tangentOut, err := bind1(ctx, negPrim, nil, tangents[0])
		if err != nil {
			return nil, nil, err
		}
		return []interface{}{primalOut}, []interface{}{tangentOut}, nil
	},
	Transpose: func(ctx prim.Ctx, params prim.Params, outCt []interface{}, inAvals []avl.Aval, in []interface{}, linear []bool) ([]interface{}, error) {
		ct, err := bind1(ctx, negPrim, nil, outCt[0])
		if err != nil {
			return nil, err
		}
		return []interface{}{ct}, nil
	},
	Batch: func(ctx prim.Ctx, params prim.Params, in []interface{}, axes []int) ([]interface{}, []int, error) {
		out, err := ctx.Bind(negPrim, params, in[0])
		return out, []int{axes[0]}, err
	},
}

// Neg is the elementwise negation primitive wrapper.
func Neg(ctx prim.Ctx, a interface{}) (interface{}, error) { return bind1(ctx, negPrim, nil, a) }

func unaryFloatPrim(name string, fn, dfn func(float64) float64) *prim.Primitive {
	var self *prim.Primitive
	self = &prim.Primitive{
		Name: name,
		AbstractEval: func(params prim.Params, in []avl.Aval) ([]avl.Aval, error) {
			if !in[0].DType().IsFloat() {
				return nil, errs.DTypef("%s requires a floating-point input, got %s", name, in[0].DType())
			}
			return []avl.Aval{avl.NewShaped(in[0].Shape(), in[0].DType())}, nil
		},
		Impl: func(params prim.Params, in []interface{}) ([]interface{}, error) {
			a, err := asBuffer(in[0])
			if err != nil {
				return nil, err
			}
			return []interface{}{elementwiseUnary(a, a.DType(), fn)}, nil
		},
		JVP: func(ctx prim.Ctx, params prim.Params, primals, tangents []interface{}) ([]interface{}, []interface{}, error) {
			primalOut, err := bind1(ctx, self, nil, primals[0])
			if err != nil {
				return nil, nil, err
			}
			if trace.IsZero(tangents[0]) {
				return []interface{}{primalOut}, []interface{}{tangents[0]}, nil
			}
			a, err := asBuffer(primals[0])
			if err != nil {
				return nil, nil, err
			}
			deriv := elementwiseUnary(a, a.DType(), dfn)
			tangentOut, err := bind1(ctx, mulPrim, nil, deriv, tangents[0])
			if err != nil {
				return nil, nil, err
			}
			return []interface{}{primalOut}, []interface{}{tangentOut}, nil
		},
		Batch: func(ctx prim.Ctx, params prim.Params, in []interface{}, axes []int) ([]interface{}, []int, error) {
			out, err := ctx.Bind(self, params, in[0])
			return out, []int{axes[0]}, err
		},
	}
	return self
}

var sinPrim = unaryFloatPrim("sin", math.Sin, math.Cos)
var cosPrim = unaryFloatPrim("cos", math.Cos, func(x float64) float64 { return -math.Sin(x) })

// Sin is the elementwise sine primitive wrapper.
func Sin(ctx prim.Ctx, a interface{}) (interface{}, error) { return bind1(ctx, sinPrim, nil, a) }

// Cos is the elementwise cosine primitive wrapper.
func Cos(ctx prim.Ctx, a interface{}) (interface{}, error) { return bind1(ctx, cosPrim, nil, a) }

// --- comparisons --------------------------------------------------------------

func comparisonPrim(name string, fn func(x, y float64) bool) *prim.Primitive {
	return &prim.Primitive{
		Name: name,
		AbstractEval: func(params prim.Params, in []avl.Aval) ([]avl.Aval, error) {
			shp, err := avl.BroadcastShapes(in[0].Shape(), in[1].Shape())
			if err != nil {
				return nil, err
			}
			return []avl.Aval{avl.NewShaped(shp, avl.Bool)}, nil
		},
		Impl: func(params prim.Params, in []interface{}) ([]interface{}, error) {
			a, err := asBuffer(in[0])
			if err != nil {
				return nil, err
			}
			b, err := asBuffer(in[1])
			if err != nil {
				return nil, err
			}
			out, err := broadcastBinary(a, b, avl.Bool, func(x, y float64) float64 {
				if fn(x, y) {
					return 1
				}
				return 0
			})
			if err != nil {
				return nil, err
			}
			return []interface{}{out}, nil
		},
		JVP: func(ctx prim.Ctx, params prim.Params, primals, tangents []interface{}) ([]interface{}, []interface{}, error) {
			out, err := ctx.Bind(prim.Default.MustLookup(name), nil, primals[0], primals[1])
			if err != nil {
				return nil, nil, err
			}
			return out, []interface{}{trace.Zero{Av: ctAval(out[0])}}, nil
		},
		Batch: func(ctx prim.Ctx, params prim.Params, in []interface{}, axes []int) ([]interface{}, []int, error) {
			return elementwiseBatchRule(ctx, prim.Default.MustLookup(name), params, in, axes)
		},
	}
}

var greaterPrim = comparisonPrim("greater", func(x, y float64) bool { return x > y })
var lessPrim = comparisonPrim("less", func(x, y float64) bool { return x < y })

// Greater is the elementwise, broadcasting greater-than primitive wrapper.
func Greater(ctx prim.Ctx, a, b interface{}) (interface{}, error) {
	return bind1(ctx, greaterPrim, nil, a, b)
}

// Less is the elementwise, broadcasting less-than primitive wrapper.
func Less(ctx prim.Ctx, a, b interface{}) (interface{}, error) { return bind1(ctx, lessPrim, nil, a, b) }

func init() {
	prim.Default.Register(addPrim)
	prim.Default.Register(mulPrim)
	prim.Default.Register(negPrim)
	prim.Default.Register(sinPrim)
	prim.Default.Register(cosPrim)
	prim.Default.Register(greaterPrim)
	prim.Default.Register(lessPrim)
	prim.Default.Register(sumPrim)
	prim.Default.Register(transposePrim)
	prim.Default.Register(broadcastPrim)
	prim.Default.Register(reshapePrim)
	prim.Default.Register(matmulPrim)
}
