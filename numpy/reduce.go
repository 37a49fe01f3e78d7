package numpy

import (
	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/backend"
	"github.com/gojax/tracer/errs"
	"github.com/gojax/tracer/prim"
	"github.com/gojax/tracer/trace"
)

func resolveAxes(params prim.Params, rank int) []int {
	v, ok := params["axis"]
	if !ok || v == nil || v.([]int) == nil {
		axes := make([]int, rank)
		for i := range axes {
			axes[i] = i
		}
		return axes
	}
	return v.([]int)
}

func isReduced(axes []int, axis int) bool {
	for _, a := range axes {
		if a == axis {
			return true
		}
	}
	return false
}

// reducedShape drops each reduced axis, or (keepdims) collapses it to 1 —
// the shape a reshape can later re-expand without moving any data, since
// a size-1 axis never changes row-major flat order regardless of
// position. Reducing over no axes at all (an empty, non-nil axis list,
// keepdims=false) is the identity; resolveAxes turns a missing or nil
// axis list into every axis.
func reducedShape(shape avl.Shape, axes []int, keepdims bool) avl.Shape {
	out := make(avl.Shape, 0, len(shape))
	for i, d := range shape {
		switch {
		case !isReduced(axes, i):
			out = append(out, d)
		case keepdims:
			out = append(out, 1)
		}
	}
	return out
}

func keepdimsOf(params prim.Params) bool {
	v, _ := params["keepdims"].(bool)
	return v
}

func reduceSumData(shape avl.Shape, data []float64, axes []int, keepdims bool) (avl.Shape, []float64) {
	outShape := reducedShape(shape, axes, keepdims)
	n := elementCount(outShape)
	out := make([]float64, n)

	rank := len(shape)
	coord := make([]int, rank)
	for flat, v := range data {
		rem := flat
		for i := rank - 1; i >= 0; i-- {
			coord[i] = rem % shape[i]
			rem /= shape[i]
		}
		oi, stride := 0, 1
		for i := rank - 1; i >= 0; i-- {
			if isReduced(axes, i) {
				if keepdims {
					stride *= 1
				}
				continue
			}
			oi += coord[i] * stride
			stride *= shape[i]
		}
		out[oi] += v
	}
	return outShape, out
}

var sumPrim = &prim.Primitive{
	Name:         "sum",
	LinearInputs: []int{0},
	AbstractEval: func(params prim.Params, in []avl.Aval) ([]avl.Aval, error) {
		axes := resolveAxes(params, in[0].Shape().Rank())
		return []avl.Aval{avl.NewShaped(reducedShape(in[0].Shape(), axes, keepdimsOf(params)), in[0].DType())}, nil
	},
	Impl: func(params prim.Params, in []interface{}) ([]interface{}, error) {
		a, err := asBuffer(in[0])
		if err != nil {
			return nil, err
		}
		axes := resolveAxes(params, a.Shape().Rank())
		shp, data := reduceSumData(a.Shape(), a.Data(), axes, keepdimsOf(params))
		return []interface{}{backend.NewBuffer(shp, a.DType(), data)}, nil
	},
	JVP: func(ctx prim.Ctx, params prim.Params, primals, tangents []interface{}) ([]interface{}, []interface{}, error) {
		primalOut, err := bind1(ctx, sumPrim, params, primals[0])
		if err != nil {
			return nil, nil, err
		}
		if trace.IsZero(tangents[0]) {
			return []interface{}{primalOut}, []interface{}{trace.Zero{Av: ctAval(primalOut)}}, nil
		}
		tangentOut, err := bind1(ctx, sumPrim, params, tangents[0])
		if err != nil {
			return nil, nil, err
		}
		return []interface{}{primalOut}, []interface{}{tangentOut}, nil
	},
	// sum's adjoint is broadcast: re-expand the reduced axes to size 1
	// (a pure reshape — inserting a size-1 axis never moves data, see
	// reducedShape's doc comment) then broadcast back up to the
	// original shape.
	Transpose: func(ctx prim.Ctx, params prim.Params, outCt []interface{}, inAvals []avl.Aval, in []interface{}, linear []bool) ([]interface{}, error) {
		origShape := inAvals[0].Shape()
		axes := resolveAxes(params, origShape.Rank())
		if keepdimsOf(params) {
			ct, err := bind1(ctx, broadcastPrim, prim.Params{"shape": []int(origShape)}, outCt[0])
			if err != nil {
				return nil, err
			}
			return []interface{}{ct}, nil
		}
		expanded := reducedShape(origShape, axes, true)
		reshaped, err := bind1(ctx, reshapePrim, prim.Params{"shape": []int(expanded)}, outCt[0])
		if err != nil {
			return nil, err
		}
		ct, err := bind1(ctx, broadcastPrim, prim.Params{"shape": []int(origShape)}, reshaped)
		if err != nil {
			return nil, err
		}
		return []interface{}{ct}, nil
	},
	Batch: func(ctx prim.Ctx, params prim.Params, in []interface{}, axes []int) ([]interface{}, []int, error) {
		reduceAxes := resolveAxes(params, len(ctAval(in[0]).Shape())-1)
		shifted := make([]int, len(reduceAxes))
		for i, a := range reduceAxes {
			if a >= axes[0] {
				shifted[i] = a + 1
			} else {
				shifted[i] = a
			}
		}
		keepdims := keepdimsOf(params)
		out, err := ctx.Bind(sumPrim, prim.Params{"axis": shifted, "keepdims": keepdims}, in[0])
		if err != nil {
			return nil, nil, err
		}
		outAxis := axes[0]
		if !keepdims {
			for _, a := range shifted {
				if a < axes[0] {
					outAxis--
				}
			}
		}
		return out, []int{outAxis}, nil
	},
}

// Sum reduces a along the given axes (nil means all axes).
func Sum(ctx prim.Ctx, a interface{}, axis []int) (interface{}, error) {
	return bind1(ctx, sumPrim, prim.Params{"axis": axis}, a)
}

// --- reshape --------------------------------------------------------------

// reshapePrim reinterprets a buffer's flat row-major data under a new
// shape with the same element count — used internally by sum's and
// broadcast's transpose rules to re-expand a reduced axis to size 1
// before broadcasting it back out. Not exposed as a numpy wrapper: this
// user-facing surface has no reshape primitive of its own.
var reshapePrim = &prim.Primitive{
	Name:         "reshape",
	LinearInputs: []int{0},
	AbstractEval: func(params prim.Params, in []avl.Aval) ([]avl.Aval, error) {
		shape := avl.Shape(params["shape"].([]int))
		if elementCount(shape) != elementCount(in[0].Shape()) {
			return nil, errs.Shapef("reshape: %s has %d elements, target %s wants %d", in[0].Shape(), elementCount(in[0].Shape()), shape, elementCount(shape))
		}
		return []avl.Aval{avl.NewShaped(shape, in[0].DType())}, nil
	},
	Impl: func(params prim.Params, in []interface{}) ([]interface{}, error) {
		a, err := asBuffer(in[0])
		if err != nil {
			return nil, err
		}
		shape := avl.Shape(params["shape"].([]int))
		return []interface{}{backend.NewBuffer(shape, a.DType(), a.Data())}, nil
	},
	JVP: func(ctx prim.Ctx, params prim.Params, primals, tangents []interface{}) ([]interface{}, []interface{}, error) {
		primalOut, err := bind1(ctx, reshapePrim, params, primals[0])
		if err != nil {
			return nil, nil, err
		}
		if trace.IsZero(tangents[0]) {
			return []interface{}{primalOut}, []interface{}{trace.Zero{Av: ctAval(primalOut)}}, nil
		}
		tangentOut, err := bind1(ctx, reshapePrim, params, tangents[0])
		if err != nil {
			return nil, nil, err
		}
		return []interface{}{primalOut}, []interface{}{tangentOut}, nil
	},
	Transpose: func(ctx prim.Ctx, params prim.Params, outCt []interface{}, inAvals []avl.Aval, in []interface{}, linear []bool) ([]interface{}, error) {
		ct, err := bind1(ctx, reshapePrim, prim.Params{"shape": []int(inAvals[0].Shape())}, outCt[0])
		if err != nil {
			return nil, err
		}
		return []interface{}{ct}, nil
	},
	Batch: func(ctx prim.Ctx, params prim.Params, in []interface{}, axes []int) ([]interface{}, []int, error) {
		batchSize := ctAval(in[0]).Shape()[axes[0]]
		shape := append([]int{batchSize}, params["shape"].([]int)...)
		out, err := ctx.Bind(reshapePrim, prim.Params{"shape": shape}, in[0])
		return out, []int{0}, err
	},
}

// --- transpose (axis permutation) ---------------------------------------------

func invertPerm(perm []int) []int {
	inv := make([]int, len(perm))
	for i, p := range perm {
		inv[p] = i
	}
	return inv
}

var transposePrim = &prim.Primitive{
	Name:         "transpose",
	LinearInputs: []int{0},
	AbstractEval: func(params prim.Params, in []avl.Aval) ([]avl.Aval, error) {
		perm := params["perm"].([]int)
		shp := in[0].Shape()
		out := make(avl.Shape, len(shp))
		for i, p := range perm {
			out[i] = shp[p]
		}
		return []avl.Aval{avl.NewShaped(out, in[0].DType())}, nil
	},
	Impl: func(params prim.Params, in []interface{}) ([]interface{}, error) {
		a, err := asBuffer(in[0])
		if err != nil {
			return nil, err
		}
		perm := params["perm"].([]int)
		shp := a.Shape()
		outShape := make(avl.Shape, len(shp))
		for i, p := range perm {
			outShape[i] = shp[p]
		}
		data := a.Data()
		out := make([]float64, len(data))
		rank := len(shp)
		inStride := make([]int, rank)
		s := 1
		for i := rank - 1; i >= 0; i-- {
			inStride[i] = s
			s *= shp[i]
		}
		outCoord := make([]int, rank)
		for flat := range out {
			rem := flat
			for i := rank - 1; i >= 0; i-- {
				outCoord[i] = rem % outShape[i]
				rem /= outShape[i]
			}
			inIdx := 0
			for i := 0; i < rank; i++ {
				inIdx += outCoord[i] * inStride[perm[i]]
			}
			out[flat] = data[inIdx]
		}
		return []interface{}{backend.NewBuffer(outShape, a.DType(), out)}, nil
	},
	JVP: func(ctx prim.Ctx, params prim.Params, primals, tangents []interface{}) ([]interface{}, []interface{}, error) {
		primalOut, err := bind1(ctx, transposePrim, params, primals[0])
		if err != nil {
			return nil, nil, err
		}
		if trace.IsZero(tangents[0]) {
			return []interface{}{primalOut}, []interface{}{trace.Zero{Av: ctAval(primalOut)}}, nil
		}
		tangentOut, err := bind1(ctx, transposePrim, params, tangents[0])
		if err != nil {
			return nil, nil, err
		}
		return []interface{}{primalOut}, []interface{}{tangentOut}, nil
	},
	Transpose: func(ctx prim.Ctx, params prim.Params, outCt []interface{}, inAvals []avl.Aval, in []interface{}, linear []bool) ([]interface{}, error) {
		perm := params["perm"].([]int)
		ct, err := bind1(ctx, transposePrim, prim.Params{"perm": invertPerm(perm)}, outCt[0])
		if err != nil {
			return nil, err
		}
		return []interface{}{ct}, nil
	},
	Batch: func(ctx prim.Ctx, params prim.Params, in []interface{}, axes []int) ([]interface{}, []int, error) {
		perm := params["perm"].([]int)
		shifted := make([]int, len(perm)+1)
		shifted[0] = 0
		for i, p := range perm {
			np := p
			if np >= axes[0] {
				np++
			}
			shifted[i+1] = np
		}
		out, err := ctx.Bind(transposePrim, prim.Params{"perm": shifted}, in[0])
		return out, []int{0}, err
	},
}

// Transpose permutes a's axes according to perm.
func Transpose(ctx prim.Ctx, a interface{}, perm []int) (interface{}, error) {
	return bind1(ctx, transposePrim, prim.Params{"perm": perm}, a)
}

// --- broadcast (explicit target shape) -----------------------------------------

var broadcastPrim = &prim.Primitive{
	Name:         "broadcast",
	LinearInputs: []int{0},
	AbstractEval: func(params prim.Params, in []avl.Aval) ([]avl.Aval, error) {
		shape := avl.Shape(params["shape"].([]int))
		return []avl.Aval{avl.NewShaped(shape, in[0].DType())}, nil
	},
	Impl: func(params prim.Params, in []interface{}) ([]interface{}, error) {
		a, err := asBuffer(in[0])
		if err != nil {
			return nil, err
		}
		outShape := avl.Shape(params["shape"].([]int))
		n := elementCount(outShape)
		out := make([]float64, n)
		data := a.Data()
		for i := 0; i < n; i++ {
			out[i] = data[broadcastIndex(outShape, a.Shape(), i)]
		}
		return []interface{}{backend.NewBuffer(outShape, a.DType(), out)}, nil
	},
	JVP: func(ctx prim.Ctx, params prim.Params, primals, tangents []interface{}) ([]interface{}, []interface{}, error) {
		primalOut, err := bind1(ctx, broadcastPrim, params, primals[0])
		if err != nil {
			return nil, nil, err
		}
		if trace.IsZero(tangents[0]) {
			return []interface{}{primalOut}, []interface{}{trace.Zero{Av: ctAval(primalOut)}}, nil
		}
		tangentOut, err := bind1(ctx, broadcastPrim, params, tangents[0])
		if err != nil {
			return nil, nil, err
		}
		return []interface{}{primalOut}, []interface{}{tangentOut}, nil
	},
	Transpose: func(ctx prim.Ctx, params prim.Params, outCt []interface{}, inAvals []avl.Aval, in []interface{}, linear []bool) ([]interface{}, error) {
		ct, err := reduceCotangentTo(ctx, outCt[0], inAvals[0].Shape())
		if err != nil {
			return nil, err
		}
		return []interface{}{ct}, nil
	},
	Batch: func(ctx prim.Ctx, params prim.Params, in []interface{}, axes []int) ([]interface{}, []int, error) {
		targetShape := params["shape"].([]int)
		batchSize := ctAval(in[0]).Shape()[axes[0]]
		shifted := append([]int{batchSize}, targetShape...)
		out, err := ctx.Bind(broadcastPrim, prim.Params{"shape": shifted}, in[0])
		return out, []int{0}, err
	},
}

// Broadcast broadcasts a to the given target shape.
func Broadcast(ctx prim.Ctx, a interface{}, shape []int) (interface{}, error) {
	return bind1(ctx, broadcastPrim, prim.Params{"shape": shape}, a)
}
