package numpy

import (
	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/backend"
	"github.com/gojax/tracer/errs"
	"github.com/gojax/tracer/prim"
	"github.com/gojax/tracer/trace"
)

// matmulPrim is restricted to rank-2 operands ([m,k] x [k,n] -> [m,n]).
// Batched matmul would need a BroadcastShapes-style leading-batch-dims
// rule; this numeric surface only ever composes 2D arrays, so that
// generalisation is left out rather than half-built.
var matmulPrim = &prim.Primitive{
	Name:         "matmul",
	LinearInputs: []int{0, 1},
	AbstractEval: func(params prim.Params, in []avl.Aval) ([]avl.Aval, error) {
		a, b := in[0].Shape(), in[1].Shape()
		if len(a) != 2 || len(b) != 2 {
			return nil, errs.Shapef("matmul: expected rank-2 operands, got %s and %s", a, b)
		}
		if a[1] != b[0] {
			return nil, errs.Shapef("matmul: inner dimensions %d and %d do not match", a[1], b[0])
		}
		return []avl.Aval{avl.NewShaped(avl.Shape{a[0], b[1]}, avl.Promote(in[0].DType(), in[1].DType()))}, nil
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
		m, k, n := a.Shape()[0], a.Shape()[1], b.Shape()[1]
		ad, bd := a.Data(), b.Data()
		out := make([]float64, m*n)
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float64
				for p := 0; p < k; p++ {
					sum += ad[i*k+p] * bd[p*n+j]
				}
				out[i*n+j] = sum
			}
		}
		dt := avl.Promote(a.DType(), b.DType())
		return []interface{}{backend.NewBuffer(avl.Shape{m, n}, dt, out)}, nil
	},
	JVP: func(ctx prim.Ctx, params prim.Params, primals, tangents []interface{}) ([]interface{}, []interface{}, error) {
		primalOut, err := bind1(ctx, matmulPrim, nil, primals[0], primals[1])
		if err != nil {
			return nil, nil, err
		}
		var left, right interface{} = trace.Zero{}, trace.Zero{}
		if !trace.IsZero(tangents[0]) {
			l, err := bind1(ctx, matmulPrim, nil, tangents[0], primals[1])
			if err != nil {
				return nil, nil, err
			}
			left = l
		}
		if !trace.IsZero(tangents[1]) {
			r, err := bind1(ctx, matmulPrim, nil, primals[0], tangents[1])
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
	// d(A@B)/dA adjoint is outCt @ B^T; d(A@B)/dB adjoint is A^T @ outCt.
	Transpose: func(ctx prim.Ctx, params prim.Params, outCt []interface{}, inAvals []avl.Aval, in []interface{}, linear []bool) ([]interface{}, error) {
		out := make([]interface{}, 2)
		if linear[0] {
			bT, err := bind1(ctx, transposePrim, prim.Params{"perm": []int{1, 0}}, in[1])
			if err != nil {
				return nil, err
			}
			ct, err := bind1(ctx, matmulPrim, nil, outCt[0], bT)
			if err != nil {
				return nil, err
			}
			out[0] = ct
		}
		if linear[1] {
			aT, err := bind1(ctx, transposePrim, prim.Params{"perm": []int{1, 0}}, in[0])
			if err != nil {
				return nil, err
			}
			ct, err := bind1(ctx, matmulPrim, nil, aT, outCt[0])
			if err != nil {
				return nil, err
			}
			out[1] = ct
		}
		return out, nil
	},
	// Batch handles only the case where exactly one operand carries a
	// batch axis (the other unbatched): the batch axis is moved to the
	// front and every slice along it is matmul'd against the shared
	// unbatched operand. Both operands batched simultaneously is not
	// supported — the elementwise broadcastBinary trick doesn't carry
	// over to contraction, and nothing in this core vmaps over two array
	// arguments of matmul at once.
	Batch: func(ctx prim.Ctx, params prim.Params, in []interface{}, axes []int) ([]interface{}, []int, error) {
		if axes[0] != prim.NoBatchAxis && axes[1] != prim.NoBatchAxis {
			return nil, nil, errs.MissingRulef("matmul", "batch over both operands")
		}
		if axes[0] != prim.NoBatchAxis {
			a, err := moveToAxis0(ctx, in[0], axes[0])
			if err != nil {
				return nil, nil, err
			}
			aShape := ctAval(a).Shape()
			batch, m, k := aShape[0], aShape[1], aShape[2]
			flatA, err := bind1(ctx, reshapePrim, prim.Params{"shape": []int{batch * m, k}}, a)
			if err != nil {
				return nil, nil, err
			}
			flatOut, err := bind1(ctx, matmulPrim, nil, flatA, in[1])
			if err != nil {
				return nil, nil, err
			}
			n := ctAval(in[1]).Shape()[1]
			out, err := bind1(ctx, reshapePrim, prim.Params{"shape": []int{batch, m, n}}, flatOut)
			if err != nil {
				return nil, nil, err
			}
			return []interface{}{out}, []int{0}, nil
		}
		b, err := moveToAxis0(ctx, in[1], axes[1])
		if err != nil {
			return nil, nil, err
		}
		bShape := ctAval(b).Shape()
		batch, k, n := bShape[0], bShape[1], bShape[2]
		perm := []int{1, 0, 2}
		bT, err := bind1(ctx, transposePrim, prim.Params{"perm": perm}, b)
		if err != nil {
			return nil, nil, err
		}
		flatB, err := bind1(ctx, reshapePrim, prim.Params{"shape": []int{k, batch * n}}, bT)
		if err != nil {
			return nil, nil, err
		}
		flatOut, err := bind1(ctx, matmulPrim, nil, in[0], flatB)
		if err != nil {
			return nil, nil, err
		}
		m := ctAval(in[0]).Shape()[0]
		reshaped, err := bind1(ctx, reshapePrim, prim.Params{"shape": []int{m, batch, n}}, flatOut)
		if err != nil {
			return nil, nil, err
		}
		out, err := bind1(ctx, transposePrim, prim.Params{"perm": []int{1, 0, 2}}, reshaped)
		if err != nil {
			return nil, nil, err
		}
		return []interface{}{out}, []int{0}, nil
	},
}

// Matmul is the 2D matrix-multiplication primitive wrapper.
func Matmul(ctx prim.Ctx, a, b interface{}) (interface{}, error) {
	return bind1(ctx, matmulPrim, nil, a, b)
}
