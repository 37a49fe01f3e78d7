// Package numpy is the user-facing elementwise/reduction primitive
// surface: each wrapper here just calls bind on a registered primitive.
package numpy

import (
	"github.com/gojax/tracer/avl"
	"github.com/gojax/tracer/backend"
	"github.com/gojax/tracer/errs"
)

func asBuffer(v interface{}) (backend.Buffer, error) {
	if b, ok := v.(backend.Buffer); ok {
		return b, nil
	}
	return nil, errs.DTypef("numpy: expected a concrete buffer, got %T", v)
}

// broadcastIndex maps a flat index in the broadcast output shape back to
// a flat index in a (possibly smaller-rank, size-1-padded) input shape.
func broadcastIndex(outShape, inShape avl.Shape, flat int) int {
	rank := len(outShape)
	pad := rank - len(inShape)
	coord := make([]int, rank)
	rem := flat
	for i := rank - 1; i >= 0; i-- {
		coord[i] = rem % outShape[i]
		rem /= outShape[i]
	}
	idx, stride := 0, 1
	for i := len(inShape) - 1; i >= 0; i-- {
		d := inShape[i]
		c := coord[i+pad]
		if d == 1 {
			c = 0
		}
		idx += c * stride
		stride *= d
	}
	return idx
}

func elementCount(s avl.Shape) int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func broadcastBinary(a, b backend.Buffer, dt avl.DType, fn func(x, y float64) float64) (backend.Buffer, error) {
	outShape, err := avl.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		return nil, err
	}
	n := elementCount(outShape)
	out := make([]float64, n)
	ad, bd := a.Data(), b.Data()
	for i := 0; i < n; i++ {
		ai := broadcastIndex(outShape, a.Shape(), i)
		bi := broadcastIndex(outShape, b.Shape(), i)
		out[i] = fn(ad[ai], bd[bi])
	}
	return backend.NewBuffer(outShape, dt, out), nil
}

func elementwiseUnary(a backend.Buffer, dt avl.DType, fn func(x float64) float64) backend.Buffer {
	ad := a.Data()
	out := make([]float64, len(ad))
	for i, x := range ad {
		out[i] = fn(x)
	}
	return backend.NewBuffer(a.Shape(), dt, out)
}
