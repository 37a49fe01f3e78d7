package transform

import (
	"github.com/gojax/tracer/errs"
	"github.com/gojax/tracer/numpy"
	"github.com/gojax/tracer/prim"
	"github.com/gojax/tracer/trace"
)

// Vmap runs f under a fresh batching trace, seeding each
// argument with its caller-specified inAxes entry (prim.NoBatchAxis for
// an argument f is not mapped over) and relocating each output's batch
// axis — from wherever the primitives' Batch rules left it (axis 0 for
// numpy's elementwiseBatchRule; other rules may leave it elsewhere) — to
// the position outAxes asks for.
func Vmap(stack *trace.Stack, f func([]interface{}) ([]interface{}, error), args []interface{}, inAxes []int, outAxes []int) ([]interface{}, error) {
	level := stack.NextLevel()
	bt := trace.NewBatchTrace(level, stack)
	h := stack.Push(bt)
	defer h.Pop()

	batched := make([]interface{}, len(args))
	for i, a := range args {
		batched[i] = trace.NewBatchTracer(bt, a, inAxes[i])
	}

	outs, err := f(batched)
	if err != nil {
		return nil, err
	}
	if len(outs) != len(outAxes) {
		return nil, errs.PytreeMismatchf("vmap: f returned %d outputs, outAxes names %d", len(outs), len(outAxes))
	}

	results := make([]interface{}, len(outs))
	for i, o := range outs {
		bTracer, ok := o.(*trace.BatchTracer)
		if !ok {
			if outAxes[i] != prim.NoBatchAxis {
				return nil, errs.PytreeMismatchf("vmap: output %d was never batched but outAxes[%d]=%d", i, i, outAxes[i])
			}
			results[i] = o
			continue
		}
		results[i], err = relocateBatchAxis(stack, bTracer.Val, bTracer.Axis, outAxes[i])
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// relocateBatchAxis moves v's batch axis from "from" to "to" via an axis
// permutation — the same kind of operation numpy's moveToAxis0 performs
// internally for batch rules, generalised to an arbitrary destination
// since vmap's caller may ask for the mapped axis anywhere in the output.
func relocateBatchAxis(ctx prim.Ctx, v interface{}, from, to int) (interface{}, error) {
	if from == prim.NoBatchAxis {
		return nil, errs.PytreeMismatchf("vmap: output requires a batch axis but the batching trace produced none")
	}
	if from == to {
		return v, nil
	}
	rank := len(avalOf(v).Shape())
	rest := make([]int, 0, rank-1)
	for i := 0; i < rank; i++ {
		if i != from {
			rest = append(rest, i)
		}
	}
	perm := make([]int, 0, rank)
	perm = append(perm, rest[:to]...)
	perm = append(perm, from)
	perm = append(perm, rest[to:]...)
	return numpy.Transpose(ctx, v, perm)
}
