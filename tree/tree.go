// Package tree is the user-facing name for pytree: jax exposes tree
// operations as their own top-level namespace (tree.Flatten, tree.Map)
// separate from the transformation entry points in jax, kept thin and
// delegating to the pytree implementation package.
package tree

import "github.com/gojax/tracer/pytree"

// Structure is a pytree's shape with its leaves removed.
type Structure = pytree.Structure

// RegisterNode registers a container type for Flatten/Unflatten.
func RegisterNode(sample pytree.Node, unflatten pytree.Unflattener) {
	pytree.RegisterNode(sample, unflatten)
}

// Flatten decomposes v into its leaves plus the Structure needed to
// rebuild it.
func Flatten(v interface{}) ([]interface{}, Structure) {
	return pytree.Flatten(v)
}

// Unflatten rebuilds a value matching s from leaves.
func Unflatten(s Structure, leaves []interface{}) (interface{}, error) {
	return pytree.Unflatten(s, leaves)
}

// StructureEqual reports whether two structures describe the same shape.
func StructureEqual(a, b Structure) bool {
	return pytree.StructureEqual(a, b)
}

// Map applies fn to every leaf of v and rebuilds the same structure
// around the results.
func Map(fn func(interface{}) interface{}, v interface{}) interface{} {
	return pytree.Map(fn, v)
}
