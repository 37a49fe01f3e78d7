// Package pytree implements a flatten/unflatten registry: decomposing
// nested Go values built from structs, slices,
// maps, and registered container types into a flat leaf list plus a
// structure descriptor that can rebuild the original shape around a new
// set of leaves.
//
// Decomposition and reconstruction run through an open, user-extensible
// set of registered node types rather than a fixed set of value kinds.
package pytree

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/gojax/tracer/errs"
)

// Node is a user-registered container type: something that decomposes
// into an ordered list of children and can be rebuilt from a new list of
// children plus the aux data captured at flatten time (e.g. a map's
// sorted key list).
type Node interface {
	// Flatten returns this node's children in a fixed order, plus any
	// auxiliary data (not itself a pytree) needed to reconstruct it.
	Flatten() (children []interface{}, aux interface{})
}

// Unflattener rebuilds a Node's concrete type from aux data and a new set
// of children — registered alongside the type it unflattens.
type Unflattener func(aux interface{}, children []interface{}) interface{}

var registry = map[reflect.Type]Unflattener{}

// RegisterNode registers a container type: sample is any value of the
// type being registered (only its reflect.Type is used), and unflatten
// rebuilds it. Registration is expected at package init time, is not
// goroutine-guarded beyond that, and — like the primitive registry —
// panics on a duplicate.
func RegisterNode(sample Node, unflatten Unflattener) {
	t := reflect.TypeOf(sample)
	if _, exists := registry[t]; exists {
		panic(fmt.Sprintf("pytree: node type %s already registered", t))
	}
	registry[t] = unflatten
}

// Structure is the treedef: the shape of a pytree with its leaves
// removed, sufficient to rebuild an equal-shaped pytree around a new
// leaf list (StructureEqual compares two of them).
type Structure struct {
	kind     kind
	aux      interface{}
	children []Structure
	nodeType reflect.Type
	// Leaf / None structures carry no child structures and no node type,
	// so their kind alone decides structural equality.
}

type kind int

const (
	kindLeaf kind = iota
	kindNone
	kindSlice
	kindMap
	kindStruct
	kindNode
)

// Flatten decomposes v into its leaves, in a deterministic left-to-right
// order, plus the Structure needed to rebuild it. Maps are flattened in
// sorted key order so that Flatten is a pure function of v's value, not
// of incidental map iteration order — a map node's children are always
// ordered by sorted key.
func Flatten(v interface{}) ([]interface{}, Structure) {
	var leaves []interface{}
	s := flatten(reflect.ValueOf(v), &leaves)
	return leaves, s
}

func flatten(rv reflect.Value, leaves *[]interface{}) Structure {
	if !rv.IsValid() {
		return Structure{kind: kindNone}
	}

	if rv.CanInterface() {
		if n, ok := rv.Interface().(Node); ok {
			children, aux := n.Flatten()
			childStructs := make([]Structure, len(children))
			for i, c := range children {
				childStructs[i] = flatten(reflect.ValueOf(c), leaves)
			}
			return Structure{kind: kindNode, nodeType: rv.Type(), aux: aux, children: childStructs}
		}
	}

	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		children := make([]Structure, n)
		for i := 0; i < n; i++ {
			children[i] = flatten(rv.Index(i), leaves)
		}
		return Structure{kind: kindSlice, nodeType: rv.Type(), children: children}

	case reflect.Map:
		keys := rv.MapKeys()
		strKeys := make([]string, len(keys))
		keyByStr := make(map[string]reflect.Value, len(keys))
		for i, k := range keys {
			s := fmt.Sprintf("%v", k.Interface())
			strKeys[i] = s
			keyByStr[s] = k
		}
		sort.Strings(strKeys)
		children := make([]Structure, len(strKeys))
		for i, sk := range strKeys {
			children[i] = flatten(rv.MapIndex(keyByStr[sk]), leaves)
		}
		return Structure{kind: kindMap, nodeType: rv.Type(), aux: strKeys, children: children}

	case reflect.Struct:
		if hasUnexportedField(rv.Type()) {
			// An opaque value (a backend buffer, a tracer, ...) that
			// happens to be a struct under the hood: the core never
			// inspects a buffer's representation, and a tracer's fields
			// are private to its owning trace, so treat
			// the whole value as a single leaf instead of decomposing it
			// field by field — recursing would panic on the first
			// unexported field's reflect.Value.Interface() call.
			*leaves = append(*leaves, rv.Interface())
			return Structure{kind: kindLeaf}
		}
		n := rv.NumField()
		children := make([]Structure, n)
		for i := 0; i < n; i++ {
			children[i] = flatten(rv.Field(i), leaves)
		}
		return Structure{kind: kindStruct, nodeType: rv.Type(), children: children}

	case reflect.Ptr:
		if rv.IsNil() {
			return Structure{kind: kindNone}
		}
		if rv.Elem().Kind() == reflect.Struct && hasUnexportedField(rv.Elem().Type()) {
			// Dereferencing before the opaque check below would hand the
			// Struct case a copy of the pointee and lose the pointer
			// itself as the leaf value — fatal for a type like
			// backend.Buffer, whose methods have pointer receivers, since
			// the copy wouldn't even satisfy the interface anymore.
			*leaves = append(*leaves, rv.Interface())
			return Structure{kind: kindLeaf}
		}
		return flatten(rv.Elem(), leaves)

	case reflect.Interface:
		if rv.IsNil() {
			return Structure{kind: kindNone}
		}
		return flatten(rv.Elem(), leaves)

	default:
		*leaves = append(*leaves, rv.Interface())
		return Structure{kind: kindLeaf}
	}
}

// hasUnexportedField reports whether t (a struct type) declares any
// unexported field of its own (fields of nested struct-typed fields are
// not inspected) — used to decide whether a struct value
// is plain data to decompose or an opaque handle to treat as a leaf.
func hasUnexportedField(t reflect.Type) bool {
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).PkgPath != "" {
			return true
		}
	}
	return false
}

// Unflatten rebuilds a value matching s from leaves, consuming them in
// the same left-to-right order Flatten produced them in.
func Unflatten(s Structure, leaves []interface{}) (interface{}, error) {
	v, rest, err := unflatten(s, leaves)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errs.PytreeMismatchf("unflatten: %d leaves left over", len(rest))
	}
	return v, nil
}

func unflatten(s Structure, leaves []interface{}) (interface{}, []interface{}, error) {
	switch s.kind {
	case kindNone:
		return nil, leaves, nil

	case kindLeaf:
		if len(leaves) == 0 {
			return nil, nil, errs.PytreeMismatchf("unflatten: ran out of leaves")
		}
		return leaves[0], leaves[1:], nil

	case kindNode:
		children := make([]interface{}, len(s.children))
		rest := leaves
		for i, c := range s.children {
			var v interface{}
			var err error
			v, rest, err = unflatten(c, rest)
			if err != nil {
				return nil, nil, err
			}
			children[i] = v
		}
		unflattenFn, ok := registry[s.nodeType]
		if !ok {
			return nil, nil, errs.PytreeMismatchf("unflatten: no node registered for %s", s.nodeType)
		}
		return unflattenFn(s.aux, children), rest, nil

	case kindSlice:
		out := reflect.MakeSlice(s.nodeType, len(s.children), len(s.children))
		rest := leaves
		for i, c := range s.children {
			var v interface{}
			var err error
			v, rest, err = unflatten(c, rest)
			if err != nil {
				return nil, nil, err
			}
			if v != nil {
				out.Index(i).Set(reflect.ValueOf(v))
			}
		}
		return out.Interface(), rest, nil

	case kindMap:
		keys, _ := s.aux.([]string)
		out := reflect.MakeMap(s.nodeType)
		rest := leaves
		keyType := s.nodeType.Key()
		for i, c := range s.children {
			var v interface{}
			var err error
			v, rest, err = unflatten(c, rest)
			if err != nil {
				return nil, nil, err
			}
			kv := reflect.ValueOf(keys[i]).Convert(keyType)
			if v != nil {
				out.SetMapIndex(kv, reflect.ValueOf(v))
			}
		}
		return out.Interface(), rest, nil

	case kindStruct:
		out := reflect.New(s.nodeType).Elem()
		rest := leaves
		for i, c := range s.children {
			var v interface{}
			var err error
			v, rest, err = unflatten(c, rest)
			if err != nil {
				return nil, nil, err
			}
			f := out.Field(i)
			if v != nil && f.CanSet() {
				f.Set(reflect.ValueOf(v))
			}
		}
		return out.Interface(), rest, nil

	default:
		return nil, nil, errs.PytreeMismatchf("unflatten: unknown structure kind")
	}
}

// StructureEqual reports whether two structures describe the same
// pytree shape (the treedef comparison).
func StructureEqual(a, b Structure) bool {
	if a.kind != b.kind || a.nodeType != b.nodeType || len(a.children) != len(b.children) {
		return false
	}
	if a.kind == kindMap {
		ak, _ := a.aux.([]string)
		bk, _ := b.aux.([]string)
		if len(ak) != len(bk) {
			return false
		}
		for i := range ak {
			if ak[i] != bk[i] {
				return false
			}
		}
	}
	for i := range a.children {
		if !StructureEqual(a.children[i], b.children[i]) {
			return false
		}
	}
	return true
}

// Map applies fn to every leaf of v and rebuilds the same structure
// around the results.
func Map(fn func(interface{}) interface{}, v interface{}) interface{} {
	leaves, s := Flatten(v)
	mapped := make([]interface{}, len(leaves))
	for i, l := range leaves {
		mapped[i] = fn(l)
	}
	out, err := Unflatten(s, mapped)
	if err != nil {
		panic(err) // fn cannot change leaf count, so this is unreachable
	}
	return out
}
