// Package errs provides the tagged error values the tracing core surfaces.
// Transformations never panic and never retry; a failure aborts the
// in-progress transformation and is returned to the caller as a *TraceError.
package errs

import "fmt"

// Kind tags the category of a tracing-time failure. Callers that need to
// branch on failure type should use errors.Is with a *TraceError carrying
// only the wanted Kind (see TraceError.Is), not string matching on Error().
type Kind string

const (
	// ShapeMismatch is an incompatible broadcast or rank mismatch found
	// during a primitive's AbstractEval.
	ShapeMismatch Kind = "ShapeMismatch"
	// DTypeMismatch is a refused dtype promotion, or an integer op given
	// a float (or vice versa) where the primitive disallows it.
	DTypeMismatch Kind = "DTypeMismatch"
	// MissingRule means a primitive has no rule for the transformation
	// currently in progress (e.g. no Transpose rule for a non-linear op).
	MissingRule Kind = "MissingRule"
	// LevelViolation means a tracer escaped its owning trace's dynamic
	// extent, or a lower-level tracer appeared above a higher-level one.
	LevelViolation Kind = "LevelViolation"
	// StaticArgChange means jit was called with a non-hashable static
	// argument, or a static argument changed across calls.
	StaticArgChange Kind = "StaticArgChange"
	// PytreeStructureMismatch means vmap/grad/map received mismatched
	// treedefs between calls, or across arguments of one call.
	PytreeStructureMismatch Kind = "PytreeStructureMismatch"
	// BackendError wraps an error returned verbatim by the backend.
	BackendError Kind = "BackendError"
	// OutputNotScalar means grad was applied to a function whose output
	// is not a scalar.
	OutputNotScalar Kind = "OutputNotScalar"
)

// TraceError is the single concrete error type the core returns. Context
// fields are optional and populated when available; Error() renders only
// the ones that are set — a position-aware format without needing source
// text, since the core has equations and primitives, not source lines.
type TraceError struct {
	Err       error // underlying cause, for BackendError and Unwrap
	Primitive string
	Detail    string
	Kind      Kind
	EqnIndex  int
	HasEqn    bool
}

func (e *TraceError) Error() string { return e.Format(false) }

// Format renders e, optionally wrapping the Kind tag in ANSI color for
// terminal output — the equation-index/primitive-name counterpart of the
// teacher's CompilerError.Format(color bool), which wraps a source
// position instead.
func (e *TraceError) Format(color bool) string {
	kind := string(e.Kind)
	if color {
		kind = "\033[1;31m" + kind + "\033[0m"
	}
	msg := kind
	if e.Primitive != "" {
		msg += fmt.Sprintf(" in %q", e.Primitive)
	}
	if e.HasEqn {
		msg += fmt.Sprintf(" (equation %d)", e.EqnIndex)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TraceError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &TraceError{Kind: SomeKind}) by comparing Kind
// against a target *TraceError that sets only Kind (no Primitive, no
// Detail) — Kind itself is not an error, so it cannot be the target.
func (e *TraceError) Is(target error) bool {
	te, ok := target.(*TraceError)
	if !ok {
		return false
	}
	return te.Kind == e.Kind && te.Primitive == "" && te.Detail == ""
}

func newf(kind Kind, format string, args ...interface{}) *TraceError {
	return &TraceError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Shapef builds a ShapeMismatch error.
func Shapef(format string, args ...interface{}) *TraceError { return newf(ShapeMismatch, format, args...) }

// DTypef builds a DTypeMismatch error.
func DTypef(format string, args ...interface{}) *TraceError { return newf(DTypeMismatch, format, args...) }

// MissingRulef builds a MissingRule error for the named primitive/transform.
func MissingRulef(primitive, transform string) *TraceError {
	return &TraceError{
		Kind:      MissingRule,
		Primitive: primitive,
		Detail:    fmt.Sprintf("no %s rule registered", transform),
	}
}

// LevelViolationf builds a LevelViolation error.
func LevelViolationf(format string, args ...interface{}) *TraceError {
	return newf(LevelViolation, format, args...)
}

// StaticArgChangef builds a StaticArgChange error.
func StaticArgChangef(format string, args ...interface{}) *TraceError {
	return newf(StaticArgChange, format, args...)
}

// PytreeMismatchf builds a PytreeStructureMismatch error.
func PytreeMismatchf(format string, args ...interface{}) *TraceError {
	return newf(PytreeStructureMismatch, format, args...)
}

// Backend wraps an underlying backend error verbatim: the core never
// swallows or retries a backend failure.
func Backend(err error) *TraceError {
	return &TraceError{Kind: BackendError, Err: err}
}

// OutputNotScalarf builds an OutputNotScalar error.
func OutputNotScalarf(format string, args ...interface{}) *TraceError {
	return newf(OutputNotScalar, format, args...)
}

// WithPrimitive returns a copy of e annotated with the primitive name.
func (e *TraceError) WithPrimitive(name string) *TraceError {
	c := *e
	c.Primitive = name
	return &c
}

// WithEqn returns a copy of e annotated with the equation index it occurred at.
func (e *TraceError) WithEqn(index int) *TraceError {
	c := *e
	c.EqnIndex = index
	c.HasEqn = true
	return &c
}
