// Package nerr is the structured error type shared by every stage of the
// bytecode pipeline: compilation (external), linking, lowering, the
// container codec, and both virtual machines.
package nerr

import (
	"fmt"
	"strings"
)

// Phase indicates which pipeline stage raised the error.
type Phase string

const (
	PhaseParse    Phase = "parse"    // front-end lexing/parsing (external, surfaced for completeness)
	PhaseCheck    Phase = "check"    // front-end type checking (external)
	PhaseLink     Phase = "link"     // module linking
	PhaseLower    Phase = "lower"    // value-IR to VMCmd/RegVmCmd lowering
	PhaseEncode   Phase = "encode"   // tables/streams to binary container
	PhaseDecode   Phase = "decode"   // binary container to in-memory tables
	PhaseExecute  Phase = "execute"  // stack VM / register VM execution
	PhaseOverride Phase = "override" // extension/override surface
)

// Kind categorizes the error per the taxonomy of spec §7.
type Kind string

const (
	KindParseError                  Kind = "parse_error"
	KindTypeError                   Kind = "type_error"
	KindDuplicateSymbol             Kind = "duplicate_symbol"
	KindUnresolvedImport            Kind = "unresolved_import"
	KindTypeMismatch                Kind = "type_mismatch"
	KindDependencyCycle             Kind = "dependency_cycle"
	KindBytecodeMalformed           Kind = "bytecode_malformed"
	KindArrayOutOfBounds            Kind = "array_out_of_bounds"
	KindInvalidPointerCast          Kind = "invalid_pointer_cast"
	KindNullPointerDereference      Kind = "null_pointer_dereference"
	KindDivisionByZero              Kind = "division_by_zero"
	KindStackOverflow               Kind = "stack_overflow"
	KindExecutionCancelled          Kind = "execution_cancelled"
	KindExecutionTimeout            Kind = "execution_timeout"
	KindNativeABIMismatch           Kind = "native_abi_mismatch"
	KindOverrideClassificationMismatch Kind = "override_classification_mismatch"
	KindInvalidOperand              Kind = "invalid_operand"
)

// LinkError wraps a Kind that is specific to the linking phase, matching
// spec §7's link_error{duplicate_symbol, unresolved_import, type_mismatch,
// dependency_cycle} grouping while remaining a flat Kind for callers that
// just want to switch on it.
func LinkError(kind Kind, detail string) *Error {
	return &Error{Phase: PhaseLink, Kind: kind, Detail: detail}
}

// Error is the structured error type used throughout the pipeline.
type Error struct {
	Cause     error
	Phase     Phase
	Kind      Kind
	Detail    string
	Path      []string
	Index     int
	Length    int
	HasIndex  bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.HasIndex {
		b.WriteString(fmt.Sprintf(" (index %d, length %d)", e.Index, e.Length))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error's Phase and Kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides fluent structured error construction.
type Builder struct {
	err Error
}

// New creates a new error builder for the given phase and kind.
func New(phase Phase, kind Kind) *Builder {
	return &Builder{err: Error{Phase: phase, Kind: kind}}
}

// Path sets the field/symbol path (e.g. module, function, block names).
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// At sets an out-of-range index and the bound it was checked against.
func (b *Builder) At(index, length int) *Builder {
	b.err.Index = index
	b.err.Length = length
	b.err.HasIndex = true
	return b
}

// Cause sets the underlying error.
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for the hot paths named directly in spec §7/§8.

// OutOfBounds builds an array_out_of_bounds error for VM index checks.
func OutOfBounds(phase Phase, index, length int) *Error {
	return New(phase, KindArrayOutOfBounds).
		At(index, length).
		Detail("index %d out of bounds (size %d)", index, length).
		Build()
}

// Malformed builds a bytecode_malformed error for container validation failures.
func Malformed(detail string) *Error {
	return New(PhaseDecode, KindBytecodeMalformed).Detail("%s", detail).Build()
}

// InvalidPointerCast builds an invalid_pointer_cast error for convert_ptr failures.
func InvalidPointerCast(fromType, toType int) *Error {
	return New(PhaseExecute, KindInvalidPointerCast).
		Detail("dynamic type %d is not %d or a derived class of it", fromType, toType).
		Build()
}

// DependencyCycle builds a dependency_cycle error for the linker's DAG walk.
func DependencyCycle(path []string) *Error {
	return New(PhaseLink, KindDependencyCycle).
		Path(path...).
		Detail("module dependency cycle").
		Build()
}
