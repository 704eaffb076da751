// Package gwerrors defines the error taxonomy shared by the ruleproc core:
// every failure raised by ids, npmap, restrict, abtree, extable, ruleproc
// and booking is classified into one of the Kind values below so callers
// can apply spec §7's recover/abort policy without type-switching on
// concrete error types.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way the rule engine's dispatch loop needs
// to react to it.
type Kind int

const (
	// NotFound means an object or name was absent. Non-fatal: the
	// calling action is skipped.
	NotFound Kind = iota
	// AccessDenied means a permission check failed. Fatal to the
	// current action, but the rule loop continues.
	AccessDenied
	// RpcFailed means a transient store/transport failure. Fatal to
	// the current action.
	RpcFailed
	// InvariantViolated means an ID mismatch, non-monotonic counter or
	// PCL corruption. Fatal to the entire delivery.
	InvariantViolated
	// OutOfMemory is fatal to delivery.
	OutOfMemory
	// LoopDetected means a move/copy cycle was caught; the offending
	// action is silently skipped.
	LoopDetected
	// Parse means a malformed extended-rule blob; the rule is dropped
	// and logged, other rules proceed.
	Parse
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not-found"
	case AccessDenied:
		return "access-denied"
	case RpcFailed:
		return "rpc-failed"
	case InvariantViolated:
		return "invariant-violated"
	case OutOfMemory:
		return "out-of-memory"
	case LoopDetected:
		return "loop-detected"
	case Parse:
		return "parse"
	default:
		return "unknown"
	}
}

// Error is the concrete error type raised throughout this module. Op names
// the failing operation (e.g. "ids.AllocateCN", "ruleproc.move") for log
// context; Err is the wrapped underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err carries the given Kind, looking through wraps.
func Is(err error, k Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == k
	}
	return false
}

// New constructs an *Error, the way exterrors.SMTPError is constructed
// throughout the teacher's check/ and target/ packages: at the call site,
// with the operation name as context.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Fatal reports whether an error of this kind aborts the entire delivery
// (InvariantViolated, OutOfMemory) as opposed to merely the current
// action or rule (spec §7 policy table).
func Fatal(err error) bool {
	var ge *Error
	if !errors.As(err, &ge) {
		return false
	}
	return ge.Kind == InvariantViolated || ge.Kind == OutOfMemory
}
