package vm

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Error kinds
// ---------------------------------------------------------------------------

// User-triggerable errors. These abort the current execution: accumulated
// write-set changes are discarded, gas already spent stays spent, and the
// caller receives a structured failure.
var (
	ErrAbilityViolation     = errors.New("ability violation")
	ErrTypeMismatch         = errors.New("type mismatch")
	ErrFieldMismatch        = errors.New("field mismatch")
	ErrModuleNotFound       = errors.New("module not found")
	ErrTypeArityMismatch    = errors.New("type arity mismatch")
	ErrTypeTooDeep          = errors.New("type instantiation too deep")
	ErrResourceDoesNotExist = errors.New("resource does not exist")
	ErrOutOfGas             = errors.New("out of gas")
	ErrDeserialization      = errors.New("malformed or non-canonical encoding")
	ErrArithmeticOverflow   = errors.New("arithmetic overflow")
	ErrValueTooLarge        = errors.New("value exceeds maximum size")
	ErrCallStackOverflow    = errors.New("call stack overflow")
)

// ErrBorrowConflict reports an aliasing violation detected at runtime.
// The static verifier is expected to rule these out before execution, so a
// borrow conflict observed here always travels inside a Fault.
var ErrBorrowConflict = errors.New("borrow conflict")

// ---------------------------------------------------------------------------
// Fault: verifier/runtime disagreement
// ---------------------------------------------------------------------------

// Fault wraps an invariant violation: a condition that statically verified
// code can never trigger, so observing it means the surrounding system is
// defective. Faults must not be absorbed as ordinary transaction failures;
// callers distinguish them with errors.As.
type Fault struct {
	Execution uuid.UUID // session that observed the fault (zero if unknown)
	Op        string    // operation that detected the violation
	Err       error     // underlying condition
}

func (f *Fault) Error() string {
	if f.Execution == uuid.Nil {
		return fmt.Sprintf("internal fault in %s: %v", f.Op, f.Err)
	}
	return fmt.Sprintf("internal fault in %s (execution %s): %v", f.Op, f.Execution, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// newFault wraps err as a Fault unless it already is one.
func newFault(op string, err error) error {
	var f *Fault
	if errors.As(err, &f) {
		return err
	}
	return &Fault{Op: op, Err: err}
}

// IsFault reports whether err (or anything it wraps) is an internal fault
// rather than a user-triggerable execution failure.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}
