// Package errs defines the small closed set of error kinds this module's
// Driver and Client can report, per the error taxonomy they are specified
// against: invalid configuration, operations attempted in the wrong pool or
// transaction state, and failures propagated from the backend.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies which of the taxonomy's error categories an Error belongs
// to.
type Kind int

const (
	// Configuration errors are raised eagerly at setup time: an invalid
	// engine name, an unknown compiler, or an unknown symbolic OID name.
	// They are fatal to construction.
	Configuration Kind = iota

	// DriverState errors are reported when an operation is attempted while
	// the Driver is in a status that forbids it, e.g. Query before Start,
	// or a second Stop. They never change the Driver's status.
	DriverState

	// TransactionState errors are reported for Begin while already in a
	// transaction, or Commit/Rollback outside of one. The Client involved
	// returns to idle.
	TransactionState

	// Backend errors wrap failures propagated from the underlying
	// connection: connection-establishment failures (subject to the
	// failure budget) and query failures (surfaced to the caller, logged,
	// non-fatal to the pool).
	Backend
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case DriverState:
		return "driver state"
	case TransactionState:
		return "transaction state"
	case Backend:
		return "backend"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across the Driver/Client
// surface. It always carries a Kind so callers can branch on Is without
// depending on message text.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any, so errors.Is/errors.As work
// against both the Kind sentinel and the original backend error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
