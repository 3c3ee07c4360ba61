package dbsp

import (
	"errors"
	"fmt"

	"github.com/l7mp/ddflow/pkg/trace"
)

var (
	// ErrDidNotConverge is returned when an iteration exceeds its round limit.
	ErrDidNotConverge = errors.New("iteration did not converge")
	// ErrClosed is returned when a closed scope or input is used.
	ErrClosed = errors.New("closed")
	// ErrInvalidArgument is returned on API misuse, e.g., an unknown input name.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Error is a failure of an operator. It names the operator and, when known, the collection whose
// invariant was violated.
type Error struct {
	Operator   string
	Collection string
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("operator %q on collection %q: %v", e.Operator, e.Collection, e.Cause)
	}
	return fmt.Sprintf("operator %q: %v", e.Operator, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

func newOpError(op string, cause error) error {
	var opErr *Error
	if errors.As(cause, &opErr) {
		return cause
	}
	collection := ""
	var traceErr *trace.Error
	if errors.As(cause, &traceErr) {
		collection = traceErr.Trace
	}
	return &Error{Operator: op, Collection: collection, Cause: cause}
}
