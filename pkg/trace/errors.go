package trace

import (
	"errors"
	"fmt"
)

var (
	// ErrBelowCompaction is returned when a batch starts below the compaction frontier of a
	// trace. Accepting it would silently corrupt already compacted history.
	ErrBelowCompaction = errors.New("batch lower bound below compaction frontier")
	// ErrNonContiguous is returned when batch descriptions do not line up.
	ErrNonContiguous = errors.New("non-contiguous batch")
	// ErrTraceClosed is returned when a trace is used after it was dropped.
	ErrTraceClosed = errors.New("trace closed")
)

// Error is an invariant violation in a named trace.
type Error struct {
	Trace string
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("trace %q: %v", e.Trace, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

func newTraceError(name string, cause error) error {
	return &Error{Trace: name, Cause: cause}
}
