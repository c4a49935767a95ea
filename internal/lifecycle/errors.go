package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthorized reports a caller without control permission.
	ErrNotAuthorized = errors.New("not authorized to control evaluation")

	// ErrUnknownState reports that the evaluation's dates are too malformed
	// to resolve a lifecycle state. The call that hit it mutates nothing.
	ErrUnknownState = errors.New("evaluation state could not be resolved")
)

// ValidationError rejects a missing or malformed required argument at the
// call boundary, before any store access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
