package fsrs

import (
	"errors"
	"fmt"
)

// ErrSchedulerInput is matched by every InputError.
var ErrSchedulerInput = errors.New("invalid scheduler input")

// InputError describes a rating, weight vector or config that was rejected
// before any state was computed.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid scheduler input: %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrSchedulerInput) match.
func (e *InputError) Is(target error) bool {
	return target == ErrSchedulerInput
}

func inputErrorf(field, format string, args ...any) error {
	return &InputError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
