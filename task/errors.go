package task

import (
	"errors"
	"fmt"
)

// Transition failure taxonomy. Callers branch on these with errors.Is to
// decide whether a retry makes sense (only ErrConflict is retryable).
var (
	ErrNotFound          = errors.New("task not found")
	ErrForbidden         = errors.New("task owned by another user")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("task status changed concurrently")
)

// ValidationError reports malformed input: an unparseable deadline spec,
// a duration below the floor, or a missing field. Never retryable.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
