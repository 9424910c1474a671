package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict signals a lost compare-and-set race. The losing caller
	// abandons its in-flight work silently; the winner owns the step.
	ErrConflict = errors.New("concurrent transition conflict")

	// ErrDuplicateStep signals that a step with the same unique hash already
	// exists. Callers receive the existing row alongside this error.
	ErrDuplicateStep = errors.New("duplicate step")

	// ErrNotFound is returned for missing workflows or steps.
	ErrNotFound = errors.New("not found")

	// ErrNoRunnableStep means no step is queued or due for retry, typically
	// because a stale duplicate message arrived after the work was done.
	ErrNoRunnableStep = errors.New("no runnable step")
)

// ValidationError rejects malformed input synchronously, before any step
// record is persisted.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
	}
	return "validation: " + e.Msg
}

// Validationf builds a ValidationError for a field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
