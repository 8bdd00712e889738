package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrentModification is returned once the conflict retries are
	// used up. Callers should re-fetch and decide again.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrServiceDegraded is returned when the record store stayed
	// unreachable through every retry.
	ErrServiceDegraded = errors.New("service degraded")
	ErrValidation      = errors.New("validation failed")
)

// ValidationError rejects a command outright. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
