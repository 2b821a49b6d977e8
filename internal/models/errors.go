package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrConflict             = errors.New("conflict")
	ErrNotFound             = errors.New("peer not found")
	ErrPoolExhausted        = errors.New("address pool exhausted")
	ErrInterfaceUnavailable = errors.New("interface unavailable")
	ErrProvision            = errors.New("key provisioning failed")
)

// ValidationError reports a caller-fixable problem with one input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
