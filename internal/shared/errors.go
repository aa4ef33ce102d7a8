package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates a malformed request (missing principal, role, action...).
	ErrValidation = errors.New("validation")
	// ErrNotFound indicates an unknown role, mapping or principal.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a duplicate active record or a rejected graph edge.
	ErrConflict = errors.New("conflict")
	// ErrExternalSync indicates the external identity source was unreachable or timed out.
	ErrExternalSync = errors.New("external sync")
	// ErrInternal indicates an unexpected failure inside evaluation or persistence.
	ErrInternal = errors.New("internal")
)

// Validationf wraps ErrValidation with a specific message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with a specific message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflictf wraps ErrConflict with a specific message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// ExternalSyncf wraps ErrExternalSync, keeping the cause in the chain.
func ExternalSyncf(cause error, format string, args ...any) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrExternalSync, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("%w: %s: %w", ErrExternalSync, fmt.Sprintf(format, args...), cause)
}

// Internalf wraps ErrInternal, keeping the cause in the chain.
func Internalf(cause error, format string, args ...any) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("%w: %s: %w", ErrInternal, fmt.Sprintf(format, args...), cause)
}
