// Package errors provides a typed error used to carry a machine-readable
// code alongside a human message, for the error frames the gateway sends
// back over a session. Nothing in this supervisor turns an AppError into
// an HTTP response — requests are answered over WebSocket frames, so
// there is no HTTP status mapping here.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeValidationError = "VALIDATION_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s with id '%s' not found", resource, id),
	}
}

// InternalError creates a new internal server error with a wrapped
// underlying error, used for spawn and termination failures.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeInternalError,
		Message: message,
		Err:     err,
	}
}

// Conflict creates a new conflict error, e.g. a double-registration of a
// process id.
func Conflict(message string) *AppError {
	return &AppError{
		Code:    ErrCodeConflict,
		Message: message,
	}
}

// InvalidTransition creates a conflict error describing a rejected state
// transition for a process record.
func InvalidTransition(from, to string) *AppError {
	return &AppError{
		Code:    ErrCodeConflict,
		Message: fmt.Sprintf("cannot transition from '%s' to '%s'", from, to),
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidationError,
		Message: fmt.Sprintf("validation failed for field '%s': %s", field, message),
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code.
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}

	// Otherwise, wrap as an internal error.
	return &AppError{
		Code:    ErrCodeInternalError,
		Message: message,
		Err:     err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}
