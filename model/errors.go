package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest           = "BAD_REQUEST"
	ErrValidationError      = "VALIDATION_ERROR"
	ErrUnauthorized         = "UNAUTHORIZED"
	ErrNotFound             = "NOT_FOUND"
	ErrConflict             = "CONFLICT"
	ErrExternalCall         = "EXTERNAL_CALL"
	ErrUnknownConfiguration = "UNKNOWN_CONFIGURATION"
	ErrInternalError        = "INTERNAL_ERROR"
	ErrBackendUnavailable   = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout       = "BACKEND_TIMEOUT"
)

// ErrorEnvelope is the standard error type used throughout the engine and
// returned by the HTTP surface. It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the envelope code carried by err, or INTERNAL_ERROR when err
// is not an *ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR for a malformed trigger
// request. Nothing is mutated when one of these is returned.
func NewValidationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrValidationError, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewExternalCallError returns an EXTERNAL_CALL error for a collaborator
// that reported failure.
func NewExternalCallError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrExternalCall, Message: msg}
}

// NewUnknownConfigurationError returns an UNKNOWN_CONFIGURATION error for an
// unrecognized action or step type.
func NewUnknownConfigurationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnknownConfiguration, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInternalError, Message: "An unexpected error occurred"}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBackendUnavailable, Message: "The backend service is temporarily unavailable"}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBackendTimeout, Message: "The backend service did not respond in time"}
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool { return CodeOf(err) == ErrNotFound }

// IsConflict reports whether err carries the CONFLICT code.
func IsConflict(err error) bool { return CodeOf(err) == ErrConflict }
