// Package apperr defines the stable error taxonomy returned by the API.
// Every error that crosses the HTTP boundary is an *Error; anything else
// is reported as INTERNAL with only the correlation id attached.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code. Codes are part of the API
// contract and must never change meaning.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodeInvalidToken      Code = "INVALID_TOKEN"
	CodeMFARequired       Code = "MFA_REQUIRED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeTenantMismatch    Code = "TENANT_MISMATCH"
	CodeInternal          Code = "INTERNAL"
)

// Error carries a taxonomy code, a human-readable message and optional
// structured details. It wraps an underlying cause when one exists so that
// errors.Is/As keep working through the boundary.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches a key/value pair to the error's details map.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error without changing the visible code.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(message string) *Error      { return New(CodeValidation, message) }
func Unauthenticated(message string) *Error { return New(CodeUnauthenticated, message) }
func InvalidToken(message string) *Error    { return New(CodeInvalidToken, message) }
func MFARequired() *Error {
	return New(CodeMFARequired, "multi-factor code required")
}
func Forbidden(message string) *Error { return New(CodeForbidden, message) }
func NotFound(resource string) *Error {
	return Newf(CodeNotFound, "%s not found", resource)
}
func Conflict(message string) *Error          { return New(CodeConflict, message) }
func InvalidTransition(message string) *Error { return New(CodeInvalidTransition, message) }
func RateLimited() *Error {
	return New(CodeRateLimited, "rate limit exceeded")
}
func TenantMismatch(message string) *Error { return New(CodeTenantMismatch, message) }

// Internal wraps an unexpected error. The cause is kept for logging but the
// message surfaced to clients stays generic.
func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "internal server error", cause: cause}
}

// HTTPStatus maps a taxonomy code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeTenantMismatch:
		return http.StatusBadRequest
	case CodeUnauthenticated, CodeInvalidToken:
		return http.StatusUnauthorized
	case CodeMFARequired:
		return http.StatusLocked
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeInvalidTransition:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// From extracts the *Error from err, or wraps err as INTERNAL when it is not
// part of the taxonomy.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// CodeOf returns the taxonomy code of err, CodeInternal for unknown errors.
func CodeOf(err error) Code {
	return From(err).Code
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
