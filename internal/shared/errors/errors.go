package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound      = errors.New("resource not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrBadRequest    = errors.New("bad request")
	ErrInternal      = errors.New("internal error")
	ErrValidation    = errors.New("validation error")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrTransient     = errors.New("extraction transient failure")
	ErrPermanent     = errors.New("extraction permanent failure")
	ErrLedger        = errors.New("ledger inconsistency")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Retryable  bool              `json:"retryable"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a forbidden error
func Forbidden(message string) *AppError {
	return &AppError{
		Err:        ErrForbidden,
		Message:    message,
		Code:       "FORBIDDEN",
		HTTPStatus: http.StatusForbidden,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a validation error with field details
func Validation(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// QuotaExceeded reports a denied admission. scope is the denial variant
// (hourly, daily or cost) and does not consume quota.
func QuotaExceeded(scope string, used, limit string) *AppError {
	return &AppError{
		Err:        ErrQuotaExceeded,
		Message:    fmt.Sprintf("%s quota exceeded", scope),
		Code:       "QUOTA_EXCEEDED",
		HTTPStatus: http.StatusTooManyRequests,
		Details:    map[string]string{"scope": scope, "used": used, "limit": limit},
	}
}

// ExtractionTransient reports an extractor failure that may succeed on retry.
func ExtractionTransient(err error, attempts int) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %v", ErrTransient, err),
		Message:    "extraction service temporarily unavailable",
		Code:       "EXTRACTION_TRANSIENT",
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
		Details:    map[string]string{"attempts": fmt.Sprint(attempts)},
	}
}

// ExtractionPermanent reports an extractor failure that must not be retried.
func ExtractionPermanent(err error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %v", ErrPermanent, err),
		Message:    "extraction service returned an unusable response",
		Code:       "EXTRACTION_PERMANENT",
		HTTPStatus: http.StatusBadGateway,
	}
}

// LedgerInconsistency reports a usage ledger read/write failure. Callers
// must treat it as a denial.
func LedgerInconsistency(err error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %v", ErrLedger, err),
		Message:    "usage ledger unavailable",
		Code:       "LEDGER_INCONSISTENCY",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Is reports whether err wraps target. Re-exported so callers need not
// import both error packages.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}
