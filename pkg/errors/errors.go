package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// Standard error types
var (
	ErrNotFound          = errors.New("resource not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrBadRequest        = errors.New("bad request")
	ErrConflict          = errors.New("resource conflict")
	ErrInternal          = errors.New("internal server error")
	ErrValidation        = errors.New("validation error")
	ErrTokenInvalid      = errors.New("invalid token")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConsistencyFault  = errors.New("consistency fault")
	ErrTransientConflict = errors.New("transient conflict")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	StatusCode int               `json:"status_code"`
	Details    map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code string, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code string, message string, statusCode int) *AppError {
	return &AppError{
		Err:        err,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WithDetails adds details to an AppError
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// Common error constructors

func NotFound(resource string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Code:       "BAD_REQUEST",
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Code:       "CONFLICT",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func Internal(message string) *AppError {
	return &AppError{
		Err:        ErrInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

func Validation(details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Code:       "VALIDATION_ERROR",
		Message:    "validation failed",
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

func TokenInvalid() *AppError {
	return &AppError{
		Err:        ErrTokenInvalid,
		Code:       "TOKEN_INVALID",
		Message:    "invalid token",
		StatusCode: http.StatusUnauthorized,
	}
}

// Stock errors

// InsufficientStockError carries the figures of a rejected fulfillment.
type InsufficientStockError struct {
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: %d available, %d requested", e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// InsufficientStock is returned when eligible availability is below the requested quantity.
// Callers may retry with a smaller quantity or back-order.
func InsufficientStock(available, requested int) *AppError {
	return &AppError{
		Err:        &InsufficientStockError{Available: available, Requested: requested},
		Code:       "INSUFFICIENT_STOCK",
		Message:    "insufficient stock",
		StatusCode: http.StatusConflict,
		Details: map[string]string{
			"available": strconv.Itoa(available),
			"requested": strconv.Itoa(requested),
		},
	}
}

// ConsistencyFault signals that an allocation precheck and its apply phase disagreed.
// It is never retried.
func ConsistencyFault(message string) *AppError {
	return &AppError{
		Err:        ErrConsistencyFault,
		Code:       "CONSISTENCY_FAULT",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// TransientConflict is returned once serialization retries are exhausted.
func TransientConflict(attempts int) *AppError {
	return &AppError{
		Err:        ErrTransientConflict,
		Code:       "TRANSIENT_CONFLICT",
		Message:    fmt.Sprintf("concurrent update conflict after %d attempts, retry the request", attempts),
		StatusCode: http.StatusServiceUnavailable,
	}
}

// IsRetryable reports whether the caller may safely repeat the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientConflict)
}

// Is checks if the error matches a target error
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As attempts to convert an error to a specific type
func As(err error, target any) bool {
	return errors.As(err, target)
}
