package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error types
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
	ErrConflict     = errors.New("resource conflict")
	ErrInternal     = errors.New("internal server error")
	ErrValidation   = errors.New("validation error")

	// Provenance errors
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrDuplicateBatchID        = errors.New("duplicate batch id")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrChainIntegrityViolation = errors.New("chain integrity violation")
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

// NotFoundID creates a not found error that names the missing entity,
// e.g. NotFoundID("material", "material_id", "MAT-001").
func NotFoundID(resource, field, id string) *AppError {
	return NotFound(resource + " " + id).WithDetails(map[string]string{field: id})
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

// InsufficientStock reports the first requirement line that could not be covered.
func InsufficientStock(materialID, required, available string) *AppError {
	return &AppError{
		Err:        ErrInsufficientStock,
		Code:       "INSUFFICIENT_STOCK",
		Message:    fmt.Sprintf("insufficient stock for material %s: required %s, available %s", materialID, required, available),
		StatusCode: http.StatusUnprocessableEntity,
		Details: map[string]string{
			"material_id": materialID,
			"required":    required,
			"available":   available,
		},
	}
}

func DuplicateBatchID(batchID string) *AppError {
	return &AppError{
		Err:        ErrDuplicateBatchID,
		Code:       "DUPLICATE_BATCH_ID",
		Message:    fmt.Sprintf("batch %s already exists", batchID),
		StatusCode: http.StatusConflict,
		Details:    map[string]string{"batch_id": batchID},
	}
}

func InvalidTransition(batchID, from, to string) *AppError {
	return &AppError{
		Err:        ErrInvalidTransition,
		Code:       "INVALID_TRANSITION",
		Message:    fmt.Sprintf("batch %s cannot move from %s to %s", batchID, from, to),
		StatusCode: http.StatusConflict,
		Details: map[string]string{
			"batch_id": batchID,
			"from":     from,
			"to":       to,
		},
	}
}

func ChainIntegrityViolation(batchID string, index int, reason string) *AppError {
	return &AppError{
		Err:        ErrChainIntegrityViolation,
		Code:       "CHAIN_INTEGRITY_VIOLATION",
		Message:    fmt.Sprintf("ledger of batch %s is broken at entry %d: %s", batchID, index, reason),
		StatusCode: http.StatusConflict,
		Details: map[string]string{
			"batch_id": batchID,
			"index":    fmt.Sprintf("%d", index),
			"reason":   reason,
		},
	}
}

// Is checks if the error matches a target error
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As attempts to convert an error to a specific type
func As(err error, target any) bool {
	return errors.As(err, target)
}
