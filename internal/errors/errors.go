// Package errors provides categorized errors for the exchange oracle.
// Categories drive retry behavior: transient errors are always retried by
// the dispatcher backoff schedule or the next reconciliation tick, while
// authentication and validation errors are rejected and never retried.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/exchange-oracle/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryAuthentication represents signature verification failures
	CategoryAuthentication ErrorCategory = "authentication"
	// CategoryValidation represents malformed payloads and unknown event types
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents missing referential entities
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents duplicate or conflicting writes
	CategoryConflict ErrorCategory = "conflict"
	// CategoryTransient represents retryable failures (gateway timeouts,
	// network errors, lock contention)
	CategoryTransient ErrorCategory = "transient"
	// CategoryExhausted represents exceeded retry or attempt budgets
	CategoryExhausted ErrorCategory = "exhausted"
	// CategoryDatabase represents event store failures
	CategoryDatabase ErrorCategory = "database"
	// CategorySystem represents unexpected internal failures
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewAuthenticationError creates a signature verification error.
// Fails closed: the request is rejected and never processed.
func NewAuthenticationError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthentication,
		StatusCode: http.StatusUnauthorized,
		Code:       "AUTHENTICATION_FAILED",
		Message:    message,
	}
}

// NewValidationError creates a payload validation error
func NewValidationError(field string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "VALIDATION_FAILED",
		Message:    fmt.Sprintf("invalid field '%s': %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewUnknownEventTypeError creates a validation error for unrecognized event types
func NewUnknownEventTypeError(eventType string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "UNKNOWN_EVENT_TYPE",
		Message:    fmt.Sprintf("unrecognized event type: %s", eventType),
		Details: map[string]interface{}{
			"eventType": eventType,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "CONFLICT",
		Message:    message,
	}
}

// NewTransientError creates a retryable error. The next dispatch attempt or
// reconciliation tick will retry the operation.
func NewTransientError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "TRANSIENT_ERROR",
		Message:    fmt.Sprintf("transient failure during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewGatewayTimeoutError creates a transient error for a timed out external call.
// A timeout is never treated as success.
func NewGatewayTimeoutError(gateway string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusGatewayTimeout,
		Code:       "GATEWAY_TIMEOUT",
		Message:    fmt.Sprintf("gateway timeout: %s", gateway),
		Details: map[string]interface{}{
			"gateway": gateway,
		},
	}
}

// NewExhaustedError creates an error for an exceeded attempt budget.
// The caller is expected to apply a terminal local state transition.
func NewExhaustedError(operation string, attempts int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryExhausted,
		StatusCode: http.StatusInternalServerError,
		Code:       "ATTEMPTS_EXHAUSTED",
		Message:    fmt.Sprintf("attempt budget exhausted for %s after %d attempts", operation, attempts),
		Details: map[string]interface{}{
			"operation": operation,
			"attempts":  attempts,
		},
	}
}

// NewDatabaseError creates an event store error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error should be retried. Only transient
// failures qualify; authentication and validation failures repeat identically
// until an operator intervenes, so retrying them is wasted work.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryTransient, CategoryDatabase:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsAuthentication reports whether the error is a signature failure
func IsAuthentication(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryAuthentication
}

// IsValidation reports whether the error is a payload validation failure
func IsValidation(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryValidation
}

// IsNotFound reports whether the error is a missing-entity failure
func IsNotFound(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryNotFound
}
