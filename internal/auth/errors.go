package auth

import (
	"fmt"
	"net/http"
	"time"

	"gatekeeper/internal/models"
)

// ServiceError represents errors from the auth service with HTTP context
type ServiceError struct {
	Code       string
	Message    string
	StatusCode int
	Err        error

	// RetryAfter is set on throttling errors.
	RetryAfter time.Duration
	// Remaining is the number of login attempts left, or -1 when unknown.
	Remaining int
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Error constructors for common service errors

func NewThrottledError(retryAfter time.Duration) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeRateLimitExceeded,
		Message:    LockoutMessage(retryAfter),
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
		Remaining:  0,
	}
}

func NewInvalidCredentialsError(remaining int) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeUnauthorized,
		Message:    "invalid name or key",
		StatusCode: http.StatusUnauthorized,
		Remaining:  remaining,
	}
}

func NewInvalidRequestError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
		Remaining:  -1,
	}
}

func NewConflictError(message string) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeConflict,
		Message:    message,
		StatusCode: http.StatusConflict,
		Remaining:  -1,
	}
}

func NewForbiddenError(message string) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeForbidden,
		Message:    message,
		StatusCode: http.StatusForbidden,
		Remaining:  -1,
	}
}

// NewUnavailableError is returned when the throttle state cannot be read.
// Login and registration fail closed.
func NewUnavailableError(err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeServiceUnavailable,
		Message:    "authentication temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
		Remaining:  -1,
	}
}

func NewInternalError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeInternalError,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
		Remaining:  -1,
	}
}

// LockoutMessage renders retryAfter as a user-facing lockout notice, rounded
// up to whole minutes.
func LockoutMessage(retryAfter time.Duration) string {
	minutes := int((retryAfter + time.Minute - 1) / time.Minute)
	if minutes <= 1 {
		return "Too many attempts. Try again in 1 minute."
	}
	return fmt.Sprintf("Too many attempts. Try again in %d minutes.", minutes)
}
