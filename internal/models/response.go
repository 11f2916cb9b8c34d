// Package models - API response types and error handling.
// This file defines the outgoing JSON envelopes shared by every endpoint.
//
// Response Design Principles:
// - Consistent JSON structure across all endpoints
// - Machine-readable error codes next to human-readable messages
// - Quota responses mirror the X-RateLimit-* headers
// - RFC3339 timestamps for international compatibility
package models

import (
	"time"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error      string            `json:"error"`                 // Error type (always "error")
	Message    string            `json:"message"`               // Human-readable error description
	Code       string            `json:"code,omitempty"`        // Machine-readable error code
	Details    map[string]string `json:"details,omitempty"`     // Field-specific error details
	RetryAfter int               `json:"retry_after,omitempty"` // Seconds until a throttled request may be retried
	Timestamp  time.Time         `json:"timestamp"`             // Error occurrence time
	RequestID  string            `json:"request_id,omitempty"`  // Unique request identifier
}

// QuotaStatusResponse reports a key's limiter state without consuming an attempt.
type QuotaStatusResponse struct {
	Key                   string `json:"key"`
	Tier                  string `json:"tier,omitempty"`
	Limit                 int    `json:"limit"`
	Remaining             int    `json:"remaining"`
	Blocked               bool   `json:"blocked"`
	WindowResetSeconds    int64  `json:"window_reset_seconds"`
	UnblockSeconds        int64  `json:"unblock_seconds"`
	WindowDurationSeconds int64  `json:"window_duration_seconds"`
}

// LoginResponse is returned on a successful login.
type LoginResponse struct {
	Name string `json:"name"`
	Tier string `json:"tier"`
}

// RegisterResponse is returned once, on registration. Key is the only time the
// raw key is ever shown.
type RegisterResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Tier   string `json:"tier"`
	Key    string `json:"key"`
	Prefix string `json:"prefix"`
}

// EchoResponse describes the caller as the service sees it: the identity
// the quota was charged to and the tier that applied.
type EchoResponse struct {
	Identity  string    `json:"identity"`
	Tier      string    `json:"tier"`
	Account   string    `json:"account,omitempty"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Metrics    map[string]interface{}     `json:"metrics,omitempty"`
}

type ComponentHealth struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type ValidationErrorResponse struct {
	Error  string            `json:"error"`
	Errors map[string]string `json:"errors"`
}

// Health Status Constants
const (
	StatusHealthy   = "healthy"   // All systems operational
	StatusUnhealthy = "unhealthy" // Major system issues
	StatusDegraded  = "degraded"  // Partial functionality
	StatusUnknown   = "unknown"   // Status indeterminate
)

// Standard HTTP Error Codes
const (
	ErrorCodeNotFound           = "NOT_FOUND"           // 404: Resource doesn't exist
	ErrorCodeBadRequest         = "BAD_REQUEST"         // 400: Invalid request format
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"     // 400: Invalid request data
	ErrorCodeValidation         = "VALIDATION_ERROR"    // 422: Input validation failed
	ErrorCodeInternalError      = "INTERNAL_ERROR"      // 500: Server-side error
	ErrorCodeUnauthorized       = "UNAUTHORIZED"        // 401: Authentication required
	ErrorCodeForbidden          = "FORBIDDEN"           // 403: Permission denied
	ErrorCodeConflict           = "CONFLICT"            // 409: Resource conflict
	ErrorCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED" // 429: Quota or lockout in effect
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE" // 503: Service temporarily down
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func NewValidationErrorResponse(errors map[string]string) *ValidationErrorResponse {
	return &ValidationErrorResponse{
		Error:  "validation_error",
		Errors: errors,
	}
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
		Metrics:    make(map[string]interface{}),
	}
}

func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

func (h *HealthCheckResponse) AddMetric(name string, value interface{}) {
	h.Metrics[name] = value
}
