// Package providererr provides structured error classification for model
// provider API interactions, driving retry and fallback decisions.
package providererr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Type categorizes provider errors for retry logic.
type Type int8

const (
	// Retryable error types.

	// TypeRateLimit represents rate limiting errors (429, quota exceeded).
	TypeRateLimit Type = iota
	// TypeTransient represents transient errors (5xx, EOF, connection reset, timeout).
	TypeTransient
	// TypeEmptyResponse represents HTTP 200 but no content errors.
	TypeEmptyResponse

	// Non-retryable error types.

	// TypeAuth represents authentication errors (401/403, bad API key).
	TypeAuth
	// TypeBadPrompt represents malformed request errors (too long, violates policy).
	TypeBadPrompt
	// TypeUnknown is the default for unclassified errors.
	TypeUnknown
)

// String returns the string representation of the error type.
func (t Type) String() string {
	switch t {
	case TypeRateLimit:
		return "rate_limit"
	case TypeTransient:
		return "transient"
	case TypeEmptyResponse:
		return "empty_response"
	case TypeAuth:
		return "auth"
	case TypeBadPrompt:
		return "bad_prompt"
	case TypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Error is a classified provider error with retry metadata.
type Error struct {
	Err        error  // Wrapped underlying error
	Message    string // Human-readable error message
	Provider   string // Provider that produced the error
	Type       Type   // Classified error type
	StatusCode int    // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("provider error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("provider error (%s): status %d", e.Type.String(), e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether this error type should be retried.
// Blocklist approach: everything is retryable UNLESS explicitly non-retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case TypeAuth, TypeBadPrompt:
		return false
	default:
		return true
	}
}

// New creates a classified provider error.
func New(errorType Type, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewWithStatus creates a classified provider error with HTTP status.
func NewWithStatus(errorType Type, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

// NewWithCause creates a classified provider error wrapping another error.
func NewWithCause(errorType Type, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// Is checks whether an error carries a specific classified type.
func Is(err error, errorType Type) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Type == errorType
	}
	return false
}

// TypeOf returns the classified type of an error, or TypeUnknown.
func TypeOf(err error) Type {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Type
	}
	return TypeUnknown
}

// IsRetryable reports whether an arbitrary error should be retried.
// Unclassified errors are treated as retryable TypeUnknown.
func IsRetryable(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.IsRetryable()
	}
	return true
}

// Classify maps an arbitrary SDK or transport error to a classified Error.
// SDK error messages vary per vendor, so classification combines HTTP status
// extraction with text pattern matching.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewWithCause(TypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return NewWithCause(TypeTransient, err, "request canceled")
	}

	errStr := err.Error()
	switch extractStatusCode(errStr) {
	case 401:
		return NewWithStatus(TypeAuth, 401, "authentication failed - check API key")
	case 403:
		return NewWithStatus(TypeAuth, 403, "permission denied - check API access")
	case 429:
		return NewWithStatus(TypeRateLimit, 429, "rate limit exceeded")
	case 400:
		return NewWithStatus(TypeBadPrompt, 400, "bad request - check prompt format and parameters")
	case 500, 502, 503, 504:
		return NewWithCause(TypeTransient, err, "server error")
	}

	lower := strings.ToLower(errStr)
	switch {
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "network"),
		strings.Contains(lower, "temporary"),
		strings.Contains(errStr, "EOF"),
		strings.Contains(lower, "reset"):
		return NewWithCause(TypeTransient, err, "network or connection error")
	case strings.Contains(lower, "rate"),
		strings.Contains(lower, "quota"),
		strings.Contains(lower, "overloaded"):
		return NewWithCause(TypeRateLimit, err, "rate limiting detected")
	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "api key"),
		strings.Contains(lower, "auth"):
		return NewWithCause(TypeAuth, err, "authentication error")
	case strings.Contains(lower, "invalid"),
		strings.Contains(lower, "malformed"),
		strings.Contains(lower, "too large"):
		return NewWithCause(TypeBadPrompt, err, "prompt or request error")
	}

	return NewWithCause(TypeUnknown, err, "unclassified error")
}

// extractStatusCode pulls an HTTP status code out of an SDK error string.
// Vendor SDKs embed status codes in varying message formats.
func extractStatusCode(errStr string) int {
	lower := strings.ToLower(errStr)
	patterns := []string{"status code: ", "status: ", "http ", "code "}
	codes := []int{400, 401, 403, 429, 500, 502, 503, 504}

	for _, pattern := range patterns {
		idx := strings.Index(lower, pattern)
		if idx == -1 {
			continue
		}
		rest := errStr[idx+len(pattern):]
		for _, code := range codes {
			if strings.HasPrefix(rest, fmt.Sprintf("%d", code)) {
				return code
			}
		}
	}
	return 0
}
