// Package domainerrors defines the typed error surface of the gateway.
//
// Every rejection a caller can see carries a machine-distinguishable Code plus
// a human message, and, where computable, a retry-after hint. Services build
// these from store sentinels (pkg/sentinel); the HTTP layer translates codes
// to statuses in exactly one place (ToHTTPStatus).
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies a class of failure to machine callers.
type Code string

const (
	CodeValidation     Code = "validation_error"
	CodeBadRequest     Code = "bad_request"
	CodeNotFound       Code = "not_found"
	CodeConflict       Code = "conflict"
	CodeBlocked        Code = "blocked"
	CodeThrottled      Code = "throttled"
	CodeCooldownActive Code = "cooldown_active"
	CodeOTPInvalid     Code = "otp_invalid"
	CodeOTPExpired     Code = "otp_expired"
	CodeOTPNotIssued   Code = "otp_not_sent"
	CodeTokenMismatch  Code = "token_mismatch"
	CodeUnauthorized   Code = "unauthorized"
	CodeUnavailable    Code = "store_unavailable"
	CodeInternal       Code = "internal_error"
)

// Error is the coded error type returned by services.
type Error struct {
	Code    Code
	Message string
	// RetryAfter is a hint for Blocked/Throttled/CooldownActive rejections;
	// zero means no hint is available.
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error with a user-facing message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted user-facing message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// WithRetryAfter returns a copy of the error carrying a retry-after hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	c := *e
	c.RetryAfter = d
	return &c
}

// CodeOf extracts the code from an error chain, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// RetryAfterOf extracts the retry-after hint from an error chain, if any.
func RetryAfterOf(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// ToHTTPStatus maps an error code to its HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeBadRequest, CodeOTPInvalid, CodeOTPNotIssued:
		return http.StatusBadRequest
	case CodeOTPExpired:
		return http.StatusGone
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeBlocked, CodeThrottled, CodeCooldownActive:
		return http.StatusTooManyRequests
	case CodeUnauthorized, CodeTokenMismatch:
		return http.StatusUnauthorized
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
