package models

import (
	"strings"
	"time"
)

// Counter store key prefixes. One namespace per scope so per-IP request
// counters, per-phone OTP counters, and block flags never collide.
const (
	KeyPrefixRequest = "abuse:req:"
	KeyPrefixOTP     = "abuse:otp:"
	KeyPrefixBlock   = "abuse:block:"
)

// SanitizeKeySegment escapes delimiter characters in counter key segments to
// prevent key collision attacks where a caller-controlled identifier
// containing ':' could manipulate an adjacent bucket.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// RequestKey is the per-IP request counter key for the current window.
func RequestKey(ip string) string {
	return KeyPrefixRequest + SanitizeKeySegment(ip)
}

// OTPKey is the per-phone OTP request counter key for the current window.
func OTPKey(phone string) string {
	return KeyPrefixOTP + SanitizeKeySegment(phone)
}

// BlockKey is the block flag key for an offending IP.
func BlockKey(ip string) string {
	return KeyPrefixBlock + SanitizeKeySegment(ip)
}

// Outcome labels a guard decision for logging and metrics.
type Outcome string

const (
	OutcomeAllowed        Outcome = "allowed"
	OutcomeBlocked        Outcome = "blocked"
	OutcomeThrottledPhone Outcome = "throttled_phone"
	OutcomeFailedOpen     Outcome = "failed_open"
)

// Decision is the result of a guard check.
type Decision struct {
	Allowed bool
	Outcome Outcome
	// RetryAfter is set for rejections where the store reported a remaining
	// window; zero when not computable.
	RetryAfter time.Duration
	// FailedOpen marks decisions that admitted traffic because the counter
	// store was unreachable. Limits were not enforced for this call.
	FailedOpen bool
}
