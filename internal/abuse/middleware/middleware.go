// Package middleware mounts the abuse guard in front of the public endpoints.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"taglink/internal/abuse/models"
	dErrors "taglink/pkg/domainerrors"
	"taglink/pkg/httputil"
	"taglink/pkg/middleware/metadata"
)

// Guard is the admission decision interface; satisfied by the abuse service.
type Guard interface {
	Check(ctx context.Context, ip, phone string) models.Decision
}

// Middleware wraps handlers with guard checks.
type Middleware struct {
	guard  Guard
	logger *slog.Logger
}

// New constructs the guard middleware.
func New(guard Guard, logger *slog.Logger) *Middleware {
	return &Middleware{guard: guard, logger: logger}
}

// Public guards an endpoint with the per-IP ceiling and block flag only.
func (m *Middleware) Public() func(http.Handler) http.Handler {
	return m.wrap(false)
}

// PublicWithPhone guards an OTP-issuance endpoint: per-IP ceiling plus the
// per-phone OTP request ceiling, keyed on the destination phone peeked from
// the JSON body.
func (m *Middleware) PublicWithPhone() func(http.Handler) http.Handler {
	return m.wrap(true)
}

func (m *Middleware) wrap(withPhone bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			ip := metadata.GetClientIP(ctx)
			if ip == "" {
				httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "source address could not be determined"))
				return
			}

			phone := ""
			if withPhone {
				phone = m.peekPhone(r)
			}

			decision := m.guard.Check(ctx, ip, phone)
			if !decision.Allowed {
				httputil.WriteError(w, rejectionError(decision))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// peekPhone reads the destination phone from the request body without
// consuming it for the downstream handler.
func (m *Middleware) peekPhone(r *http.Request) string {
	if r.Method != http.MethodPost || r.Body == nil || r.ContentLength == 0 {
		return ""
	}
	bodyBytes, err := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if err != nil || len(bodyBytes) == 0 {
		return ""
	}
	var payload struct {
		Phone string `json:"phone"`
	}
	if err := json.Unmarshal(bodyBytes, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.Phone)
}

func rejectionError(d models.Decision) error {
	switch d.Outcome {
	case models.OutcomeBlocked:
		return dErrors.New(dErrors.CodeBlocked, "temporarily blocked due to excessive requests").
			WithRetryAfter(d.RetryAfter)
	case models.OutcomeThrottledPhone:
		return dErrors.New(dErrors.CodeThrottled, "too many OTP requests for this number").
			WithRetryAfter(d.RetryAfter)
	default:
		return dErrors.New(dErrors.CodeThrottled, "too many requests").
			WithRetryAfter(d.RetryAfter)
	}
}
