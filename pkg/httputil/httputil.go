// Package httputil centralizes JSON response writing so every handler emits
// the same error envelope.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	dErrors "taglink/pkg/domainerrors"
)

// ErrorResponse is the JSON envelope for every rejection.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	RetryAfter       int    `json:"retry_after,omitempty"` // seconds
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates a domain error into the standard envelope. Internal
// errors omit the description so infrastructure details never leak to
// anonymous callers. Retryable rejections also set the Retry-After header.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status := dErrors.ToHTTPStatus(code)

	resp := ErrorResponse{Error: string(code)}
	var de *dErrors.Error
	if code != dErrors.CodeInternal && errors.As(err, &de) {
		resp.ErrorDescription = de.Message
	}
	if ra := dErrors.RetryAfterOf(err); ra > 0 {
		secs := int(ra.Seconds())
		if secs < 1 {
			secs = 1
		}
		resp.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	WriteJSON(w, status, resp)
}

// Decode parses a JSON request body into dst, returning a typed validation
// error on malformed input.
func Decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body required")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed JSON body")
	}
	return nil
}
