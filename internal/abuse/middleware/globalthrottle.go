package middleware

import (
	"net/http"

	"golang.org/x/time/rate"

	"taglink/pkg/httputil"
)

// GlobalThrottle applies a process-wide request ceiling ahead of the per-IP
// guard. rps <= 0 disables the throttle.
func GlobalThrottle(rps float64) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{
					Error:            "service_unavailable",
					ErrorDescription: "service is temporarily overloaded, please try again later",
					RetryAfter:       1,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
