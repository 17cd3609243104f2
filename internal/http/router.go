// Package httpapi assembles the public router: client metadata extraction,
// the global throttle, the abuse guard, the tag endpoints, and the
// operational endpoints.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	abusemw "taglink/internal/abuse/middleware"
	taghandler "taglink/internal/tag/handler"
	"taglink/pkg/httputil"
	"taglink/pkg/middleware/metadata"
)

// HealthCheck reports whether one backing dependency is reachable. Nil checks
// are skipped (dependency not configured).
type HealthCheck func(ctx context.Context) error

// Deps carries everything the router mounts.
type Deps struct {
	Tags      *taghandler.Handler
	Guard     *abusemw.Middleware
	GlobalRPS float64
	Readiness map[string]HealthCheck
}

// New builds the process router.
func New(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(metadata.ClientMetadata)
	r.Use(abusemw.GlobalThrottle(deps.GlobalRPS))

	deps.Tags.Register(r, deps.Guard)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		status := http.StatusOK
		checks := make(map[string]string, len(deps.Readiness))
		for name, check := range deps.Readiness {
			if check == nil {
				checks[name] = "not configured"
				continue
			}
			if err := check(req.Context()); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		httputil.WriteJSON(w, status, checks)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
