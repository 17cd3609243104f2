// Package handler is the thin HTTP layer over the tag service. Transport
// concerns only; every business decision lives in the service.
package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	abusemw "taglink/internal/abuse/middleware"
	"taglink/internal/tag/service"
	"taglink/pkg/httputil"
)

// Handler wires the public tag endpoints to the tag service.
type Handler struct {
	service *service.Service
	logger  *slog.Logger
}

// New constructs a tag handler.
func New(svc *service.Service, logger *slog.Logger) *Handler {
	return &Handler{service: svc, logger: logger}
}

// Register mounts the public endpoints with their guard middleware. The two
// OTP-issuance routes also count against the per-phone ceiling; the rest are
// guarded per-IP only.
func (h *Handler) Register(r chi.Router, guard *abusemw.Middleware) {
	r.Route("/tag/{id}", func(r chi.Router) {
		r.With(guard.PublicWithPhone()).Post("/generateOtp", h.HandleGenerateOTP)
		r.With(guard.Public()).Post("/activate", h.HandleActivate)
		r.With(guard.PublicWithPhone()).Post("/generateOtpToUpdateTag", h.HandleGenerateUpdateOTP)
		r.With(guard.Public()).Post("/verifyOtp", h.HandleVerifyOTP)
		r.With(guard.Public()).Post("/updateTag", h.HandleUpdateTag)
	})
}

// HandleGenerateOTP handles POST /tag/{id}/generateOtp.
func (h *Handler) HandleGenerateOTP(w http.ResponseWriter, r *http.Request) {
	h.issueOTP(w, r)
}

// HandleGenerateUpdateOTP handles POST /tag/{id}/generateOtpToUpdateTag.
// Phase 1 of the update flow; the ledger semantics are identical to
// activation issuance.
func (h *Handler) HandleGenerateUpdateOTP(w http.ResponseWriter, r *http.Request) {
	h.issueOTP(w, r)
}

func (h *Handler) issueOTP(w http.ResponseWriter, r *http.Request) {
	tagID := chi.URLParam(r, "id")

	var req generateOTPRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.service.IssueOTP(r.Context(), tagID, req.Phone); err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, generateOTPResponse{
		Message:  "OTP sent",
		ValidFor: int(h.service.OTPValidity().Seconds()),
	})
}

// HandleActivate handles POST /tag/{id}/activate.
func (h *Handler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	tagID := chi.URLParam(r, "id")

	var req activateRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	owner, err := h.service.Activate(r.Context(), tagID, req.toInput())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, activateResponse{
		TagID:  tagID,
		Status: "active",
		Owner:  toOwnerResponse(owner),
	})
}

// HandleVerifyOTP handles POST /tag/{id}/verifyOtp: phase 2 of the update
// flow, returning the capability token and the current owner snapshot.
func (h *Handler) HandleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	tagID := chi.URLParam(r, "id")

	var req verifyOTPRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	grant, err := h.service.VerifyForUpdate(r.Context(), tagID, req.OTP)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, verifyOTPResponse{
		Token: grant.Token,
		Owner: toOwnerResponse(grant.Owner),
	})
}

// HandleUpdateTag handles POST /tag/{id}/updateTag: phase 3, the only phase
// that writes. The capability token comes from the Authorization header or,
// for clients that cannot set headers, the body.
func (h *Handler) HandleUpdateTag(w http.ResponseWriter, r *http.Request) {
	tagID := chi.URLParam(r, "id")
	headerToken := bearerToken(r)

	var req updateTagRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	tokenString := headerToken
	if tokenString == "" {
		tokenString = req.Token
	}

	owner, err := h.service.CommitUpdate(r.Context(), tagID, tokenString, req.OwnerUpdate)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toOwnerResponse(owner))
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}
