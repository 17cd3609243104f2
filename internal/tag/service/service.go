// Package service orchestrates the OTP-gated tag lifecycle: issuance,
// activation, and the three-phase self-service update.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"taglink/internal/audit"
	"taglink/internal/notify"
	"taglink/internal/otp"
	"taglink/internal/tag/metrics"
	"taglink/internal/tag/models"
	"taglink/internal/tag/store"
	"taglink/internal/token"
	dErrors "taglink/pkg/domainerrors"
	"taglink/pkg/middleware/metadata"
	"taglink/pkg/sentinel"
)

// Service is the only writer allowed to move tags through their lifecycle.
type Service struct {
	store    store.Store
	ledger   *otp.Ledger
	tokens   *token.Service
	notifier notify.Notifier
	audit    *audit.Publisher
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAudit attaches the audit publisher.
func WithAudit(p *audit.Publisher) Option {
	return func(s *Service) { s.audit = p }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs the tag service.
func New(st store.Store, ledger *otp.Ledger, tokens *token.Service, notifier notify.Notifier, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, errors.New("tag store is required")
	}
	if ledger == nil {
		return nil, errors.New("otp ledger is required")
	}
	if tokens == nil {
		return nil, errors.New("token service is required")
	}
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	s := &Service{
		store:    st,
		ledger:   ledger,
		tokens:   tokens,
		notifier: notifier,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ActivationInput carries the fields of an activation request.
type ActivationInput struct {
	Code              string
	Name              string
	Phone             string
	WhatsApp          string
	Email             string
	VehicleNo         string
	EmergencyContact1 string
	EmergencyContact2 string
	Address           string
}

// UpdateGrant is the phase-2 result of the update flow: a capability token
// plus the current owner fields for pre-filling the edit form.
type UpdateGrant struct {
	Token string
	Owner models.Owner
}

// IssueOTP opens (or re-opens) an OTP cycle for a tag, dispatching the code
// to the destination phone. A second issue inside the cooldown is rejected
// with the remaining wait. Overwrites any prior cycle: only one is open per
// tag at a time.
func (s *Service) IssueOTP(ctx context.Context, tagID, phone string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return dErrors.New(dErrors.CodeValidation, "phone is required")
	}

	tag, err := s.store.GetTag(ctx, tagID)
	if err != nil {
		return s.mapStoreError(err)
	}

	now := s.now()
	if remaining := s.ledger.CooldownRemaining(tag.OTP, now); remaining > 0 {
		return dErrors.Newf(dErrors.CodeCooldownActive, "please wait %d seconds before requesting a new code", int(remaining.Seconds())).
			WithRetryAfter(remaining)
	}

	cycle, err := s.ledger.NewCycle(phone, now)
	if err != nil {
		return err
	}
	if err := s.store.SetOTP(ctx, tagID, cycle); err != nil {
		return s.mapStoreError(err)
	}

	message := fmt.Sprintf("Your taglink verification code is %s. It is valid for %d minutes.",
		cycle.Code, int(s.ledger.Validity().Minutes()))
	if err := s.notifier.Send(ctx, phone, message); err != nil {
		// Delivery is a collaborator concern; log, never block the response.
		s.logger.ErrorContext(ctx, "otp delivery failed", "tag_id", tagID, "error", err)
		if s.metrics != nil {
			s.metrics.NotifyFailures.Inc()
		}
	}

	if s.metrics != nil {
		s.metrics.OTPIssued.Inc()
	}
	s.audit.Emit(ctx, audit.KindOTPIssued, tagID, nil)
	s.logger.InfoContext(ctx, "otp issued", "tag_id", tagID)
	return nil
}

// Activate runs the activation transaction: the single code path that
// transitions a tag from unassigned to active, creating the owner record and
// linking the two atomically. At most one activation ever commits per tag;
// concurrent losers fail with a conflict and leave no partial owner behind.
func (s *Service) Activate(ctx context.Context, tagID string, input ActivationInput) (models.Owner, error) {
	// Pre-check outside the transaction so a wrong code is recorded against
	// the cycle's attempts counter (the transaction below aborts without
	// writing anything on failure). Required fields are validated first: a
	// malformed request never burns an attempt.
	tag, err := s.store.GetTag(ctx, tagID)
	if err != nil {
		return models.Owner{}, s.mapStoreError(err)
	}
	if tag.Status != models.StatusUnassigned || tag.OwnerID != "" {
		return models.Owner{}, dErrors.New(dErrors.CodeConflict, "tag already assigned or not available")
	}
	if _, err := s.buildOwner(tag, input); err != nil {
		return models.Owner{}, err
	}
	if err := s.verifyRecordingAttempt(ctx, tagID, tag.OTP, input.Code); err != nil {
		return models.Owner{}, err
	}

	owner, err := s.store.Activate(ctx, tagID, func(t models.Tag) (models.Owner, error) {
		owner, err := s.buildOwner(t, input)
		if err != nil {
			return models.Owner{}, err
		}
		// Re-verify inside the transaction's isolation scope; the cycle may
		// have been overwritten or consumed since the pre-check.
		if err := s.ledger.Verify(t.OTP, input.Code, s.now()); err != nil {
			return models.Owner{}, err
		}
		return owner, nil
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			if s.metrics != nil {
				s.metrics.ActivationConflicts.Inc()
			}
			return models.Owner{}, dErrors.Wrap(err, dErrors.CodeConflict, "tag already assigned or not available")
		}
		return models.Owner{}, s.mapStoreError(err)
	}

	if s.metrics != nil {
		s.metrics.Activations.Inc()
	}
	s.audit.Emit(ctx, audit.KindTagActivated, tagID, map[string]string{"owner_id": owner.ID})
	s.logger.InfoContext(ctx, "tag activated", "tag_id", tagID, "owner_id", owner.ID)

	// Best-effort welcome notification; failure never rolls back activation.
	message := fmt.Sprintf("Your tag %s is now active. Reply STOP to opt out of finder alerts.", tagID)
	if err := s.notifier.Send(ctx, owner.Phone, message); err != nil {
		s.logger.ErrorContext(ctx, "activation notification failed", "tag_id", tagID, "error", err)
		if s.metrics != nil {
			s.metrics.NotifyFailures.Inc()
		}
	}

	return owner, nil
}

// VerifyForUpdate is phase 2 of the update flow: check the submitted code and
// mint a capability token bound to the caller's source address. The OTP is
// deliberately not cleared here — a verified-but-unused session must not
// block later re-verification; the cycle is consumed when an update commits.
func (s *Service) VerifyForUpdate(ctx context.Context, tagID, code string) (UpdateGrant, error) {
	sourceIP := metadata.GetClientIP(ctx)
	if sourceIP == "" {
		return UpdateGrant{}, dErrors.New(dErrors.CodeValidation, "source address could not be determined")
	}

	tag, err := s.store.GetTag(ctx, tagID)
	if err != nil {
		return UpdateGrant{}, s.mapStoreError(err)
	}
	if err := s.verifyRecordingAttempt(ctx, tagID, tag.OTP, code); err != nil {
		return UpdateGrant{}, err
	}

	owner, err := s.store.GetOwnerByTag(ctx, tagID)
	if err != nil {
		return UpdateGrant{}, s.mapStoreError(err)
	}

	signed, err := s.tokens.Mint(owner.ID, tagID, sourceIP)
	if err != nil {
		return UpdateGrant{}, err
	}

	s.logger.InfoContext(ctx, "update capability granted", "tag_id", tagID, "owner_id", owner.ID)
	return UpdateGrant{Token: signed, Owner: owner}, nil
}

// CommitUpdate is phase 3: the only phase that writes. The capability token's
// embedded source address must match this request's; on match all supplied
// fields are applied together and the tag's OTP cycle is cleared.
func (s *Service) CommitUpdate(ctx context.Context, tagID, tokenString string, update models.OwnerUpdate) (models.Owner, error) {
	sourceIP := metadata.GetClientIP(ctx)
	if sourceIP == "" {
		return models.Owner{}, dErrors.New(dErrors.CodeValidation, "source address could not be determined")
	}
	if tokenString == "" {
		return models.Owner{}, dErrors.New(dErrors.CodeUnauthorized, "capability token required")
	}
	if update.Empty() {
		return models.Owner{}, dErrors.New(dErrors.CodeValidation, "no fields to update")
	}

	claims, err := s.tokens.Validate(tokenString, sourceIP)
	if err != nil {
		return models.Owner{}, err
	}
	if claims.TagID != tagID {
		return models.Owner{}, dErrors.New(dErrors.CodeUnauthorized, "capability token was not issued for this tag")
	}

	owner, err := s.store.UpdateOwner(ctx, tagID, claims.OwnerID, update)
	if err != nil {
		return models.Owner{}, s.mapStoreError(err)
	}

	if s.metrics != nil {
		s.metrics.OwnerUpdates.Inc()
	}
	s.audit.Emit(ctx, audit.KindOwnerUpdated, tagID, map[string]string{"owner_id": owner.ID})
	s.logger.InfoContext(ctx, "owner updated", "tag_id", tagID, "owner_id", owner.ID)
	return owner, nil
}

// OTPValidity reports how long issued codes stay acceptable.
func (s *Service) OTPValidity() time.Duration {
	return s.ledger.Validity()
}

// GetTag exposes tag lookups for operational tooling.
func (s *Service) GetTag(ctx context.Context, tagID string) (models.Tag, error) {
	tag, err := s.store.GetTag(ctx, tagID)
	if err != nil {
		return models.Tag{}, s.mapStoreError(err)
	}
	return tag, nil
}

// verifyRecordingAttempt runs a ledger check and, for a wrong code, bumps the
// cycle's attempts counter. Expired or absent cycles are not counted; only
// wrong submissions burn attempts.
func (s *Service) verifyRecordingAttempt(ctx context.Context, tagID string, cycle *models.OTP, code string) error {
	err := s.ledger.Verify(cycle, code, s.now())
	if err == nil {
		return nil
	}
	reason := string(dErrors.CodeOf(err))
	if s.metrics != nil {
		s.metrics.OTPVerifyFailures.WithLabelValues(reason).Inc()
	}
	s.audit.Emit(ctx, audit.KindOTPVerifyFailed, tagID, map[string]string{"reason": reason})
	if dErrors.CodeOf(err) == dErrors.CodeOTPInvalid {
		if incErr := s.store.IncrementOTPAttempts(ctx, tagID); incErr != nil {
			s.logger.ErrorContext(ctx, "failed to record otp attempt", "tag_id", tagID, "error", incErr)
		}
	}
	return err
}

// buildOwner finalizes the owner record for activation: phone falls back to
// the number captured at issuance, and the required contact fields are
// checked before any write happens.
func (s *Service) buildOwner(tag models.Tag, input ActivationInput) (models.Owner, error) {
	phone := strings.TrimSpace(input.Phone)
	if phone == "" && tag.OTP != nil {
		phone = tag.OTP.Phone
	}

	owner := models.Owner{
		ID:                uuid.NewString(),
		Name:              strings.TrimSpace(input.Name),
		Phone:             phone,
		WhatsApp:          strings.TrimSpace(input.WhatsApp),
		Email:             strings.TrimSpace(input.Email),
		VehicleNo:         strings.TrimSpace(input.VehicleNo),
		EmergencyContact1: strings.TrimSpace(input.EmergencyContact1),
		EmergencyContact2: strings.TrimSpace(input.EmergencyContact2),
		Address:           strings.TrimSpace(input.Address),
	}

	var missing []string
	for _, f := range []struct{ name, value string }{
		{"name", owner.Name},
		{"phone", owner.Phone},
		{"email", owner.Email},
		{"vehicle_no", owner.VehicleNo},
		{"emergency_contact_1", owner.EmergencyContact1},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return models.Owner{}, dErrors.Newf(dErrors.CodeValidation, "missing required fields: %s", strings.Join(missing, ", "))
	}

	return owner, nil
}

// mapStoreError translates store sentinels into coded domain errors. Domain
// errors produced inside store callbacks pass through untouched.
func (s *Service) mapStoreError(err error) error {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "tag not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "tag already assigned or not available")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeConflict, "tag is not in a state that allows this operation")
	default:
		// Durable-store failures are fatal to the request; unlike the abuse
		// guard there is no safe fail-open here.
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "storage temporarily unavailable, please retry")
	}
}
