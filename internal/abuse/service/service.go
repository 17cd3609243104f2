// Package service implements the abuse guard: the admission decision that
// runs before any business logic on every public endpoint.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"taglink/internal/abuse/metrics"
	"taglink/internal/abuse/models"
	"taglink/internal/abuse/store/counter"
	"taglink/internal/audit"
	"taglink/internal/platform/config"
)

// Service evaluates guard decisions against the counter store.
//
// The guard is best-effort by contract: when the counter store is unreachable
// it fails OPEN — the request is admitted and limits are not enforced for
// that call. A store outage must never block legitimate traffic; callers must
// not treat the guard as a security boundary of last resort.
type Service struct {
	store   counter.Store
	cfg     config.Abuse
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   *audit.Publisher
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the guard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithAudit attaches the audit publisher.
func WithAudit(p *audit.Publisher) Option {
	return func(s *Service) {
		s.audit = p
	}
}

// New constructs the guard over a counter store.
func New(store counter.Store, cfg config.Abuse, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("counter store is required")
	}
	s := &Service{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Check admits or rejects a request from ip, optionally carrying a destination
// phone (OTP-issuance requests). The caller must reject requests with no
// derivable source address before calling Check.
//
// Order matters: an existing block flag short-circuits the counters; the
// per-phone ceiling rejects without touching the IP block flag.
func (s *Service) Check(ctx context.Context, ip, phone string) models.Decision {
	if _, exists, err := s.store.Get(ctx, models.BlockKey(ip)); err != nil {
		return s.failOpen(ctx, "block flag lookup", err)
	} else if exists {
		return s.reject(ctx, ip, models.Decision{
			Outcome:    models.OutcomeBlocked,
			RetryAfter: s.blockRetryAfter(ctx, ip),
		})
	}

	count, err := s.store.IncrementWindow(ctx, models.RequestKey(ip), s.cfg.IPWindow)
	if err != nil {
		return s.failOpen(ctx, "ip counter increment", err)
	}
	if count > int64(s.cfg.IPLimit) {
		if _, err := s.store.SetIfAbsent(ctx, models.BlockKey(ip), "1", s.cfg.BlockTTL); err != nil {
			return s.failOpen(ctx, "block flag set", err)
		}
		if s.metrics != nil {
			s.metrics.BlocksSet.Inc()
		}
		s.audit.Emit(ctx, audit.KindIPBlocked, "", map[string]string{"ip": ip})
		s.logger.WarnContext(ctx, "ip blocked",
			"ip", ip,
			"count", count,
			"limit", s.cfg.IPLimit,
			"block_ttl", s.cfg.BlockTTL,
		)
		return s.reject(ctx, ip, models.Decision{
			Outcome:    models.OutcomeBlocked,
			RetryAfter: s.cfg.BlockTTL,
		})
	}

	if phone != "" {
		phoneCount, err := s.store.IncrementWindow(ctx, models.OTPKey(phone), s.cfg.PhoneWindow)
		if err != nil {
			return s.failOpen(ctx, "phone counter increment", err)
		}
		if phoneCount > int64(s.cfg.PhoneLimit) {
			retryAfter, ttlErr := s.store.TTL(ctx, models.OTPKey(phone))
			if ttlErr != nil {
				retryAfter = s.cfg.PhoneWindow
			}
			return s.reject(ctx, ip, models.Decision{
				Outcome:    models.OutcomeThrottledPhone,
				RetryAfter: retryAfter,
			})
		}
	}

	if s.metrics != nil {
		s.metrics.RecordDecision(string(models.OutcomeAllowed))
	}
	return models.Decision{Allowed: true, Outcome: models.OutcomeAllowed}
}

func (s *Service) reject(ctx context.Context, ip string, d models.Decision) models.Decision {
	d.Allowed = false
	if s.metrics != nil {
		s.metrics.RecordDecision(string(d.Outcome))
	}
	s.logger.InfoContext(ctx, "request rejected by guard",
		"ip", ip,
		"outcome", d.Outcome,
		"retry_after", d.RetryAfter,
	)
	return d
}

func (s *Service) failOpen(ctx context.Context, op string, err error) models.Decision {
	if s.metrics != nil {
		s.metrics.FailOpen.Inc()
		s.metrics.RecordDecision(string(models.OutcomeFailedOpen))
	}
	s.logger.ErrorContext(ctx, "counter store unavailable, admitting without limits",
		"op", op,
		"error", err,
	)
	return models.Decision{Allowed: true, Outcome: models.OutcomeFailedOpen, FailedOpen: true}
}

// blockRetryAfter reads the remaining block TTL for the rejection hint.
// Best-effort: a TTL read failure falls back to the configured block length.
func (s *Service) blockRetryAfter(ctx context.Context, ip string) time.Duration {
	ttl, err := s.store.TTL(ctx, models.BlockKey(ip))
	if err != nil || ttl == 0 {
		return s.cfg.BlockTTL
	}
	return ttl
}
