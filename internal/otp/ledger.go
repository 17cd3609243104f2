// Package otp implements the one-time-code lifecycle embedded in a tag:
// NoOtp -> Issued -> (Expired | Verified). Verified is terminal; the caller
// clears the record as part of its own atomic commit.
package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"taglink/internal/platform/config"
	"taglink/internal/tag/models"
	dErrors "taglink/pkg/domainerrors"
)

// Ledger holds the OTP policy knobs. It is pure over tag state: Issue
// decisions and Verify checks never touch a store, so verification can run
// inside a larger transaction without double-writing.
type Ledger struct {
	cfg config.OTP
}

// New constructs a ledger with the given policy.
func New(cfg config.OTP) *Ledger {
	return &Ledger{cfg: cfg}
}

// Validity reports how long an issued code stays acceptable.
func (l *Ledger) Validity() time.Duration {
	return l.cfg.TTL
}

// CooldownRemaining reports the wait before a new code may be issued for the
// given open cycle; zero when issuance is allowed. Expiry is evaluated lazily
// at call time, no timers are armed.
func (l *Ledger) CooldownRemaining(current *models.OTP, now time.Time) time.Duration {
	if current == nil {
		return 0
	}
	elapsed := now.Sub(current.LastAttemptAt)
	if elapsed >= l.cfg.Cooldown {
		return 0
	}
	return l.cfg.Cooldown - elapsed
}

// NewCycle generates a fresh cycle: a uniformly random 6-digit code valid for
// the configured TTL, bound to the destination phone. Overwrites any prior
// cycle unconditionally; only one cycle is open per tag at a time.
func (l *Ledger) NewCycle(phone string, now time.Time) (models.OTP, error) {
	code, err := generateCode()
	if err != nil {
		return models.OTP{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate code")
	}
	return models.OTP{
		Code:          code,
		ExpiresAt:     now.Add(l.cfg.TTL),
		Attempts:      0,
		LastAttemptAt: now,
		Phone:         phone,
	}, nil
}

// Verify checks a submitted code against the open cycle. Read-and-compare
// only: no mutation, so it can be re-run inside the activation transaction.
// The caller records failed attempts separately.
func (l *Ledger) Verify(current *models.OTP, submitted string, now time.Time) error {
	if current == nil || current.Code == "" {
		return dErrors.New(dErrors.CodeOTPNotIssued, "OTP not sent")
	}
	if !now.Before(current.ExpiresAt) {
		return dErrors.New(dErrors.CodeOTPExpired, "OTP has expired")
	}
	if current.Attempts >= l.cfg.MaxAttempts {
		return dErrors.New(dErrors.CodeOTPInvalid, "too many incorrect attempts, request a new code")
	}
	if submitted != current.Code {
		return dErrors.New(dErrors.CodeOTPInvalid, "invalid OTP")
	}
	return nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
