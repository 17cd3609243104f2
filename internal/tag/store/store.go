// Package store defines durable persistence for tags and owners. The
// interface is the transactional boundary: Activate and UpdateOwner are the
// only multi-entity writes, and each implementation must make them atomic —
// all effects visible together or not at all.
package store

import (
	"context"

	"taglink/internal/tag/models"
)

// Store is the durable tag/owner store consumed by the tag service.
type Store interface {
	// GetTag loads a tag by id. Wraps sentinel.ErrNotFound when absent.
	GetTag(ctx context.Context, tagID string) (models.Tag, error)

	// SetOTP overwrites the tag's embedded OTP cycle.
	SetOTP(ctx context.Context, tagID string, otp models.OTP) error

	// IncrementOTPAttempts bumps the open cycle's attempts counter. It never
	// touches last_attempt_at or expires_at, so a wrong submission cannot
	// extend the cooldown or the validity window.
	IncrementOTPAttempts(ctx context.Context, tagID string) error

	// Activate runs the activation transaction for tagID. It loads the tag
	// inside the transaction's isolation scope, calls finalize to verify the
	// OTP and produce the owner record, then conditionally transitions the tag
	// (status unassigned, no owner) while creating the owner and clearing the
	// OTP. A lost optimistic check wraps sentinel.ErrConflict; finalize errors
	// abort with no partial effects.
	Activate(ctx context.Context, tagID string, finalize func(models.Tag) (models.Owner, error)) (models.Owner, error)

	// GetOwnerByTag loads the owner linked to a tag. Wraps
	// sentinel.ErrNotFound when the tag has no owner.
	GetOwnerByTag(ctx context.Context, tagID string) (models.Owner, error)

	// UpdateOwner applies all supplied fields to the owner identified by
	// (tagID, ownerID) and clears the tag's OTP in the same atomic step.
	// Wraps sentinel.ErrNotFound when no such owner/tag pairing exists.
	UpdateOwner(ctx context.Context, tagID, ownerID string, update models.OwnerUpdate) (models.Owner, error)

	// CreateBatch mints n unassigned tags under a batch reference.
	CreateBatch(ctx context.Context, batchID string, n int) ([]models.Tag, error)

	// Health reports whether the backing store is reachable.
	Health(ctx context.Context) error
}
