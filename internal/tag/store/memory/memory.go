// Package memory is the in-process tag/owner store used by tests and
// database-less development deployments. Atomicity is a single mutex: every
// multi-entity write holds it for the full critical section, which gives the
// same all-or-nothing visibility the postgres store gets from transactions.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"taglink/internal/tag/models"
	"taglink/pkg/sentinel"
)

// Store implements store.Store in memory.
type Store struct {
	mu     sync.Mutex
	tags   map[string]*models.Tag
	owners map[string]*models.Owner // keyed by owner id
	byTag  map[string]string        // tag id -> owner id
	phones map[string]string        // phone -> owner id
	plates map[string]string        // vehicle no -> owner id
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		tags:   make(map[string]*models.Tag),
		owners: make(map[string]*models.Owner),
		byTag:  make(map[string]string),
		phones: make(map[string]string),
		plates: make(map[string]string),
	}
}

func (s *Store) GetTag(_ context.Context, tagID string) (models.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[tagID]
	if !ok {
		return models.Tag{}, fmt.Errorf("tag %q: %w", tagID, sentinel.ErrNotFound)
	}
	return copyTag(t), nil
}

func (s *Store) SetOTP(_ context.Context, tagID string, otp models.OTP) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[tagID]
	if !ok {
		return fmt.Errorf("tag %q: %w", tagID, sentinel.ErrNotFound)
	}
	t.OTP = &otp
	t.UpdatedAt = time.Now()
	return nil
}

func (s *Store) IncrementOTPAttempts(_ context.Context, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[tagID]
	if !ok {
		return fmt.Errorf("tag %q: %w", tagID, sentinel.ErrNotFound)
	}
	if t.OTP == nil {
		return fmt.Errorf("tag %q has no open OTP cycle: %w", tagID, sentinel.ErrInvalidState)
	}
	t.OTP.Attempts++
	return nil
}

func (s *Store) Activate(_ context.Context, tagID string, finalize func(models.Tag) (models.Owner, error)) (models.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[tagID]
	if !ok {
		return models.Owner{}, fmt.Errorf("tag %q: %w", tagID, sentinel.ErrNotFound)
	}

	// Optimistic concurrency guard: losers observe the committed transition
	// and fail fast, no retry.
	if t.Status != models.StatusUnassigned || t.OwnerID != "" {
		return models.Owner{}, fmt.Errorf("tag %q already assigned: %w", tagID, sentinel.ErrConflict)
	}

	owner, err := finalize(copyTag(t))
	if err != nil {
		return models.Owner{}, err
	}
	if existing, taken := s.phones[owner.Phone]; taken && existing != owner.ID {
		return models.Owner{}, fmt.Errorf("phone already registered: %w", sentinel.ErrConflict)
	}
	if existing, taken := s.plates[owner.VehicleNo]; taken && existing != owner.ID {
		return models.Owner{}, fmt.Errorf("vehicle already registered: %w", sentinel.ErrConflict)
	}

	now := time.Now()
	owner.TagID = tagID
	owner.CreatedAt = now
	owner.UpdatedAt = now

	t.OwnerID = owner.ID
	t.Status = models.StatusActive
	t.OTP = nil
	t.UpdatedAt = now
	t.ActivatedAt = &now

	s.owners[owner.ID] = &owner
	s.byTag[tagID] = owner.ID
	s.phones[owner.Phone] = owner.ID
	s.plates[owner.VehicleNo] = owner.ID

	return owner, nil
}

func (s *Store) GetOwnerByTag(_ context.Context, tagID string) (models.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ownerID, ok := s.byTag[tagID]
	if !ok {
		return models.Owner{}, fmt.Errorf("owner for tag %q: %w", tagID, sentinel.ErrNotFound)
	}
	return *s.owners[ownerID], nil
}

func (s *Store) UpdateOwner(_ context.Context, tagID, ownerID string, update models.OwnerUpdate) (models.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.owners[ownerID]
	if !ok || o.TagID != tagID {
		return models.Owner{}, fmt.Errorf("owner %q for tag %q: %w", ownerID, tagID, sentinel.ErrNotFound)
	}

	if update.Phone != nil {
		if existing, taken := s.phones[*update.Phone]; taken && existing != ownerID {
			return models.Owner{}, fmt.Errorf("phone already registered: %w", sentinel.ErrConflict)
		}
	}
	if update.VehicleNo != nil {
		if existing, taken := s.plates[*update.VehicleNo]; taken && existing != ownerID {
			return models.Owner{}, fmt.Errorf("vehicle already registered: %w", sentinel.ErrConflict)
		}
	}

	oldPhone, oldPlate := o.Phone, o.VehicleNo
	update.Apply(o)
	o.UpdatedAt = time.Now()
	if o.Phone != oldPhone {
		delete(s.phones, oldPhone)
		s.phones[o.Phone] = ownerID
	}
	if o.VehicleNo != oldPlate {
		delete(s.plates, oldPlate)
		s.plates[o.VehicleNo] = ownerID
	}

	// A committed update consumes the verified cycle.
	if t, ok := s.tags[tagID]; ok {
		t.OTP = nil
		t.UpdatedAt = o.UpdatedAt
	}

	return *o, nil
}

func (s *Store) CreateBatch(_ context.Context, batchID string, n int) ([]models.Tag, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be positive: %w", sentinel.ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	tags := make([]models.Tag, 0, n)
	for i := 0; i < n; i++ {
		t := models.Tag{
			ID:        ulid.Make().String(),
			QRID:      uuid.NewString(),
			BatchID:   batchID,
			Status:    models.StatusUnassigned,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.tags[t.ID] = &t
		tags = append(tags, copyTag(&t))
	}
	return tags, nil
}

func (s *Store) Health(context.Context) error { return nil }

func copyTag(t *models.Tag) models.Tag {
	c := *t
	if t.OTP != nil {
		otp := *t.OTP
		c.OTP = &otp
	}
	if t.ActivatedAt != nil {
		at := *t.ActivatedAt
		c.ActivatedAt = &at
	}
	return c
}
