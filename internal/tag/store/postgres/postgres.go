// Package postgres is the durable tag/owner store. Activation and update are
// single transactions; the activation concurrency guard is the optimistic
// conditional UPDATE against status = 'unassigned', not a pessimistic lock.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"taglink/internal/tag/models"
	"taglink/pkg/sentinel"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the postgres error code for unique constraint violations.
const uniqueViolation = "23505"

// Store implements store.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a postgres-backed store. The pool lifecycle is managed by the
// caller.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const tagColumns = `tag_id, qr_id, batch_id, status, owner_id,
	otp_code, otp_expires_at, otp_attempts, otp_last_attempt_at, otp_phone,
	created_at, updated_at, activated_at`

func (s *Store) GetTag(ctx context.Context, tagID string) (models.Tag, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tagColumns+` FROM tags WHERE tag_id = $1`, tagID)
	return scanTag(row, tagID)
}

func (s *Store) SetOTP(ctx context.Context, tagID string, otp models.OTP) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE tags SET
			otp_code = $1, otp_expires_at = $2, otp_attempts = $3,
			otp_last_attempt_at = $4, otp_phone = $5, updated_at = now()
		WHERE tag_id = $6`,
		otp.Code, otp.ExpiresAt, otp.Attempts, otp.LastAttemptAt, otp.Phone, tagID)
	if err != nil {
		return fmt.Errorf("set otp for tag %q: %w", tagID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("tag %q: %w", tagID, sentinel.ErrNotFound)
	}
	return nil
}

func (s *Store) IncrementOTPAttempts(ctx context.Context, tagID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE tags SET otp_attempts = otp_attempts + 1
		WHERE tag_id = $1 AND otp_code IS NOT NULL`, tagID)
	if err != nil {
		return fmt.Errorf("increment otp attempts for tag %q: %w", tagID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("tag %q has no open OTP cycle: %w", tagID, sentinel.ErrInvalidState)
	}
	return nil
}

func (s *Store) Activate(ctx context.Context, tagID string, finalize func(models.Tag) (models.Owner, error)) (models.Owner, error) {
	var owner models.Owner

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+tagColumns+` FROM tags WHERE tag_id = $1`, tagID)
		tag, err := scanTag(row, tagID)
		if err != nil {
			return err
		}

		// A loser whose SELECT lands after the winner's commit sees the tag
		// already transitioned (and its OTP cleared); it must surface the
		// conflict, not whatever finalize would make of the consumed cycle.
		if tag.Status != models.StatusUnassigned || tag.OwnerID != "" {
			return fmt.Errorf("tag %q already assigned: %w", tagID, sentinel.ErrConflict)
		}

		owner, err = finalize(tag)
		if err != nil {
			return err
		}
		owner.TagID = tagID

		// Optimistic guard: under READ COMMITTED a concurrent winner commits
		// first and this UPDATE re-evaluates the predicate to zero rows.
		ct, err := tx.Exec(ctx, `
			UPDATE tags SET
				owner_id = $1, status = 'active',
				otp_code = NULL, otp_expires_at = NULL, otp_attempts = 0,
				otp_last_attempt_at = NULL, otp_phone = NULL,
				activated_at = now(), updated_at = now()
			WHERE tag_id = $2 AND status = 'unassigned' AND owner_id IS NULL`,
			owner.ID, tagID)
		if err != nil {
			return fmt.Errorf("transition tag %q: %w", tagID, err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("tag %q already assigned: %w", tagID, sentinel.ErrConflict)
		}

		row = tx.QueryRow(ctx, `
			INSERT INTO owners (id, tag_id, name, phone, whatsapp, email, vehicle_no,
				emergency_contact_1, emergency_contact_2, address)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING created_at, updated_at`,
			owner.ID, tagID, owner.Name, owner.Phone, owner.WhatsApp, owner.Email,
			owner.VehicleNo, owner.EmergencyContact1, owner.EmergencyContact2, owner.Address)
		if err := row.Scan(&owner.CreatedAt, &owner.UpdatedAt); err != nil {
			return fmt.Errorf("create owner for tag %q: %w", tagID, mapUnique(err))
		}
		return nil
	})
	if err != nil {
		return models.Owner{}, err
	}
	return owner, nil
}

func (s *Store) GetOwnerByTag(ctx context.Context, tagID string) (models.Owner, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tag_id, name, phone, whatsapp, email, vehicle_no,
			emergency_contact_1, emergency_contact_2, address, created_at, updated_at
		FROM owners WHERE tag_id = $1`, tagID)
	return scanOwner(row, tagID)
}

func (s *Store) UpdateOwner(ctx context.Context, tagID, ownerID string, update models.OwnerUpdate) (models.Owner, error) {
	var owner models.Owner

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, tag_id, name, phone, whatsapp, email, vehicle_no,
				emergency_contact_1, emergency_contact_2, address, created_at, updated_at
			FROM owners WHERE tag_id = $1 AND id = $2 FOR UPDATE`, tagID, ownerID)
		o, err := scanOwner(row, tagID)
		if err != nil {
			return err
		}

		update.Apply(&o)

		row = tx.QueryRow(ctx, `
			UPDATE owners SET
				name = $1, phone = $2, whatsapp = $3, email = $4, vehicle_no = $5,
				emergency_contact_1 = $6, emergency_contact_2 = $7, address = $8,
				updated_at = now()
			WHERE id = $9
			RETURNING updated_at`,
			o.Name, o.Phone, o.WhatsApp, o.Email, o.VehicleNo,
			o.EmergencyContact1, o.EmergencyContact2, o.Address, ownerID)
		if err := row.Scan(&o.UpdatedAt); err != nil {
			return fmt.Errorf("update owner %q: %w", ownerID, mapUnique(err))
		}

		// A committed update consumes the verified cycle.
		if _, err := tx.Exec(ctx, `
			UPDATE tags SET
				otp_code = NULL, otp_expires_at = NULL, otp_attempts = 0,
				otp_last_attempt_at = NULL, otp_phone = NULL, updated_at = now()
			WHERE tag_id = $1`, tagID); err != nil {
			return fmt.Errorf("clear otp for tag %q: %w", tagID, err)
		}

		owner = o
		return nil
	})
	if err != nil {
		return models.Owner{}, err
	}
	return owner, nil
}

func (s *Store) CreateBatch(ctx context.Context, batchID string, n int) ([]models.Tag, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be positive: %w", sentinel.ErrInvalidState)
	}

	tags := make([]models.Tag, 0, n)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i := 0; i < n; i++ {
			t := models.Tag{
				ID:      ulid.Make().String(),
				QRID:    uuid.NewString(),
				BatchID: batchID,
				Status:  models.StatusUnassigned,
			}
			row := tx.QueryRow(ctx, `
				INSERT INTO tags (tag_id, qr_id, batch_id, status)
				VALUES ($1, $2, $3, 'unassigned')
				RETURNING created_at, updated_at`,
				t.ID, t.QRID, t.BatchID)
			if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
				return fmt.Errorf("insert tag: %w", err)
			}
			tags = append(tags, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTag(row rowScanner, tagID string) (models.Tag, error) {
	var (
		t             models.Tag
		qrID, ownerID *string
		otpCode       *string
		otpExpiresAt  *time.Time
		otpAttempts   int
		otpLastAt     *time.Time
		otpPhone      *string
	)
	err := row.Scan(&t.ID, &qrID, &t.BatchID, &t.Status, &ownerID,
		&otpCode, &otpExpiresAt, &otpAttempts, &otpLastAt, &otpPhone,
		&t.CreatedAt, &t.UpdatedAt, &t.ActivatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tag{}, fmt.Errorf("tag %q: %w", tagID, sentinel.ErrNotFound)
	}
	if err != nil {
		return models.Tag{}, fmt.Errorf("scan tag %q: %w", tagID, err)
	}
	if qrID != nil {
		t.QRID = *qrID
	}
	if ownerID != nil {
		t.OwnerID = *ownerID
	}
	if otpCode != nil {
		t.OTP = &models.OTP{
			Code:     *otpCode,
			Attempts: otpAttempts,
		}
		if otpExpiresAt != nil {
			t.OTP.ExpiresAt = *otpExpiresAt
		}
		if otpLastAt != nil {
			t.OTP.LastAttemptAt = *otpLastAt
		}
		if otpPhone != nil {
			t.OTP.Phone = *otpPhone
		}
	}
	return t, nil
}

func scanOwner(row rowScanner, tagID string) (models.Owner, error) {
	var o models.Owner
	err := row.Scan(&o.ID, &o.TagID, &o.Name, &o.Phone, &o.WhatsApp, &o.Email,
		&o.VehicleNo, &o.EmergencyContact1, &o.EmergencyContact2, &o.Address,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Owner{}, fmt.Errorf("owner for tag %q: %w", tagID, sentinel.ErrNotFound)
	}
	if err != nil {
		return models.Owner{}, fmt.Errorf("scan owner for tag %q: %w", tagID, err)
	}
	return o, nil
}

// mapUnique translates unique constraint violations into the conflict
// sentinel so services can surface them uniformly.
func mapUnique(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, sentinel.ErrConflict)
	}
	return err
}
