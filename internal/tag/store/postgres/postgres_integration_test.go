//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"taglink/internal/tag/models"
	"taglink/internal/tag/store/postgres"
	"taglink/pkg/sentinel"
	"taglink/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *postgres.Store
	ctx   context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	s.pg = containers.NewPostgresContainer(s.T())
	s.store = postgres.New(s.pg.Pool)
	s.Require().NoError(s.store.Migrate(s.ctx))
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateAll(s.ctx))
}

func (s *PostgresStoreSuite) seedTag() string {
	tags, err := s.store.CreateBatch(s.ctx, "batch-it", 1)
	s.Require().NoError(err)
	return tags[0].ID
}

func finalizeWith(owner models.Owner) func(models.Tag) (models.Owner, error) {
	return func(models.Tag) (models.Owner, error) { return owner, nil }
}

func testOwner(n int) models.Owner {
	return models.Owner{
		ID:                fmt.Sprintf("owner-%d", n),
		Name:              "Asha Rao",
		Phone:             fmt.Sprintf("+1555000%04d", n),
		Email:             "asha@example.com",
		VehicleNo:         fmt.Sprintf("KA01AB%04d", n),
		EmergencyContact1: "+15550002222",
	}
}

func (s *PostgresStoreSuite) TestMigrateIsIdempotent() {
	s.NoError(s.store.Migrate(s.ctx))
}

func (s *PostgresStoreSuite) TestOTPRecord() {
	tagID := s.seedTag()

	s.Run("unknown tag", func() {
		_, err := s.store.GetTag(s.ctx, "no-such-tag")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("set and read back", func() {
		cycle := models.OTP{
			Code:          "123456",
			ExpiresAt:     time.Now().Add(5 * time.Minute).UTC(),
			LastAttemptAt: time.Now().UTC(),
			Phone:         "+15550001111",
		}
		s.Require().NoError(s.store.SetOTP(s.ctx, tagID, cycle))

		tag, err := s.store.GetTag(s.ctx, tagID)
		s.Require().NoError(err)
		s.Require().NotNil(tag.OTP)
		s.Equal("123456", tag.OTP.Code)
		s.Equal("+15550001111", tag.OTP.Phone)
		s.WithinDuration(cycle.ExpiresAt, tag.OTP.ExpiresAt, time.Second)
	})

	s.Run("increment attempts touches nothing else", func() {
		before, err := s.store.GetTag(s.ctx, tagID)
		s.Require().NoError(err)

		s.Require().NoError(s.store.IncrementOTPAttempts(s.ctx, tagID))

		after, err := s.store.GetTag(s.ctx, tagID)
		s.Require().NoError(err)
		s.Equal(before.OTP.Attempts+1, after.OTP.Attempts)
		s.WithinDuration(before.OTP.ExpiresAt, after.OTP.ExpiresAt, time.Millisecond)
		s.WithinDuration(before.OTP.LastAttemptAt, after.OTP.LastAttemptAt, time.Millisecond)
	})
}

func (s *PostgresStoreSuite) TestActivate() {
	s.Run("commits the transition and the owner atomically", func() {
		tagID := s.seedTag()
		owner, err := s.store.Activate(s.ctx, tagID, finalizeWith(testOwner(1)))
		s.Require().NoError(err)
		s.Equal(tagID, owner.TagID)
		s.False(owner.CreatedAt.IsZero())

		tag, err := s.store.GetTag(s.ctx, tagID)
		s.Require().NoError(err)
		s.Equal(models.StatusActive, tag.Status)
		s.Equal(owner.ID, tag.OwnerID)
		s.Nil(tag.OTP)
		s.NotNil(tag.ActivatedAt)
	})

	s.Run("second activation conflicts before finalize runs", func() {
		tagID := s.seedTag()
		_, err := s.store.Activate(s.ctx, tagID, finalizeWith(testOwner(2)))
		s.Require().NoError(err)

		ran := false
		_, err = s.store.Activate(s.ctx, tagID, func(models.Tag) (models.Owner, error) {
			ran = true
			return testOwner(3), nil
		})
		s.ErrorIs(err, sentinel.ErrConflict)
		s.False(ran, "finalize must not run for an assigned tag")
	})

	s.Run("duplicate phone conflicts and rolls back", func() {
		first := s.seedTag()
		_, err := s.store.Activate(s.ctx, first, finalizeWith(testOwner(4)))
		s.Require().NoError(err)

		second := s.seedTag()
		dup := testOwner(5)
		dup.Phone = testOwner(4).Phone
		_, err = s.store.Activate(s.ctx, second, finalizeWith(dup))
		s.ErrorIs(err, sentinel.ErrConflict)

		tag, err := s.store.GetTag(s.ctx, second)
		s.Require().NoError(err)
		s.Equal(models.StatusUnassigned, tag.Status, "failed activation must not move the tag")
	})

	s.Run("concurrent activations commit exactly once", func() {
		tagID := s.seedTag()
		cycle := models.OTP{
			Code:          "111222",
			ExpiresAt:     time.Now().Add(5 * time.Minute).UTC(),
			LastAttemptAt: time.Now().UTC(),
			Phone:         "+15550001111",
		}
		s.Require().NoError(s.store.SetOTP(s.ctx, tagID, cycle))

		// Finalize inspects the cycle the way the service's verification
		// does. A loser whose snapshot shows the winner's cleared OTP must
		// conflict before this ever runs, not surface the cycle error.
		inspecting := func(i int) func(models.Tag) (models.Owner, error) {
			return func(t models.Tag) (models.Owner, error) {
				if t.OTP == nil {
					return models.Owner{}, fmt.Errorf("cycle already consumed")
				}
				return testOwner(100+i), nil
			}
		}

		const racers = 10
		var wg sync.WaitGroup
		results := make(chan error, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.store.Activate(s.ctx, tagID, inspecting(i))
				results <- err
			}(i)
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
			} else {
				s.Require().ErrorIs(err, sentinel.ErrConflict)
			}
		}
		s.Equal(1, wins)
	})
}

func (s *PostgresStoreSuite) TestUpdateOwner() {
	tagID := s.seedTag()
	owner, err := s.store.Activate(s.ctx, tagID, finalizeWith(testOwner(10)))
	s.Require().NoError(err)

	s.Run("applies supplied fields and clears the cycle", func() {
		cycle := models.OTP{Code: "654321", ExpiresAt: time.Now().Add(5 * time.Minute).UTC(), LastAttemptAt: time.Now().UTC()}
		s.Require().NoError(s.store.SetOTP(s.ctx, tagID, cycle))

		name := "Asha R. Rao"
		address := "12 MG Road"
		got, err := s.store.UpdateOwner(s.ctx, tagID, owner.ID, models.OwnerUpdate{Name: &name, Address: &address})
		s.Require().NoError(err)
		s.Equal(name, got.Name)
		s.Equal(address, got.Address)
		s.Equal(owner.Email, got.Email)

		tag, err := s.store.GetTag(s.ctx, tagID)
		s.Require().NoError(err)
		s.Nil(tag.OTP)
	})

	s.Run("phone registered to another owner conflicts", func() {
		otherTag := s.seedTag()
		other, err := s.store.Activate(s.ctx, otherTag, finalizeWith(testOwner(11)))
		s.Require().NoError(err)

		taken := testOwner(10).Phone
		_, err = s.store.UpdateOwner(s.ctx, otherTag, other.ID, models.OwnerUpdate{Phone: &taken})
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("mismatched owner and tag", func() {
		_, err := s.store.UpdateOwner(s.ctx, tagID, "not-the-owner", models.OwnerUpdate{})
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *PostgresStoreSuite) TestCreateBatch() {
	tags, err := s.store.CreateBatch(s.ctx, "batch-bulk", 25)
	s.Require().NoError(err)
	s.Len(tags, 25)

	seen := map[string]bool{}
	for _, tag := range tags {
		s.Equal(models.StatusUnassigned, tag.Status)
		s.Equal("batch-bulk", tag.BatchID)
		s.False(seen[tag.ID])
		seen[tag.ID] = true
	}
}
