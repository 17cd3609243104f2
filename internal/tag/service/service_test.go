package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"taglink/internal/notify"
	"taglink/internal/otp"
	"taglink/internal/platform/config"
	"taglink/internal/tag/models"
	"taglink/internal/tag/store/memory"
	"taglink/internal/token"
	dErrors "taglink/pkg/domainerrors"
	"taglink/pkg/middleware/metadata"
)

const (
	ownerIP = "203.0.113.7"
	otherIP = "198.51.100.9"
)

type TagServiceSuite struct {
	suite.Suite
	store    *memory.Store
	notifier *notify.Recorder
	service  *Service
	ctx      context.Context
	tagID    string

	mu  sync.Mutex
	now time.Time
}

func TestTagServiceSuite(t *testing.T) {
	suite.Run(t, new(TagServiceSuite))
}

func (s *TagServiceSuite) SetupTest() {
	s.now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.store = memory.New()
	s.notifier = notify.NewRecorder()

	ledger := otp.New(config.OTP{
		Cooldown:    120 * time.Second,
		TTL:         300 * time.Second,
		MaxAttempts: 5,
	})
	tokens := token.New("test-signing-key", 72*time.Hour)

	svc, err := New(s.store, ledger, tokens, s.notifier,
		WithClock(func() time.Time {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.now
		}),
	)
	s.Require().NoError(err)
	s.service = svc
	s.ctx = metadata.WithClientIP(context.Background(), ownerIP)

	tags, err := s.store.CreateBatch(s.ctx, "batch-test", 1)
	s.Require().NoError(err)
	s.tagID = tags[0].ID
}

func (s *TagServiceSuite) advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

// openCode issues an OTP for the suite tag and reads the generated code back
// out of the store, standing in for the SMS the finder would receive.
func (s *TagServiceSuite) openCode(phone string) string {
	s.Require().NoError(s.service.IssueOTP(s.ctx, s.tagID, phone))
	tag, err := s.store.GetTag(s.ctx, s.tagID)
	s.Require().NoError(err)
	s.Require().NotNil(tag.OTP)
	return tag.OTP.Code
}

func validInput(code string) ActivationInput {
	return ActivationInput{
		Code:              code,
		Name:              "Asha Rao",
		Phone:             "+15550001111",
		Email:             "asha@example.com",
		VehicleNo:         "KA01AB1234",
		EmergencyContact1: "+15550002222",
	}
}

func (s *TagServiceSuite) activate() models.Owner {
	code := s.openCode("+15550001111")
	owner, err := s.service.Activate(s.ctx, s.tagID, validInput(code))
	s.Require().NoError(err)
	return owner
}

func (s *TagServiceSuite) TestIssueOTP() {
	s.Run("issues a cycle and dispatches the code", func() {
		code := s.openCode("+15550001111")
		s.Len(code, 6)

		sent := s.notifier.Sent()
		s.Require().Len(sent, 1)
		s.Equal("+15550001111", sent[0].Destination)
		s.Contains(sent[0].Body, code)
	})

	s.Run("second issue inside the cooldown is rejected with the wait", func() {
		s.advance(30 * time.Second)
		err := s.service.IssueOTP(s.ctx, s.tagID, "+15550001111")
		s.Equal(dErrors.CodeCooldownActive, dErrors.CodeOf(err))
		s.Equal(90*time.Second, dErrors.RetryAfterOf(err))
	})

	s.Run("issue after the cooldown replaces the cycle", func() {
		tag, err := s.store.GetTag(s.ctx, s.tagID)
		s.Require().NoError(err)
		oldExpiry := tag.OTP.ExpiresAt

		s.advance(2 * time.Minute)
		s.Require().NoError(s.service.IssueOTP(s.ctx, s.tagID, "+15550003333"))

		tag, err = s.store.GetTag(s.ctx, s.tagID)
		s.Require().NoError(err)
		s.Equal("+15550003333", tag.OTP.Phone)
		s.True(tag.OTP.ExpiresAt.After(oldExpiry))
		s.Zero(tag.OTP.Attempts)
	})

	s.Run("missing phone", func() {
		err := s.service.IssueOTP(s.ctx, s.tagID, "  ")
		s.Equal(dErrors.CodeValidation, dErrors.CodeOf(err))
	})

	s.Run("unknown tag", func() {
		err := s.service.IssueOTP(s.ctx, "no-such-tag", "+15550001111")
		s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))
	})
}

func (s *TagServiceSuite) TestIssueOTPDeliveryFailure() {
	s.notifier.Err = fmt.Errorf("sms gateway down")

	s.Require().NoError(s.service.IssueOTP(s.ctx, s.tagID, "+15550001111"))

	// The cycle is open even though delivery failed; a reissue after the
	// cooldown recovers the finder.
	tag, err := s.store.GetTag(s.ctx, s.tagID)
	s.Require().NoError(err)
	s.NotNil(tag.OTP)
}

func (s *TagServiceSuite) TestActivate() {
	s.Run("happy path transitions the tag and creates the owner", func() {
		owner := s.activate()
		s.NotEmpty(owner.ID)
		s.Equal(s.tagID, owner.TagID)
		s.Equal("Asha Rao", owner.Name)

		tag, err := s.store.GetTag(s.ctx, s.tagID)
		s.Require().NoError(err)
		s.Equal(models.StatusActive, tag.Status)
		s.Equal(owner.ID, tag.OwnerID)
		s.Nil(tag.OTP, "activation must consume the cycle")
		s.NotNil(tag.ActivatedAt)
	})

	s.Run("second activation is a conflict", func() {
		_, err := s.service.Activate(s.ctx, s.tagID, validInput("000000"))
		s.Equal(dErrors.CodeConflict, dErrors.CodeOf(err))
	})
}

func (s *TagServiceSuite) TestActivateRejections() {
	s.Run("activation without an issued code", func() {
		_, err := s.service.Activate(s.ctx, s.tagID, validInput("123456"))
		s.Equal(dErrors.CodeOTPNotIssued, dErrors.CodeOf(err))
	})

	s.Run("wrong code burns an attempt and commits nothing", func() {
		s.openCode("+15550001111")
		_, err := s.service.Activate(s.ctx, s.tagID, validInput("wrong!"))
		s.Equal(dErrors.CodeOTPInvalid, dErrors.CodeOf(err))

		tag, err2 := s.store.GetTag(s.ctx, s.tagID)
		s.Require().NoError(err2)
		s.Equal(models.StatusUnassigned, tag.Status)
		s.Equal(1, tag.OTP.Attempts)
	})

	s.Run("missing fields are reported before the code is checked", func() {
		input := validInput("wrong!")
		input.Name = ""

		_, err := s.service.Activate(s.ctx, s.tagID, input)
		s.Equal(dErrors.CodeValidation, dErrors.CodeOf(err))

		// A malformed request never burns an attempt, even with a wrong code.
		tag, err2 := s.store.GetTag(s.ctx, s.tagID)
		s.Require().NoError(err2)
		s.Equal(1, tag.OTP.Attempts)
	})

	s.Run("attempts ceiling locks out even the right code", func() {
		tag, err := s.store.GetTag(s.ctx, s.tagID)
		s.Require().NoError(err)
		code := tag.OTP.Code

		for i := 0; i < 4; i++ {
			_, err := s.service.Activate(s.ctx, s.tagID, validInput("wrong!"))
			s.Require().Equal(dErrors.CodeOTPInvalid, dErrors.CodeOf(err))
		}
		_, err = s.service.Activate(s.ctx, s.tagID, validInput(code))
		s.Equal(dErrors.CodeOTPInvalid, dErrors.CodeOf(err))
	})

	s.Run("wrong code does not reset the cooldown", func() {
		// The failed attempts above must not push the issuance cooldown out.
		s.advance(2 * time.Minute)
		s.Require().NoError(s.service.IssueOTP(s.ctx, s.tagID, "+15550001111"))
	})

	s.Run("expired code", func() {
		tag, err := s.store.GetTag(s.ctx, s.tagID)
		s.Require().NoError(err)
		code := tag.OTP.Code

		s.advance(301 * time.Second)
		_, err = s.service.Activate(s.ctx, s.tagID, validInput(code))
		s.Equal(dErrors.CodeOTPExpired, dErrors.CodeOf(err))

		// Expiry is not a wrong submission; no attempt burned.
		tag, err = s.store.GetTag(s.ctx, s.tagID)
		s.Require().NoError(err)
		s.Equal(0, tag.OTP.Attempts)
	})

	s.Run("missing required fields", func() {
		s.advance(2 * time.Minute)
		code := s.openCode("+15550001111")
		input := validInput(code)
		input.Name = ""
		input.Email = ""

		_, err := s.service.Activate(s.ctx, s.tagID, input)
		s.Equal(dErrors.CodeValidation, dErrors.CodeOf(err))
		s.Contains(err.Error(), "name")
		s.Contains(err.Error(), "email")

		tag, err2 := s.store.GetTag(s.ctx, s.tagID)
		s.Require().NoError(err2)
		s.Equal(models.StatusUnassigned, tag.Status, "validation failure must not commit")
	})

	s.Run("phone falls back to the issuance destination", func() {
		tag, err := s.store.GetTag(s.ctx, s.tagID)
		s.Require().NoError(err)
		input := validInput(tag.OTP.Code)
		input.Phone = ""

		owner, err := s.service.Activate(s.ctx, s.tagID, input)
		s.Require().NoError(err)
		s.Equal("+15550001111", owner.Phone)
	})
}

func (s *TagServiceSuite) TestActivateConcurrent() {
	code := s.openCode("+15550001111")

	const racers = 16
	results := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			input := validInput(code)
			// Distinct identities so the unique indexes never mask the
			// activation guard.
			input.Phone = fmt.Sprintf("+1555000%04d", i)
			input.VehicleNo = fmt.Sprintf("KA01AB%04d", i)
			_, err := s.service.Activate(s.ctx, s.tagID, input)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case dErrors.CodeOf(err) == dErrors.CodeConflict:
			conflicts++
		default:
			s.Failf("unexpected error", "got %v", err)
		}
	}
	s.Equal(1, wins, "exactly one activation must commit")
	s.Equal(racers-1, conflicts)
}

func (s *TagServiceSuite) TestVerifyForUpdate() {
	s.activate()
	s.advance(3 * time.Minute)

	s.Run("verified code grants a capability bound to the caller", func() {
		code := s.openCode("+15550001111")
		grant, err := s.service.VerifyForUpdate(s.ctx, s.tagID, code)
		s.Require().NoError(err)
		s.NotEmpty(grant.Token)
		s.Equal("Asha Rao", grant.Owner.Name)

		// Verification must not consume the cycle; the same code verifies
		// again until an update commits.
		grant2, err := s.service.VerifyForUpdate(s.ctx, s.tagID, code)
		s.Require().NoError(err)
		s.NotEmpty(grant2.Token)
	})

	s.Run("wrong code burns an attempt", func() {
		_, err := s.service.VerifyForUpdate(s.ctx, s.tagID, "wrong!")
		s.Equal(dErrors.CodeOTPInvalid, dErrors.CodeOf(err))

		tag, err2 := s.store.GetTag(s.ctx, s.tagID)
		s.Require().NoError(err2)
		s.Equal(1, tag.OTP.Attempts)
	})

	s.Run("no source address", func() {
		_, err := s.service.VerifyForUpdate(context.Background(), s.tagID, "123456")
		s.Equal(dErrors.CodeValidation, dErrors.CodeOf(err))
	})
}

func (s *TagServiceSuite) TestCommitUpdate() {
	s.activate()
	s.advance(3 * time.Minute)
	code := s.openCode("+15550001111")
	grant, err := s.service.VerifyForUpdate(s.ctx, s.tagID, code)
	s.Require().NoError(err)

	newName := "Asha R. Rao"
	newAddress := "12 MG Road"

	s.Run("token from a different address is a mismatch", func() {
		elsewhere := metadata.WithClientIP(context.Background(), otherIP)
		_, err := s.service.CommitUpdate(elsewhere, s.tagID, grant.Token, models.OwnerUpdate{Name: &newName})
		s.Equal(dErrors.CodeTokenMismatch, dErrors.CodeOf(err))
	})

	s.Run("token for another tag is rejected", func() {
		others, err := s.store.CreateBatch(s.ctx, "batch-test", 1)
		s.Require().NoError(err)
		_, err = s.service.CommitUpdate(s.ctx, others[0].ID, grant.Token, models.OwnerUpdate{Name: &newName})
		s.Equal(dErrors.CodeUnauthorized, dErrors.CodeOf(err))
	})

	s.Run("empty update", func() {
		_, err := s.service.CommitUpdate(s.ctx, s.tagID, grant.Token, models.OwnerUpdate{})
		s.Equal(dErrors.CodeValidation, dErrors.CodeOf(err))
	})

	s.Run("missing token", func() {
		_, err := s.service.CommitUpdate(s.ctx, s.tagID, "", models.OwnerUpdate{Name: &newName})
		s.Equal(dErrors.CodeUnauthorized, dErrors.CodeOf(err))
	})

	s.Run("commit applies all supplied fields and consumes the cycle", func() {
		owner, err := s.service.CommitUpdate(s.ctx, s.tagID, grant.Token, models.OwnerUpdate{
			Name:    &newName,
			Address: &newAddress,
		})
		s.Require().NoError(err)
		s.Equal(newName, owner.Name)
		s.Equal(newAddress, owner.Address)
		s.Equal("asha@example.com", owner.Email, "untouched fields survive")

		tag, err := s.store.GetTag(s.ctx, s.tagID)
		s.Require().NoError(err)
		s.Nil(tag.OTP, "a committed update consumes the verified cycle")
	})
}
