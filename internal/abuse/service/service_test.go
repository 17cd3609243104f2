package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"taglink/internal/abuse/metrics"
	"taglink/internal/abuse/models"
	"taglink/internal/abuse/store/counter"
	"taglink/internal/platform/config"
)

const (
	testIP    = "203.0.113.7"
	testPhone = "+15550001111"
)

func testConfig() config.Abuse {
	return config.Abuse{
		IPLimit:     60,
		IPWindow:    60 * time.Second,
		BlockTTL:    time.Hour,
		PhoneLimit:  10,
		PhoneWindow: 600 * time.Second,
	}
}

type GuardSuite struct {
	suite.Suite
	clock   *fakeClock
	store   *counter.MemoryStore
	service *Service
	ctx     context.Context
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGuardSuite(t *testing.T) {
	suite.Run(t, new(GuardSuite))
}

func (s *GuardSuite) SetupTest() {
	s.clock = &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	s.store = counter.NewMemory(counter.WithClock(s.clock.Now))
	svc, err := New(s.store, testConfig())
	s.Require().NoError(err)
	s.service = svc
	s.ctx = context.Background()
}

func (s *GuardSuite) TestNew() {
	s.Run("nil store is rejected", func() {
		_, err := New(nil, testConfig())
		s.Error(err)
	})
}

func (s *GuardSuite) TestIPLimit() {
	s.Run("requests up to the limit are admitted", func() {
		for i := 0; i < 60; i++ {
			d := s.service.Check(s.ctx, testIP, "")
			s.Require().True(d.Allowed, "request %d should be admitted", i+1)
			s.Equal(models.OutcomeAllowed, d.Outcome)
		}
	})

	s.Run("request over the limit sets the block flag", func() {
		d := s.service.Check(s.ctx, testIP, "")
		s.False(d.Allowed)
		s.Equal(models.OutcomeBlocked, d.Outcome)
		s.Equal(time.Hour, d.RetryAfter)

		_, exists, err := s.store.Get(s.ctx, models.BlockKey(testIP))
		s.Require().NoError(err)
		s.True(exists)
	})

	s.Run("block outlives the counting window", func() {
		s.clock.Advance(2 * time.Minute)
		d := s.service.Check(s.ctx, testIP, "")
		s.False(d.Allowed)
		s.Equal(models.OutcomeBlocked, d.Outcome)
		// The rejection hint reflects the elapsed block time.
		s.Equal(58*time.Minute, d.RetryAfter)
	})

	s.Run("block expiry readmits the address", func() {
		s.clock.Advance(2 * time.Hour)
		d := s.service.Check(s.ctx, testIP, "")
		s.True(d.Allowed)
	})

	s.Run("other addresses are unaffected", func() {
		d := s.service.Check(s.ctx, "198.51.100.9", "")
		s.True(d.Allowed)
	})
}

func (s *GuardSuite) TestPhoneCeiling() {
	s.Run("otp requests up to the ceiling are admitted", func() {
		for i := 0; i < 10; i++ {
			// Distinct IPs so the per-IP window never interferes.
			d := s.service.Check(s.ctx, fmt.Sprintf("192.0.2.%d", i), testPhone)
			s.Require().True(d.Allowed)
		}
	})

	s.Run("request over the ceiling is throttled without blocking the ip", func() {
		d := s.service.Check(s.ctx, "192.0.2.200", testPhone)
		s.False(d.Allowed)
		s.Equal(models.OutcomeThrottledPhone, d.Outcome)
		s.Equal(600*time.Second, d.RetryAfter)

		_, exists, err := s.store.Get(s.ctx, models.BlockKey("192.0.2.200"))
		s.Require().NoError(err)
		s.False(exists, "phone throttle must not set an ip block flag")
	})

	s.Run("window expiry readmits the phone", func() {
		s.clock.Advance(601 * time.Second)
		d := s.service.Check(s.ctx, "192.0.2.201", testPhone)
		s.True(d.Allowed)
	})

	s.Run("requests without a phone never touch the ceiling", func() {
		for i := 0; i < 15; i++ {
			d := s.service.Check(s.ctx, "192.0.2.202", "")
			s.Require().True(d.Allowed)
		}
	})
}

func (s *GuardSuite) TestFailOpen() {
	broken := &erroringStore{err: errors.New("connection refused")}
	reg := prometheus.NewRegistry()
	svc, err := New(broken, testConfig(), WithMetrics(metrics.New(reg)))
	s.Require().NoError(err)

	s.Run("store failure admits the request and counts it", func() {
		d := svc.Check(s.ctx, testIP, testPhone)
		s.True(d.Allowed)
		s.True(d.FailedOpen)
		s.Equal(models.OutcomeFailedOpen, d.Outcome)

		mf, err := reg.Gather()
		s.Require().NoError(err)
		found := false
		for _, fam := range mf {
			if fam.GetName() == "taglink_abuse_fail_open_total" {
				found = true
				s.Equal(float64(1), fam.GetMetric()[0].GetCounter().GetValue())
			}
		}
		s.True(found, "fail-open counter must be registered and incremented")
	})

	s.Run("failure during block flag set still admits", func() {
		half := &erroringStore{err: errors.New("timeout"), delegate: s.store, failSet: true}
		svc, err := New(half, testConfig())
		s.Require().NoError(err)

		var d models.Decision
		for i := 0; i < 61; i++ {
			d = svc.Check(s.ctx, "192.0.2.50", "")
		}
		s.True(d.Allowed)
		s.True(d.FailedOpen)
	})
}

// erroringStore fails every call, or only SetIfAbsent when failSet is set and
// a delegate is provided for the rest.
type erroringStore struct {
	err      error
	delegate counter.Store
	failSet  bool
}

func (e *erroringStore) IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if e.failSet && e.delegate != nil {
		return e.delegate.IncrementWindow(ctx, key, window)
	}
	return 0, e.err
}

func (e *erroringStore) Get(ctx context.Context, key string) (string, bool, error) {
	if e.failSet && e.delegate != nil {
		return e.delegate.Get(ctx, key)
	}
	return "", false, e.err
}

func (e *erroringStore) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, e.err
}

func (e *erroringStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if e.failSet && e.delegate != nil {
		return e.delegate.Expire(ctx, key, ttl)
	}
	return e.err
}

func (e *erroringStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if e.failSet && e.delegate != nil {
		return e.delegate.TTL(ctx, key)
	}
	return 0, e.err
}
