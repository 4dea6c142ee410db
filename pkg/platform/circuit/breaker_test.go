package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type BreakerSuite struct {
	suite.Suite
	now time.Time
}

func TestBreakerSuite(t *testing.T) {
	suite.Run(t, new(BreakerSuite))
}

func (s *BreakerSuite) SetupTest() {
	s.now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func (s *BreakerSuite) breaker(opts ...Option) *Breaker {
	opts = append([]Option{WithClock(func() time.Time { return s.now })}, opts...)
	return New("lnbits", opts...)
}

// fail records n failures and returns the last outcome.
func (s *BreakerSuite) fail(b *Breaker, n int) (bool, StateChange) {
	var (
		useFallback bool
		change      StateChange
	)
	for range n {
		useFallback, change = b.RecordFailure()
	}
	return useFallback, change
}

func (s *BreakerSuite) TestStartsClosed() {
	b := s.breaker()
	s.Equal("lnbits", b.Name())
	s.Equal(StateClosed, b.State())
	s.True(b.Allow())
}

func (s *BreakerSuite) TestDefaultThresholdOpensOnFifthFailure() {
	b := s.breaker()

	useFallback, change := s.fail(b, 4)
	s.False(useFallback)
	s.False(change.Opened)
	s.True(b.Allow())

	useFallback, change = b.RecordFailure()
	s.True(useFallback)
	s.True(change.Opened)
	s.Equal("open", b.State().String())
}

func (s *BreakerSuite) TestFailuresWhileOpenReportNoTransition() {
	b := s.breaker(WithFailureThreshold(1))
	_, change := b.RecordFailure()
	s.True(change.Opened)

	useFallback, change := b.RecordFailure()
	s.True(useFallback)
	s.Equal(StateChange{}, change)
}

func (s *BreakerSuite) TestSuccessClearsConsecutiveFailures() {
	b := s.breaker(WithFailureThreshold(3))
	s.fail(b, 2)
	usePrimary, _ := b.RecordSuccess()
	s.True(usePrimary)

	s.fail(b, 2)
	s.False(b.IsOpen(), "the count restarted after the success")
	s.fail(b, 1)
	s.True(b.IsOpen())
}

func (s *BreakerSuite) TestClosesOnlyAfterConsecutiveSuccesses() {
	b := s.breaker(WithFailureThreshold(1), WithSuccessThreshold(2))
	b.RecordFailure()

	usePrimary, change := b.RecordSuccess()
	s.False(usePrimary)
	s.False(change.Closed)

	b.RecordFailure()
	usePrimary, _ = b.RecordSuccess()
	s.False(usePrimary, "a failure between probes restarts the success count")

	usePrimary, change = b.RecordSuccess()
	s.True(usePrimary)
	s.True(change.Closed)
	s.Equal(StateClosed, b.State())
}

func (s *BreakerSuite) TestOpenBreakerAdmitsOneProbePerTimeout() {
	b := s.breaker(WithFailureThreshold(1), WithSuccessThreshold(1), WithOpenTimeout(time.Second))
	b.RecordFailure()
	s.False(b.Allow(), "open breaker rejects calls inside the timeout")

	s.now = s.now.Add(2 * time.Second)
	s.True(b.Allow(), "one probe is admitted after the timeout")
	s.False(b.Allow(), "a second probe waits for the next window")

	s.now = s.now.Add(500 * time.Millisecond)
	b.RecordFailure()
	s.now = s.now.Add(700 * time.Millisecond)
	s.False(b.Allow(), "a failed probe restarts the timeout")

	s.now = s.now.Add(time.Second)
	s.True(b.Allow())
	_, change := b.RecordSuccess()
	s.True(change.Closed)
	s.True(b.Allow())
}

func (s *BreakerSuite) TestNonPositiveThresholdsKeepDefaults() {
	b := s.breaker(WithFailureThreshold(0), WithSuccessThreshold(-1))
	s.fail(b, 4)
	s.False(b.IsOpen())
	s.fail(b, 1)
	s.True(b.IsOpen())
}
