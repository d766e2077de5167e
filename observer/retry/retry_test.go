package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

var errTemporary = errors.New("connection refused")

type RetryTestSuite struct {
	suite.Suite
	cfg *Config
}

func TestRetryTestSuite(t *testing.T) {
	suite.Run(t, new(RetryTestSuite))
}

func (suite *RetryTestSuite) SetupTest() {
	suite.cfg = &Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
	}
}

func (suite *RetryTestSuite) TestDo_SucceedsAfterRetries() {
	calls := 0
	err := Do(context.Background(), suite.cfg, func() error {
		calls++
		if calls < 3 {
			return errTemporary
		}
		return nil
	}, Always)

	suite.NoError(err)
	suite.Equal(3, calls)
}

func (suite *RetryTestSuite) TestDo_Exhausted() {
	calls := 0
	err := Do(context.Background(), suite.cfg, func() error {
		calls++
		return errTemporary
	}, Always)

	suite.Require().Error(err)
	suite.ErrorIs(err, errTemporary)
	suite.Equal(3, calls)
}

func (suite *RetryTestSuite) TestDo_NonRetryable() {
	fatal := errors.New("chain id mismatch")
	calls := 0
	err := Do(context.Background(), suite.cfg, func() error {
		calls++
		return fatal
	}, func(err error) bool { return !errors.Is(err, fatal) })

	suite.Equal(fatal, err)
	suite.Equal(1, calls)
}

func (suite *RetryTestSuite) TestDo_Cancelled() {
	ctx, cancel := context.WithCancel(context.Background())
	suite.cfg.BaseDelay = time.Hour
	suite.cfg.MaxDelay = time.Hour

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, suite.cfg, func() error { return errTemporary }, Always)
	}()
	cancel()

	select {
	case err := <-done:
		suite.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		suite.Fail("Do did not return after cancel")
	}
}

func (suite *RetryTestSuite) TestDelay() {
	cfg := &Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	suite.Equal(time.Second, Delay(cfg, 1))
	suite.Equal(2*time.Second, Delay(cfg, 2))
	suite.Equal(4*time.Second, Delay(cfg, 3))
	suite.Equal(5*time.Second, Delay(cfg, 4))
}

func (suite *RetryTestSuite) TestCircuitBreaker() {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	fail := func() error { return errTemporary }
	ok := func() error { return nil }

	suite.Error(cb.Execute(fail))
	suite.Equal(StateClosed, cb.State())
	suite.Error(cb.Execute(fail))
	suite.Equal(StateOpen, cb.State())

	// Open: calls are rejected without running fn.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	suite.ErrorIs(err, ErrCircuitOpen)
	suite.False(called)

	// After the reset timeout a single failure reopens the circuit.
	now = now.Add(2 * time.Minute)
	suite.Error(cb.Execute(fail))
	suite.Equal(StateOpen, cb.State())

	now = now.Add(2 * time.Minute)
	suite.NoError(cb.Execute(ok))
	suite.Equal(StateClosed, cb.State())
}

func (suite *RetryTestSuite) TestDo_StopsOnOpenCircuit() {
	cb := NewCircuitBreaker(1, time.Hour)
	calls := 0
	err := Do(context.Background(), suite.cfg, func() error {
		return cb.Execute(func() error {
			calls++
			return errTemporary
		})
	}, Always)

	suite.ErrorIs(err, ErrCircuitOpen)
	suite.Equal(1, calls)
}
