package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
)

var (
	errDown     = errors.New("connection refused")
	errRejected = errors.New("bad request")
)

func newTestBreaker(clk clock.Clock) *CircuitBreaker {
	return NewCircuitBreaker(&Config{
		Name:             "indexer",
		MaxFailures:      3,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
		IsFailure:        func(err error) bool { return errors.Is(err, errDown) },
		Clock:            clk,
	})
}

func fail(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func ok(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(1_700_000_000, 0))
	cb := newTestBreaker(clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail(errDown)), errDown)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	cb := newTestBreaker(clock.NewTestClock(time.Unix(0, 0)))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail(errRejected)), errRejected)
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_SuccessResetsStreak(t *testing.T) {
	cb := newTestBreaker(clock.NewTestClock(time.Unix(0, 0)))
	ctx := context.Background()

	_ = cb.Execute(ctx, fail(errDown))
	_ = cb.Execute(ctx, fail(errDown))
	_ = cb.Execute(ctx, ok)
	_ = cb.Execute(ctx, fail(errDown))

	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 1, cb.GetStats().ConsecutiveFails)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := clock.NewTestClock(start)
	cb := newTestBreaker(clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail(errDown))
	}
	assert.Equal(t, StateOpen, cb.GetState())

	clk.SetTime(start.Add(31 * time.Second))
	assert.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := clock.NewTestClock(start)
	cb := newTestBreaker(clk)
	ctx := context.Background()

	cb.ForceOpen()
	clk.SetTime(start.Add(31 * time.Second))

	assert.ErrorIs(t, cb.Execute(ctx, fail(errDown)), errDown)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)
}

func TestCircuitBreakerManager_GetOrCreate(t *testing.T) {
	m := NewCircuitBreakerManager()

	a := m.GetOrCreate("esplora", nil)
	b := m.GetOrCreate("esplora", nil)
	assert.Same(t, a, b)

	m.GetOrCreate("ark", nil)
	assert.Len(t, m.GetAllStats(), 2)
}
