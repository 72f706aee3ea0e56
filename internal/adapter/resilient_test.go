package adapter

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ark-custody/internal/circuitbreaker"
	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/retry"
)

// flakyIndexer fails the first failures calls of every method with err
type flakyIndexer struct {
	calls    atomic.Int32
	failures int32
	err      error
}

func (f *flakyIndexer) fail() error {
	if f.calls.Add(1) <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyIndexer) GetUtxos(ctx context.Context, address string) ([]models.Output, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return []models.Output{{TxID: "aa", Value: 1000, Confirmed: true}}, nil
}

func (f *flakyIndexer) GetBalance(ctx context.Context, address string) (*models.AddressBalance, error) {
	return nil, f.fail()
}

func (f *flakyIndexer) EstimateFeeRates(ctx context.Context) (*models.FeeRates, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return &models.FeeRates{Fastest: 5, Fast: 4, Normal: 3, Slow: 2, Minimum: 1}, nil
}

func (f *flakyIndexer) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	if err := f.fail(); err != nil {
		return "", err
	}
	return "txid", nil
}

func (f *flakyIndexer) GetAddressTxs(ctx context.Context, address string) ([]models.ChainTx, error) {
	return nil, f.fail()
}

func (f *flakyIndexer) GetTipHeight(ctx context.Context) (int64, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return 100, nil
}

func testPolicy(name string) *Policy {
	p := NewPolicy(name, 2*time.Second, 0, circuitbreaker.NewCircuitBreakerManager())
	p.Retry = &retry.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		ShouldRetry:  IsUnavailable,
	}
	return p
}

func TestResilientIndexer_RetriesReads(t *testing.T) {
	inner := &flakyIndexer{failures: 2, err: fmt.Errorf("%w: connection reset", ErrProviderUnavailable)}
	idx := NewResilientIndexer(inner, testPolicy("esplora"))

	utxos, err := idx.GetUtxos(context.Background(), "addr")
	require.NoError(t, err)
	assert.Len(t, utxos, 1)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestResilientIndexer_NeverRetriesBroadcast(t *testing.T) {
	inner := &flakyIndexer{failures: 1, err: fmt.Errorf("%w: connection reset", ErrProviderUnavailable)}
	idx := NewResilientIndexer(inner, testPolicy("esplora"))

	_, err := idx.Broadcast(context.Background(), []byte{0x01})
	require.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.True(t, apperrors.HasCode(err, apperrors.CodeBroadcastFailed))
	assert.Equal(t, apperrors.KindRemoteRejected, apperrors.KindOf(err))
}

func TestResilientIndexer_RejectionIsNotRetried(t *testing.T) {
	inner := &flakyIndexer{failures: 5, err: &RejectedError{Status: 400, Reason: "invalid address"}}
	idx := NewResilientIndexer(inner, testPolicy("esplora"))

	_, err := idx.GetTipHeight(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, apperrors.KindRemoteRejected, apperrors.KindOf(err))
}

func TestResilientIndexer_BreakerOpensAndFailsFast(t *testing.T) {
	inner := &flakyIndexer{failures: 1000, err: ErrProviderUnavailable}
	policy := testPolicy("esplora")
	policy.Retry.MaxAttempts = 1
	idx := NewResilientIndexer(inner, policy)

	for i := 0; i < 5; i++ {
		_, err := idx.GetTipHeight(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, policy.Breaker.GetState())

	before := inner.calls.Load()
	_, err := idx.GetTipHeight(context.Background())
	require.Error(t, err)
	assert.Equal(t, before, inner.calls.Load())
	assert.True(t, apperrors.IsRetryable(err))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeIndexerUnavailable))
}

// slowCoordinator blocks until the context ends
type slowCoordinator struct {
	SettlementCoordinator
}

func (slowCoordinator) GetInfo(ctx context.Context) (*models.CoordinatorInfo, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %w", ErrProviderTimeout, ctx.Err())
}

func (slowCoordinator) SubmitRound(ctx context.Context, inputs []models.Output) (*models.RoundResult, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %w", ErrProviderTimeout, ctx.Err())
}

func TestResilientCoordinator_TimeoutIsUnavailable(t *testing.T) {
	policy := testPolicy("ark")
	policy.Timeout = 20 * time.Millisecond
	coord := NewResilientCoordinator(slowCoordinator{}, policy)

	_, err := coord.GetInfo(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeCoordinatorUnavailable))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestResilientCoordinator_RoundUsesCallerDeadline(t *testing.T) {
	policy := testPolicy("ark")
	policy.Timeout = time.Millisecond
	coord := NewResilientCoordinator(slowCoordinator{}, policy)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := coord.SubmitRound(ctx, nil)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, apperrors.KindRemoteUnavailable, apperrors.KindOf(err))
}
