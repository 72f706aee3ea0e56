package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ark-custody/internal/adapter"
	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/storage"
	"github.com/ark-custody/internal/types"
)

func TestFeeEstimator_RatesAreCached(t *testing.T) {
	indexer := newFakeIndexer()
	clk := clock.NewTestClock(testStart)
	fees := NewFeeEstimator(indexer, nil, 2, 160, time.Minute, clk)
	ctx := testContext(t)

	rate := fees.Rate(ctx, types.PriorityFastest)
	assert.Equal(t, 10.0, rate.SatPerVB)
	assert.False(t, rate.Degraded)

	_ = fees.Rate(ctx, types.PriorityNormal)
	assert.Equal(t, 1, indexer.feeCalls)

	clk.SetTime(testStart.Add(2 * time.Minute))
	_ = fees.Rate(ctx, types.PriorityNormal)
	assert.Equal(t, 2, indexer.feeCalls)
}

func TestFeeEstimator_FallsBackToFloor(t *testing.T) {
	indexer := newFakeIndexer()
	indexer.feeErr = adapter.ErrProviderUnavailable
	fees := NewFeeEstimator(indexer, nil, 20, 160, time.Minute, clock.NewTestClock(testStart))
	ctx := testContext(t)

	rate := fees.Rate(ctx, types.PriorityFast)
	assert.Equal(t, 20.0, rate.SatPerVB)
	assert.True(t, rate.Degraded)
	require.NotNil(t, rate.Warning)
	assert.Equal(t, apperrors.CodeFeeEstimationDegraded, rate.Warning.Code)

	est := fees.EstimateFees(ctx)
	assert.True(t, est.Degraded)
	assert.Equal(t, feeSourceFloor, est.Source)
	assert.Equal(t, 20.0, est.Rates.Slow)
}

func TestFeeEstimator_FeeFor(t *testing.T) {
	fees := NewFeeEstimator(newFakeIndexer(), nil, 1, 160, time.Minute, clock.NewTestClock(testStart))

	tests := []struct {
		name  string
		rate  float64
		vsize int
		want  int64
	}{
		{"minimum applies", 1, 141, 160},
		{"rounds up", 2.5, 141, 353},
		{"exact", 10, 200, 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fees.FeeFor(tt.rate, tt.vsize))
		})
	}

	quote := fees.Quote(testContext(t), types.PriorityNormal, 141)
	assert.Equal(t, int64(160), quote.Fee)
	assert.Equal(t, 1.0, quote.RateSatVB)
}

func TestFeeEstimator_SharesRatesThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := storage.NewCacheService(storage.NewRedisCacheFromClient(client), time.Minute)
	t.Cleanup(func() { _ = client.Close() })
	ctx := testContext(t)

	indexer := newFakeIndexer()
	first := NewFeeEstimator(indexer, cache, 1, 160, time.Minute, clock.NewTestClock(testStart))
	est := first.EstimateFees(ctx)
	assert.Equal(t, feeSourceIndexer, est.Source)
	assert.True(t, mr.Exists("fees:rates"))

	// A second process reads the shared entry instead of the indexer
	second := NewFeeEstimator(indexer, cache, 1, 160, time.Minute, clock.NewTestClock(testStart))
	est = second.EstimateFees(ctx)
	assert.Equal(t, feeSourceCache, est.Source)
	assert.Equal(t, 5.0, est.Rates.Fast)
	assert.Equal(t, 1, indexer.feeCalls)
}

func TestFeeEstimator_ServesStaleRatesWhenRefreshFails(t *testing.T) {
	indexer := newFakeIndexer()
	clk := clock.NewTestClock(testStart)
	fees := NewFeeEstimator(indexer, nil, 1, 160, time.Minute, clk)
	ctx := testContext(t)

	require.False(t, fees.Rate(ctx, types.PriorityFastest).Degraded)

	// Expired and the indexer is gone
	clk.SetTime(testStart.Add(5 * time.Minute))
	indexer.feeErr = adapter.ErrProviderUnavailable

	rate := fees.Rate(ctx, types.PriorityFastest)
	assert.Equal(t, 10.0, rate.SatPerVB)
	assert.True(t, rate.Degraded)
	require.NotNil(t, rate.Warning)
	assert.Equal(t, apperrors.CodeFeeEstimationDegraded, rate.Warning.Code)
	assert.Equal(t, int64(300), rate.Warning.Details["staleSeconds"])

	est := fees.EstimateFees(ctx)
	assert.True(t, est.Degraded)
	assert.Equal(t, feeSourceStale, est.Source)
	assert.Equal(t, 5.0, est.Rates.Fast)

	// Recovery replaces the stale rates
	indexer.feeErr = nil
	est = fees.EstimateFees(ctx)
	assert.False(t, est.Degraded)
	assert.Equal(t, feeSourceIndexer, est.Source)
}

// gatedFeeIndexer holds fee requests until released
type gatedFeeIndexer struct {
	*fakeIndexer
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFeeIndexer) EstimateFeeRates(ctx context.Context) (*models.FeeRates, error) {
	g.calls.Add(1)
	g.entered <- struct{}{}
	<-g.release
	return g.fakeIndexer.EstimateFeeRates(ctx)
}

func TestFeeEstimator_ConcurrentRefresh(t *testing.T) {
	indexer := &gatedFeeIndexer{
		fakeIndexer: newFakeIndexer(),
		entered:     make(chan struct{}, 8),
		release:     make(chan struct{}),
	}
	fees := NewFeeEstimator(indexer, nil, 3, 160, time.Minute, clock.NewTestClock(testStart))
	ctx := testContext(t)

	var wg sync.WaitGroup
	rates := make([]FeeRate, 4)
	for i := range rates {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rates[i] = fees.Rate(ctx, types.PriorityFastest)
		}(i)
	}

	select {
	case <-indexer.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("fee refresh never reached the indexer")
	}

	// A caller whose deadline passes does not wait on the refresh
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	done := make(chan FeeRate, 1)
	go func() { done <- fees.Rate(cancelled, types.PriorityFastest) }()
	select {
	case rate := <-done:
		assert.True(t, rate.Degraded)
		assert.Equal(t, 3.0, rate.SatPerVB)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller blocked behind the refresh")
	}

	close(indexer.release)
	wg.Wait()

	assert.Equal(t, int32(1), indexer.calls.Load())
	for _, rate := range rates {
		assert.False(t, rate.Degraded)
		assert.Equal(t, 10.0, rate.SatPerVB)
	}
}
