package service

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/singleflight"

	"github.com/ark-custody/internal/adapter"
	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/logging"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/storage"
	"github.com/ark-custody/internal/types"
)

const (
	feeSourceIndexer = "indexer"
	feeSourceCache   = "cache"
	feeSourceFloor   = "floor"
	feeSourceStale   = "stale"
)

// FeeEstimator maps priority tiers to fee rates sourced from the indexer.
// When the indexer is unreachable the last known rates are served as
// degraded, and without any every tier falls back to the floor rate.
type FeeEstimator struct {
	indexer adapter.OnchainIndexer
	cache   *storage.CacheService
	floor   float64
	minFee  int64
	ttl     time.Duration
	clock   clock.Clock

	// refresh collapses concurrent indexer fetches into one
	refresh singleflight.Group

	mu        sync.Mutex
	rates     *models.FeeRates
	fetchedAt time.Time
}

// NewFeeEstimator creates a fee estimator. cache may be nil.
func NewFeeEstimator(indexer adapter.OnchainIndexer, cache *storage.CacheService, floor float64, minFee int64, ttl time.Duration, clk clock.Clock) *FeeEstimator {
	return &FeeEstimator{
		indexer: indexer,
		cache:   cache,
		floor:   floor,
		minFee:  minFee,
		ttl:     ttl,
		clock:   clk,
	}
}

// FeeRate is a resolved rate and whether it is degraded
type FeeRate struct {
	SatPerVB float64
	Degraded bool
	// Warning is set when Degraded is
	Warning *apperrors.CategorizedError
}

// Rate returns the rate of a priority tier. It never fails: an
// unreachable indexer yields stale or floor rates with Degraded set.
func (f *FeeEstimator) Rate(ctx context.Context, priority types.Priority) FeeRate {
	rates, _, warning := f.resolve(ctx)
	if rates == nil {
		return FeeRate{SatPerVB: f.floor, Degraded: true, Warning: warning}
	}
	return FeeRate{SatPerVB: rates.ForPriority(priority), Degraded: warning != nil, Warning: warning}
}

// Quote returns the fee of a transaction of vsize virtual bytes
func (f *FeeEstimator) Quote(ctx context.Context, priority types.Priority, vsize int) *models.FeeQuote {
	rate := f.Rate(ctx, priority)
	return &models.FeeQuote{
		Priority:  priority,
		RateSatVB: rate.SatPerVB,
		Fee:       f.FeeFor(rate.SatPerVB, vsize),
		VSize:     vsize,
		Degraded:  rate.Degraded,
	}
}

// EstimateFees returns every tier at once
func (f *FeeEstimator) EstimateFees(ctx context.Context) *models.FeeEstimates {
	rates, source, warning := f.resolve(ctx)
	if rates == nil {
		return &models.FeeEstimates{
			Rates: models.FeeRates{
				Fastest: f.floor, Fast: f.floor, Normal: f.floor, Slow: f.floor, Minimum: f.floor,
			},
			Degraded: true,
			Source:   feeSourceFloor,
		}
	}
	return &models.FeeEstimates{Rates: *rates, Source: source, Degraded: warning != nil}
}

// FeeFor applies the minimum fee to rate times vsize
func (f *FeeEstimator) FeeFor(rate float64, vsize int) int64 {
	fee := int64(math.Ceil(rate * float64(vsize)))
	if fee < f.minFee {
		return f.minFee
	}
	return fee
}

// MinFee returns the absolute minimum fee in sats
func (f *FeeEstimator) MinFee() int64 {
	return f.minFee
}

// Floor returns the fallback rate in sat/vB
func (f *FeeEstimator) Floor() float64 {
	return f.floor
}

type feeResolution struct {
	rates   *models.FeeRates
	source  string
	warning *apperrors.CategorizedError
}

// resolve returns the current rates. Rates are nil only when the floor
// applies; a warning with rates means they are stale.
func (f *FeeEstimator) resolve(ctx context.Context) (*models.FeeRates, string, *apperrors.CategorizedError) {
	if rates := f.fresh(); rates != nil {
		return rates, feeSourceCache, nil
	}

	// The fetch outlives a cancelled caller so that joined callers still
	// get its result
	fetchCtx := context.WithoutCancel(ctx)
	ch := f.refresh.DoChan("rates", func() (interface{}, error) {
		return f.fetch(fetchCtx), nil
	})

	var res *feeResolution
	select {
	case r := <-ch:
		res = r.Val.(*feeResolution)
	case <-ctx.Done():
		res = f.degraded(ctx, ctx.Err())
	}
	return res.rates, res.source, res.warning
}

func (f *FeeEstimator) fresh() *models.FeeRates {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rates != nil && f.clock.Now().Sub(f.fetchedAt) < f.ttl {
		return f.rates
	}
	return nil
}

func (f *FeeEstimator) store(rates *models.FeeRates) {
	f.mu.Lock()
	f.rates, f.fetchedAt = rates, f.clock.Now()
	f.mu.Unlock()
}

// fetch refreshes the rates from the shared cache or the indexer. It runs
// without f.mu held.
func (f *FeeEstimator) fetch(ctx context.Context) *feeResolution {
	if rates := f.fresh(); rates != nil {
		return &feeResolution{rates: rates, source: feeSourceCache}
	}

	var key string
	if f.cache != nil {
		key = f.cache.GenerateCacheKey(storage.CacheKeyFees, "rates")
		var cached models.FeeRates
		found, err := f.cache.Get(ctx, key, &cached)
		if err != nil {
			logging.FromContext(ctx).WithError(err).Debug("Fee cache read failed")
		}
		if found {
			f.store(&cached)
			return &feeResolution{rates: &cached, source: feeSourceCache}
		}
	}

	rates, err := f.indexer.EstimateFeeRates(ctx)
	if err != nil {
		return f.degraded(ctx, err)
	}

	f.store(rates)
	if f.cache != nil {
		if err := f.cache.SetWithTTL(ctx, key, rates, f.ttl); err != nil {
			logging.FromContext(ctx).WithError(err).Debug("Fee cache write failed")
		}
	}
	return &feeResolution{rates: rates, source: feeSourceIndexer}
}

// degraded serves the last known rates when there are any, else the floor
func (f *FeeEstimator) degraded(ctx context.Context, cause error) *feeResolution {
	f.mu.Lock()
	stale, fetchedAt := f.rates, f.fetchedAt
	f.mu.Unlock()

	log := logging.FromContext(ctx).WithField("component", "fees").WithError(cause)
	if stale != nil {
		age := f.clock.Now().Sub(fetchedAt)
		log.WithField("staleSeconds", int64(age.Seconds())).Warn("Fee estimation degraded, using stale rates")
		return &feeResolution{
			rates:   stale,
			source:  feeSourceStale,
			warning: apperrors.NewFeeRatesStaleError(age, cause),
		}
	}

	log.WithField("floor", f.floor).Warn("Fee estimation degraded, using floor rate")
	return &feeResolution{
		source:  feeSourceFloor,
		warning: apperrors.NewFeeEstimationDegradedError(f.floor, cause),
	}
}
