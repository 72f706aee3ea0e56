package service

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/ark-custody/internal/adapter"
	"github.com/ark-custody/internal/logging"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/storage"
)

const defaultInfoTTL = 5 * time.Minute

// CoordinatorInfoCache memoizes the coordinator's signer key and protocol
// parameters, in Redis when available and in process otherwise
type CoordinatorInfoCache struct {
	coordinator adapter.SettlementCoordinator
	cache       *storage.CacheService
	ttl         time.Duration
	clock       clock.Clock

	mu        sync.Mutex
	info      *models.CoordinatorInfo
	fetchedAt time.Time
}

// NewCoordinatorInfoCache creates an info cache. cache may be nil.
func NewCoordinatorInfoCache(coordinator adapter.SettlementCoordinator, cache *storage.CacheService, clk clock.Clock) *CoordinatorInfoCache {
	return &CoordinatorInfoCache{
		coordinator: coordinator,
		cache:       cache,
		ttl:         defaultInfoTTL,
		clock:       clk,
	}
}

// Get returns the coordinator info, fetching it when the cached copy expired
func (c *CoordinatorInfoCache) Get(ctx context.Context) (*models.CoordinatorInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.info != nil && c.clock.Now().Sub(c.fetchedAt) < c.ttl {
		return c.info, nil
	}

	var key string
	if c.cache != nil {
		key = c.cache.GenerateCacheKey(storage.CacheKeyCoordinator, "info")
		var cached models.CoordinatorInfo
		found, err := c.cache.Get(ctx, key, &cached)
		if err != nil {
			logging.FromContext(ctx).WithError(err).Debug("Coordinator info cache read failed")
		}
		if found {
			c.info, c.fetchedAt = &cached, c.clock.Now()
			return c.info, nil
		}
	}

	info, err := c.coordinator.GetInfo(ctx)
	if err != nil {
		return nil, coordinatorError("get_info", err)
	}
	c.info, c.fetchedAt = info, c.clock.Now()

	if c.cache != nil {
		if err := c.cache.SetWithTTL(ctx, key, info, c.ttl); err != nil {
			logging.FromContext(ctx).WithError(err).Debug("Coordinator info cache write failed")
		}
	}
	return info, nil
}
