package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fireflycloud/fireflycloud/internal/logging"
	"github.com/fireflycloud/fireflycloud/internal/metrics"
)

// ErrStatsUnsupported is returned for backends without usage statistics.
var ErrStatsUnsupported = errors.New("usage statistics not supported by this backend")

const statsComputeTimeout = 2 * time.Minute

type cachedUsage struct {
	usage   Usage
	expires time.Time
}

// StatsCache serves backend usage statistics from a time-boxed cache.
// Uploads and deletes invalidate the affected strategy; concurrent
// recomputes of one strategy share a single backend listing.
type StatsCache struct {
	registry *Registry
	ttl      time.Duration
	now      func() time.Time

	mu         sync.Mutex
	cache      map[string]cachedUsage
	generation map[string]uint64

	group singleflight.Group
}

// NewStatsCache creates a cache with the given TTL.
func NewStatsCache(registry *Registry, ttl time.Duration) *StatsCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StatsCache{
		registry:   registry,
		ttl:        ttl,
		now:        time.Now,
		cache:      make(map[string]cachedUsage),
		generation: make(map[string]uint64),
	}
}

// Invalidate drops the cached value of a strategy.
func (c *StatsCache) Invalidate(strategyID string) {
	c.mu.Lock()
	delete(c.cache, strategyID)
	c.generation[strategyID]++
	c.mu.Unlock()
}

// Usage returns the statistics of a strategy. force bypasses the cache.
// When a recompute fails and an older value exists, that value is returned
// marked Stale.
func (c *StatsCache) Usage(ctx context.Context, strategyID string, force bool) (*Usage, error) {
	if !force {
		c.mu.Lock()
		cached, ok := c.cache[strategyID]
		c.mu.Unlock()
		if ok && c.now().Before(cached.expires) {
			metrics.RecordStatsLookup("hit")
			u := cached.usage
			return &u, nil
		}
		metrics.RecordStatsLookup("miss")
	} else {
		metrics.RecordStatsLookup("forced")
	}

	v, err, _ := c.group.Do(strategyID, func() (any, error) {
		return c.compute(ctx, strategyID)
	})
	if err != nil {
		c.mu.Lock()
		cached, ok := c.cache[strategyID]
		c.mu.Unlock()
		if ok && !errors.Is(err, ErrStatsUnsupported) {
			metrics.RecordStatsLookup("stale")
			logging.Warn("serving stale usage statistics",
				zap.String("strategy_id", strategyID), zap.Error(err))
			u := cached.usage
			u.Stale = true
			return &u, nil
		}
		return nil, err
	}
	u := v.(Usage)
	return &u, nil
}

func (c *StatsCache) compute(ctx context.Context, strategyID string) (Usage, error) {
	entry, err := c.registry.Get(strategyID)
	if err != nil {
		return Usage{}, err
	}
	provider, ok := Unwrap(entry.Backend).(StatsProvider)
	if !ok {
		return Usage{}, fmt.Errorf("%w: %s", ErrStatsUnsupported, entry.Strategy.Type)
	}

	c.mu.Lock()
	gen := c.generation[strategyID]
	c.mu.Unlock()

	// The listing is shared by every waiter, so it must not die with the
	// first caller's request.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statsComputeTimeout)
	defer cancel()

	start := c.now()
	usage, err := provider.Usage(cctx)
	if err != nil {
		return Usage{}, Normalize("usage", err)
	}
	usage.ComputedAt = c.now()
	usage.Stale = false

	c.mu.Lock()
	if c.generation[strategyID] == gen {
		c.cache[strategyID] = cachedUsage{usage: *usage, expires: usage.ComputedAt.Add(c.ttl)}
	}
	c.mu.Unlock()

	logging.Debug("usage statistics computed",
		zap.String("strategy_id", strategyID),
		zap.Int64("files", usage.FileCount),
		zap.Duration("duration", c.now().Sub(start)))
	return *usage, nil
}
