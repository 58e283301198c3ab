package history

import (
	"context"
	"time"

	"chartfeed/internal/model"
	"chartfeed/internal/symbols"
)

// Cache stores whole history batches keyed by (symbol, resolution, count).
// Implemented by the Redis store; optional.
type Cache interface {
	CachedHistory(ctx context.Context, symbol string, resolutionMin, count int) ([]model.Bar, bool)
	CacheHistory(ctx context.Context, symbol string, resolutionMin, count int, bars []model.Bar, ttl time.Duration)
}

// Service resolves a requested symbol and serves its history, consulting the
// cache before the upstream. Ranged fetches bypass the cache: the key space
// would be unbounded.
type Service struct {
	Fetcher *Fetcher
	Cache   Cache
	TTL     time.Duration

	// OnCacheHit, OnNoData and OnFetch are optional metric hooks.
	OnCacheHit func()
	OnNoData   func()
	OnFetch    func(took time.Duration)
}

// Get fetches up to count bars for the requested symbol spelling.
func (s *Service) Get(ctx context.Context, requested string, resolutionMin, count int, rng *Range) ([]model.Bar, symbols.Info, bool, error) {
	info := symbols.Resolve(requested)

	if s.Cache != nil && rng == nil {
		if bars, ok := s.Cache.CachedHistory(ctx, info.Canonical, resolutionMin, count); ok {
			if s.OnCacheHit != nil {
				s.OnCacheHit()
			}
			return bars, info, len(bars) == 0, nil
		}
	}

	start := time.Now()
	bars, noData, err := s.Fetcher.Fetch(ctx, info.Candidates, resolutionMin, count, rng)
	if s.OnFetch != nil {
		s.OnFetch(time.Since(start))
	}
	if err != nil {
		return nil, info, false, err
	}
	if noData && s.OnNoData != nil {
		s.OnNoData()
	}

	if s.Cache != nil && rng == nil && !noData {
		ttl := s.TTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		s.Cache.CacheHistory(ctx, info.Canonical, resolutionMin, count, bars, ttl)
	}
	return bars, info, noData, nil
}
