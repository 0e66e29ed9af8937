package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/icodeforyou/southpool-go/cache"
	"github.com/icodeforyou/southpool-go/forecast"
	"github.com/icodeforyou/southpool-go/types"
)

const publishTimeout = 10 * time.Second

// PublishRegion derives and publishes the current value of every
// granularity of region from the cache. It never contacts the upstream.
func (s *Scheduler) PublishRegion(ctx context.Context, region types.Region) {
	logger := s.logger.With(slog.String("task", "publish"), slog.String("region", string(region)))
	now := s.now()

	for _, g := range s.opts.Granularities {
		v := s.Value(region, g, now)
		s.trackFreshness(logger, v)

		published := s.whileRunning(func() {
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			defer cancel()
			if err := s.publisher.Publish(pctx, v); err != nil {
				logger.Error("publish task error", slog.String("granularity", g.String()), slog.Any("error", err))
			}
		})
		if !published {
			logger.Debug("scheduler stopped, skipping publish")
			return
		}
	}
	logger.Debug("publish task done", slog.Time("at", now))
}

// Value computes the published value of one region and granularity at now.
func (s *Scheduler) Value(region types.Region, g types.Granularity, now time.Time) types.PublishedValue {
	var entry *types.CacheEntry
	e, err := s.cache.Get(region, g)
	switch {
	case err == nil:
		entry = &e
	case !errors.Is(err, cache.ErrNotYetFetched):
		s.logger.Error("unexpected cache error", slog.Any("error", err))
	}
	return forecast.Publish(region, g, entry, now, s.opts.StaleAfter)
}

// trackFreshness logs when a key turns stale or recovers.
func (s *Scheduler) trackFreshness(logger *slog.Logger, v types.PublishedValue) {
	key := cache.Key{Region: v.Region, Granularity: v.Granularity}

	s.freshnessMu.Lock()
	prev, seen := s.freshness[key]
	s.freshness[key] = v.Freshness
	s.freshnessMu.Unlock()

	if seen && prev == v.Freshness {
		return
	}

	attrs := []any{slog.String("granularity", v.Granularity.String()), slog.String("freshness", string(v.Freshness))}
	if v.FetchedAt.IsValid() {
		attrs = append(attrs, slog.Duration("age", v.UpdatedAt.Sub(v.FetchedAt.Value())))
	}

	switch {
	case v.Freshness == types.FreshnessStale:
		logger.Warn("stale market data, upstream has not been refreshed", attrs...)
	case prev == types.FreshnessStale:
		logger.Info("market data is fresh again", attrs...)
	case v.Freshness == types.FreshnessUnavailable:
		logger.Warn("no market data available yet", attrs...)
	}
}
