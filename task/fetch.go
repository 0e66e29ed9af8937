package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/icodeforyou/southpool-go/database"
	"github.com/icodeforyou/southpool-go/southpool"
	"github.com/icodeforyou/southpool-go/types"
	"golang.org/x/sync/errgroup"
)

// FetchRegion refreshes every granularity of region. A failed granularity
// keeps its previous cache entry; the first error is returned.
func (s *Scheduler) FetchRegion(ctx context.Context, region types.Region) error {
	runID := uuid.NewString()
	logger := s.logger.With(
		slog.String("task", "fetch"),
		slog.String("region", string(region)),
		slog.String("runId", runID))
	logger.Debug("running fetch task...")

	var g errgroup.Group
	for _, granularity := range s.opts.Granularities {
		g.Go(func() error {
			return s.fetch(ctx, logger, runID, region, granularity)
		})
	}
	return g.Wait()
}

func (s *Scheduler) fetch(
	ctx context.Context,
	logger *slog.Logger,
	runID string,
	region types.Region,
	g types.Granularity) error {

	logger = logger.With(slog.String("granularity", g.String()))

	// Writers of one key run one at a time; other keys are unaffected.
	unlock := s.cache.Lock(region, g)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	started := time.Now()
	now := s.now()
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	ds, err := s.provider.Fetch(fetchCtx, region, g, now)
	row := database.FetchLogRow{
		RunID:       runID,
		Region:      region,
		Granularity: g,
		StartedAt:   now,
		Duration:    time.Since(started),
	}

	if err != nil {
		row.Outcome = database.FetchFailed
		row.Error = err.Error()
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			row.Outcome = database.FetchDiscarded
			logger.Info("fetch cancelled", slog.Any("error", err))
		} else {
			logger.Error("fetch task error, keeping previous data",
				slog.String("kind", string(southpool.KindOf(err))),
				slog.Any("error", err))
		}
		s.saveFetch(logger, row)
		return err
	}

	fetchedAt := s.now()
	stored := s.whileRunning(func() {
		s.cache.Put(region, g, ds, fetchedAt)
	})
	if !stored {
		row.Outcome = database.FetchDiscarded
		logger.Info("scheduler stopped, discarding fetched data", slog.Int("records", len(ds.Records)))
		s.saveFetch(logger, row)
		return ErrStopped
	}

	row.Outcome = database.FetchSucceeded
	row.Records = len(ds.Records)
	row.Dropped = ds.Dropped
	s.saveFetch(logger, row)

	if s.history != nil {
		hctx, hcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer hcancel()
		if err := s.history.SaveRecords(hctx, ds, fetchedAt); err != nil {
			logger.Error("fetch task error, saving history", slog.Any("error", err))
		}
	}

	from, to := ds.Coverage()
	logger.Info("fetch task done",
		slog.Int("records", len(ds.Records)),
		slog.Int("dropped", ds.Dropped),
		slog.Time("from", from),
		slog.Time("to", to),
		slog.Duration("duration", row.Duration))
	return nil
}

func (s *Scheduler) saveFetch(logger *slog.Logger, row database.FetchLogRow) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.SaveFetch(ctx, row); err != nil {
		logger.Warn("failed to save fetch log", slog.Any("error", err))
	}
}
