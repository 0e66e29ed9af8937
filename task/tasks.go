package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/icodeforyou/southpool-go/cache"
	"github.com/icodeforyou/southpool-go/database"
	"github.com/icodeforyou/southpool-go/periods"
	"github.com/icodeforyou/southpool-go/publish"
	"github.com/icodeforyou/southpool-go/types"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

var (
	ErrStopped       = errors.New("scheduler is stopped")
	ErrUnknownRegion = errors.New("region is not scheduled")
)

// HistoryStore keeps fetched records and fetch attempts for inspection.
type HistoryStore interface {
	SaveRecords(ctx context.Context, ds types.RegionDataset, fetchedAt time.Time) error
	SaveFetch(ctx context.Context, r database.FetchLogRow) error
}

type Options struct {
	Regions       []types.Region
	Granularities []types.Granularity
	PublishAt     string // cron spec in CET
	FetchAt       string // cron spec in CET
	FetchTimeout  time.Duration
	StaleAfter    time.Duration
}

type Option func(*Scheduler)

// WithClock replaces the wall clock used for alignment and freshness.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithHistory persists every fetch outcome.
func WithHistory(h HistoryStore) Option {
	return func(s *Scheduler) {
		s.history = h
	}
}

// Scheduler owns the cache and drives the fetch and publish ticks for every
// configured region. Regions never wait on each other.
type Scheduler struct {
	cron      *cron.Cron
	cache     *cache.Cache
	provider  types.MarketDataProvider
	publisher publish.Publisher
	history   HistoryStore
	opts      Options
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.RWMutex // guards stopped; held for reading around cache writes and publishes
	stopped bool
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup

	freshnessMu sync.Mutex
	freshness   map[cache.Key]types.Freshness
}

func NewScheduler(
	c *cache.Cache,
	provider types.MarketDataProvider,
	publisher publish.Publisher,
	opts Options,
	options ...Option) *Scheduler {

	logger := slog.Default().With("module", "tasks")
	if len(opts.Granularities) == 0 {
		opts.Granularities = slices.Clone(types.Granularities)
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(periods.CET),
			cron.WithLogger(newCronLogger(logger)),
			cron.WithChain(cron.Recover(newCronLogger(logger)))),
		cache:     c,
		provider:  provider,
		publisher: publisher,
		opts:      opts,
		now:       time.Now,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		freshness: make(map[cache.Key]types.Freshness),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// AddTask schedules an additional job, e.g. maintenance, on the same cron.
func (s *Scheduler) AddTask(spec string, task func()) error {
	_, err := s.cron.AddFunc(spec, task)
	if err != nil {
		return fmt.Errorf("scheduling task at %q: %w", spec, err)
	}
	return nil
}

// Start runs a cold-start fetch for every region, publishes once and then
// hands over to the cron cycle. It returns when the first publish is done.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.started = true
	s.mu.Unlock()

	skip := cron.NewChain(cron.SkipIfStillRunning(newCronLogger(s.logger)))
	for _, region := range s.opts.Regions {
		_, err := s.cron.AddJob(s.opts.PublishAt, skip.Then(cron.FuncJob(func() {
			s.PublishRegion(s.ctx, region)
		})))
		if err != nil {
			return fmt.Errorf("scheduling publish of %s: %w", region, err)
		}
		_, err = s.cron.AddJob(s.opts.FetchAt, skip.Then(cron.FuncJob(func() {
			_ = s.FetchRegion(s.ctx, region)
		})))
		if err != nil {
			return fmt.Errorf("scheduling fetch of %s: %w", region, err)
		}
	}

	s.logger.Info("cold start, fetching all regions", slog.Int("regions", len(s.opts.Regions)))
	var g errgroup.Group
	for _, region := range s.opts.Regions {
		g.Go(func() error {
			_ = s.FetchRegion(s.ctx, region)
			return nil
		})
	}
	_ = g.Wait()

	for _, region := range s.opts.Regions {
		s.PublishRegion(s.ctx, region)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrStopped
	}
	s.cron.Start()
	s.logger.Info("scheduler started",
		slog.String("publishAt", s.opts.PublishAt),
		slog.String("fetchAt", s.opts.FetchAt))
	return nil
}

// Stop cancels in-flight fetches and waits for running jobs. Once Stop
// returns the cache is no longer written and nothing is published.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	if started {
		<-s.cron.Stop().Done()
	}
	s.running.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) Cache() *cache.Cache {
	return s.cache
}

func (s *Scheduler) Regions() []types.Region {
	return slices.Clone(s.opts.Regions)
}

func (s *Scheduler) Granularities() []types.Granularity {
	return slices.Clone(s.opts.Granularities)
}

// TriggerFetch runs a fetch tick followed by a publish tick for region in
// the background.
func (s *Scheduler) TriggerFetch(region types.Region) error {
	return s.trigger(region, func() {
		if err := s.FetchRegion(s.ctx, region); err == nil {
			s.PublishRegion(s.ctx, region)
		}
	})
}

// TriggerPublish runs a publish tick for region in the background.
func (s *Scheduler) TriggerPublish(region types.Region) error {
	return s.trigger(region, func() {
		s.PublishRegion(s.ctx, region)
	})
}

func (s *Scheduler) trigger(region types.Region, job func()) error {
	if !slices.Contains(s.opts.Regions, region) {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrStopped
	}
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		job()
	}()
	return nil
}

// whileRunning runs fn unless the scheduler is stopped. Stop waits for fn.
func (s *Scheduler) whileRunning(fn func()) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return false
	}
	fn()
	return true
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func newCronLogger(logger *slog.Logger) cronLogger {
	return cronLogger{logger: logger.With(slog.String("component", "cron"))}
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}
