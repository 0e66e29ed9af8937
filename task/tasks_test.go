package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/icodeforyou/southpool-go/cache"
	"github.com/icodeforyou/southpool-go/config"
	"github.com/icodeforyou/southpool-go/database"
	"github.com/icodeforyou/southpool-go/periods"
	"github.com/icodeforyou/southpool-go/southpool"
	"github.com/icodeforyou/southpool-go/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Never fires during a test run.
const never = "0 0 1 1 *"

var today = time.Date(2026, 10, 18, 0, 0, 0, 0, periods.CET)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fakeProvider struct {
	mu      sync.Mutex
	calls   map[cache.Key]int
	respond func(ctx context.Context, region types.Region, g types.Granularity, now time.Time) (types.RegionDataset, error)
}

func (p *fakeProvider) Fetch(ctx context.Context, region types.Region, g types.Granularity, now time.Time) (types.RegionDataset, error) {
	p.mu.Lock()
	if p.calls == nil {
		p.calls = make(map[cache.Key]int)
	}
	p.calls[cache.Key{Region: region, Granularity: g}]++
	respond := p.respond
	p.mu.Unlock()
	return respond(ctx, region, g, now)
}

func (p *fakeProvider) Calls(region types.Region, g types.Granularity) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[cache.Key{Region: region, Granularity: g}]
}

type recorder struct {
	mu     sync.Mutex
	values []types.PublishedValue
}

func (r *recorder) Publish(_ context.Context, v types.PublishedValue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
	return nil
}

func (r *recorder) Values() []types.PublishedValue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.PublishedValue(nil), r.values...)
}

type memoryHistory struct {
	mu      sync.Mutex
	saved   int
	fetches []database.FetchLogRow
}

func (h *memoryHistory) SaveRecords(_ context.Context, ds types.RegionDataset, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saved += len(ds.Records)
	return nil
}

func (h *memoryHistory) SaveFetch(_ context.Context, r database.FetchLogRow) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fetches = append(h.fetches, r)
	return nil
}

func (h *memoryHistory) Fetches() []database.FetchLogRow {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]database.FetchLogRow(nil), h.fetches...)
}

// dataset covers today 00:00 through 72 hours ahead.
func dataset(region types.Region, g types.Granularity, price int64) types.RegionDataset {
	ds := types.RegionDataset{Region: region, Granularity: g}
	n := 3 * g.PeriodsPerDay()
	for i := 0; i < n; i++ {
		p := periods.Current(today.Add(time.Duration(i*g.Minutes())*time.Minute), g)
		ds.Records = append(ds.Records, types.PeriodRecord{
			Region:       region,
			Granularity:  g,
			Date:         p.Date,
			Index:        p.Index,
			Timestamp:    p.Start,
			Price:        decimal.NewFromInt(price),
			TradedVolume: decimal.NewFromInt(100),
			Status:       types.StatusFinal,
		})
	}
	return ds
}

func staticProvider(price int64) *fakeProvider {
	return &fakeProvider{respond: func(_ context.Context, region types.Region, g types.Granularity, _ time.Time) (types.RegionDataset, error) {
		return dataset(region, g, price), nil
	}}
}

func newTestScheduler(t *testing.T, provider types.MarketDataProvider, regions ...types.Region) (*Scheduler, *recorder, *clock, *memoryHistory) {
	t.Helper()
	clk := &clock{t: today.Add(10*time.Hour + 7*time.Minute)}
	rec := &recorder{}
	hist := &memoryHistory{}
	s := NewScheduler(cache.New(), provider, rec, Options{
		Regions:      regions,
		PublishAt:    never,
		FetchAt:      never,
		FetchTimeout: time.Second,
		StaleAfter:   2 * time.Hour,
	}, WithClock(clk.Now), WithHistory(hist))
	t.Cleanup(s.Stop)
	return s, rec, clk, hist
}

func TestStartFetchesThenPublishes(t *testing.T) {
	provider := staticProvider(50)
	s, rec, _, hist := newTestScheduler(t, provider, "HU", "RS")

	require.NoError(t, s.Start())

	values := rec.Values()
	require.Len(t, values, 4)
	for _, v := range values {
		assert.Equal(t, types.FreshnessFresh, v.Freshness)
		assert.True(t, v.Available())
		assert.True(t, v.ForecastComplete(), "%s/%s", v.Region, v.Granularity)
	}
	assert.Equal(t, 1, provider.Calls("HU", types.Fine))
	assert.Equal(t, 1, provider.Calls("RS", types.Coarse))

	fine := values[0]
	assert.Equal(t, types.Fine, fine.Granularity)
	assert.Equal(t, 41, fine.Current.Value().Index)
	assert.Len(t, fine.Forecast, 192)

	fetches := hist.Fetches()
	require.Len(t, fetches, 4)
	for _, f := range fetches {
		assert.Equal(t, database.FetchSucceeded, f.Outcome)
		assert.NotEmpty(t, f.RunID)
	}
	assert.Equal(t, 2*(3*96+3*24), hist.saved)
}

func TestStartSchedulesAlignedTicks(t *testing.T) {
	provider := staticProvider(50)
	clk := &clock{t: today.Add(10*time.Hour + 7*time.Minute)}
	rec := &recorder{}
	defaults := config.AppConfigSchedule{}
	s := NewScheduler(cache.New(), provider, rec, Options{
		Regions:      []types.Region{"HU"},
		PublishAt:    defaults.GetPublishAt(),
		FetchAt:      defaults.GetFetchAt(),
		FetchTimeout: time.Second,
		StaleAfter:   2 * time.Hour,
	}, WithClock(clk.Now))
	t.Cleanup(s.Stop)

	require.NoError(t, s.Start())
	entries := s.cron.Entries()
	require.Len(t, entries, 2)

	nextAfter := func(at time.Time) []string {
		var next []string
		for _, e := range entries {
			next = append(next, periods.FormatCET(e.Schedule.Next(at.In(periods.CET))))
		}
		return next
	}
	// Quarter-hour publish, top-of-hour fetch, both on the CET calendar.
	assert.ElementsMatch(t, []string{"2026-10-18T10:15:00+01:00", "2026-10-18T11:00:00+01:00"},
		nextAfter(today.Add(10*time.Hour+7*time.Minute)))
	assert.ElementsMatch(t, []string{"2026-10-18T11:15:00+01:00", "2026-10-18T12:00:00+01:00"},
		nextAfter(today.Add(11*time.Hour)))
	assert.ElementsMatch(t, []string{"2026-10-19T00:00:00+01:00", "2026-10-19T00:00:00+01:00"},
		nextAfter(today.Add(23*time.Hour+50*time.Minute).UTC()))

	published := len(rec.Values())
	fetched := provider.Calls("HU", types.Fine)
	for _, e := range entries {
		e.Job.Run()
	}
	assert.GreaterOrEqual(t, len(rec.Values()), published+2)
	assert.GreaterOrEqual(t, provider.Calls("HU", types.Fine), fetched+1)
	assert.GreaterOrEqual(t, provider.Calls("HU", types.Coarse), fetched+1)
}

func TestColdStartFailurePublishesUnavailable(t *testing.T) {
	provider := &fakeProvider{respond: func(_ context.Context, region types.Region, g types.Granularity, _ time.Time) (types.RegionDataset, error) {
		return types.RegionDataset{}, &southpool.FetchError{Kind: southpool.KindTransport, Region: region, Granularity: g, Err: errors.New("connection refused")}
	}}
	s, rec, _, hist := newTestScheduler(t, provider, "SI")

	require.NoError(t, s.Start())

	values := rec.Values()
	require.Len(t, values, 2)
	for _, v := range values {
		assert.Equal(t, types.FreshnessUnavailable, v.Freshness)
		assert.False(t, v.Available())
		assert.Empty(t, v.Forecast)
	}

	fetches := hist.Fetches()
	require.Len(t, fetches, 2)
	assert.Equal(t, database.FetchFailed, fetches[0].Outcome)
	assert.Contains(t, fetches[0].Error, "connection refused")
}

func TestFailedFetchKeepsPreviousEntry(t *testing.T) {
	provider := staticProvider(50)
	s, _, clk, _ := newTestScheduler(t, provider, "HU")
	ctx := context.Background()

	require.NoError(t, s.FetchRegion(ctx, "HU"))
	before, err := s.Cache().Get("HU", types.Coarse)
	require.NoError(t, err)

	provider.respond = func(_ context.Context, region types.Region, g types.Granularity, _ time.Time) (types.RegionDataset, error) {
		return types.RegionDataset{}, &southpool.FetchError{Kind: southpool.KindEmpty, Region: region, Granularity: g, Err: errors.New("no rows")}
	}
	clk.Set(clk.Now().Add(time.Hour))
	err = s.FetchRegion(ctx, "HU")
	assert.Equal(t, southpool.KindEmpty, southpool.KindOf(err))

	after, err := s.Cache().Get("HU", types.Coarse)
	require.NoError(t, err)
	assert.Equal(t, before.FetchedAt, after.FetchedAt)
	assert.Len(t, after.Dataset.Records, len(before.Dataset.Records))
}

func TestPublishTurnsStale(t *testing.T) {
	s, rec, clk, _ := newTestScheduler(t, staticProvider(50), "HU")
	ctx := context.Background()

	require.NoError(t, s.FetchRegion(ctx, "HU"))
	s.PublishRegion(ctx, "HU")

	clk.Set(clk.Now().Add(3 * time.Hour))
	s.PublishRegion(ctx, "HU")

	values := rec.Values()
	require.Len(t, values, 4)
	assert.Equal(t, types.FreshnessFresh, values[0].Freshness)
	assert.Equal(t, types.FreshnessStale, values[2].Freshness)
	assert.True(t, values[2].Available())
	// Alignment follows the clock even when the data is stale.
	assert.Equal(t, 53, values[2].PeriodIndex)
	assert.Equal(t, 53, values[2].Current.Value().Index)
}

func TestStopDiscardsLateResults(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	provider := &fakeProvider{respond: func(_ context.Context, region types.Region, g types.Granularity, _ time.Time) (types.RegionDataset, error) {
		entered <- struct{}{}
		<-release
		return dataset(region, g, 1), nil
	}}
	s, rec, _, hist := newTestScheduler(t, provider, "HU")
	s.opts.Granularities = []types.Granularity{types.Fine}

	done := make(chan error, 1)
	go func() { done <- s.FetchRegion(context.Background(), "HU") }()

	<-entered
	s.Stop()
	close(release)

	assert.ErrorIs(t, <-done, ErrStopped)
	_, err := s.Cache().Get("HU", types.Fine)
	assert.ErrorIs(t, err, cache.ErrNotYetFetched)

	s.PublishRegion(context.Background(), "HU")
	assert.Empty(t, rec.Values())

	fetches := hist.Fetches()
	require.Len(t, fetches, 1)
	assert.Equal(t, database.FetchDiscarded, fetches[0].Outcome)

	assert.ErrorIs(t, s.TriggerFetch("HU"), ErrStopped)
	assert.ErrorIs(t, s.Start(), ErrStopped)
}

func TestWritersOfOneKeyAreSerialized(t *testing.T) {
	var active, maxActive atomic.Int32
	provider := &fakeProvider{respond: func(_ context.Context, region types.Region, g types.Granularity, _ time.Time) (types.RegionDataset, error) {
		if g == types.Fine {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
		}
		return dataset(region, g, 1), nil
	}}
	s, _, _, _ := newTestScheduler(t, provider, "HU")

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.FetchRegion(context.Background(), "HU"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, 4, provider.Calls("HU", types.Fine))
}

func TestSlowRegionDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{respond: func(ctx context.Context, region types.Region, g types.Granularity, _ time.Time) (types.RegionDataset, error) {
		if region == "RS" {
			select {
			case <-release:
			case <-ctx.Done():
				return types.RegionDataset{}, ctx.Err()
			}
		}
		return dataset(region, g, 1), nil
	}}
	s, rec, _, _ := newTestScheduler(t, provider, "HU", "RS")
	defer close(release)

	go func() { _ = s.FetchRegion(context.Background(), "RS") }()

	require.NoError(t, s.FetchRegion(context.Background(), "HU"))
	s.PublishRegion(context.Background(), "HU")

	values := rec.Values()
	require.Len(t, values, 2)
	assert.True(t, values[0].Available())
}

func TestFetchTimeoutKeepsCacheEmpty(t *testing.T) {
	provider := &fakeProvider{respond: func(ctx context.Context, _ types.Region, _ types.Granularity, _ time.Time) (types.RegionDataset, error) {
		<-ctx.Done()
		return types.RegionDataset{}, ctx.Err()
	}}
	s, _, _, hist := newTestScheduler(t, provider, "HU")
	s.opts.FetchTimeout = 20 * time.Millisecond

	err := s.FetchRegion(context.Background(), "HU")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, s.Cache().Keys())
	for _, f := range hist.Fetches() {
		assert.Equal(t, database.FetchFailed, f.Outcome)
	}
}

func TestTriggerFetch(t *testing.T) {
	s, rec, _, _ := newTestScheduler(t, staticProvider(7), "HU")

	assert.ErrorIs(t, s.TriggerFetch("XX"), ErrUnknownRegion)
	assert.ErrorIs(t, s.TriggerPublish("RS"), ErrUnknownRegion)

	require.NoError(t, s.TriggerFetch("HU"))
	assert.Eventually(t, func() bool { return len(rec.Values()) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.TriggerPublish("HU"))
	assert.Eventually(t, func() bool { return len(rec.Values()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "7", rec.Values()[3].Current.Value().Price.String())
}
