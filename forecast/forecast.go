// Package forecast derives published values from cached market data.
package forecast

import (
	"slices"
	"time"

	"github.com/icodeforyou/southpool-go/periods"
	"github.com/icodeforyou/southpool-go/types"
	"github.com/icodeforyou/southpool-go/types/maybe"
)

// Build returns the records starting at or after currentStart, ascending,
// at most one forecast window long (192 quarters or 48 hours). A short
// result means the forecast is incomplete; it is never padded. The input is
// left untouched.
func Build(records []types.PeriodRecord, currentStart time.Time, g types.Granularity) []types.PeriodRecord {
	window := make([]types.PeriodRecord, 0, g.ForecastLength())
	for _, r := range records {
		if !r.Timestamp.Before(currentStart) {
			window = append(window, r)
		}
	}

	if !slices.IsSortedFunc(window, byTimestamp) {
		slices.SortStableFunc(window, byTimestamp)
	}

	if len(window) > g.ForecastLength() {
		window = window[:g.ForecastLength()]
	}
	return slices.Clip(window)
}

func byTimestamp(a, b types.PeriodRecord) int {
	return a.Timestamp.Compare(b.Timestamp)
}

// Current finds the record of period p. When the exact period is missing
// it falls back to the latest record of the same delivery day that started
// before now.
func Current(records []types.PeriodRecord, p periods.Period, now time.Time) (types.PeriodRecord, bool) {
	var fallback types.PeriodRecord
	found := false
	for _, r := range records {
		if r.Timestamp.Equal(p.Start) {
			return r, true
		}
		if r.Date == p.Date && !r.Timestamp.After(now) {
			if !found || r.Timestamp.After(fallback.Timestamp) {
				fallback = r
				found = true
			}
		}
	}
	return fallback, found
}

// Publish computes the value for one region and granularity at now. A nil
// entry means nothing was fetched yet and yields the unavailable value.
// Entries older than staleAfter are served but flagged stale.
func Publish(
	region types.Region,
	g types.Granularity,
	entry *types.CacheEntry,
	now time.Time,
	staleAfter time.Duration) types.PublishedValue {

	p := periods.Current(now, g)
	v := types.PublishedValue{
		Region:      region,
		Granularity: g,
		Freshness:   types.FreshnessUnavailable,
		PeriodIndex: p.Index,
		PeriodStart: p.Start,
		Current:     maybe.None[types.PeriodRecord](),
		FetchedAt:   maybe.None[time.Time](),
		UpdatedAt:   now.In(periods.CET),
	}
	if entry == nil {
		return v
	}

	v.FetchedAt = maybe.Some(entry.FetchedAt.In(periods.CET))
	v.Freshness = types.FreshnessFresh
	if staleAfter > 0 && now.Sub(entry.FetchedAt) > staleAfter {
		v.Freshness = types.FreshnessStale
	}

	if rec, ok := Current(entry.Dataset.Records, p, now); ok {
		v.Current = maybe.Some(rec)
	}
	v.Forecast = Build(entry.Dataset.Records, p.Start, g)

	return v
}
