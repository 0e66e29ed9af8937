package www

import (
	"net/http"
	"time"

	"github.com/icodeforyou/southpool-go/cache"
	"github.com/icodeforyou/southpool-go/periods"
	"github.com/icodeforyou/southpool-go/types"
)

type CacheView interface {
	Keys() []cache.Key
	Snapshot() map[cache.Key]types.CacheEntry
}

type cacheEntryJSON struct {
	Region        types.Region      `json:"region"`
	RegionLabel   string            `json:"region_label"`
	Granularity   types.Granularity `json:"granularity"`
	FetchedAt     time.Time         `json:"fetched_at"`
	AgeSeconds    int64             `json:"age_seconds"`
	Records       int               `json:"records"`
	Dropped       int               `json:"dropped"`
	CoverageFrom  *time.Time        `json:"coverage_from"`
	CoverageTo    *time.Time        `json:"coverage_to"`
	CurrentPeriod string            `json:"current_period"`
	NextPeriod    string            `json:"next_period"`
	NextPeriodAt  time.Time         `json:"next_period_at"`
}

// NewCacheHandler lists what the scheduler currently holds in memory.
func NewCacheHandler(c CacheView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		snap := c.Snapshot()
		out := []cacheEntryJSON{}
		for _, k := range c.Keys() {
			e, ok := snap[k]
			if !ok {
				continue
			}
			p := periods.Current(now, k.Granularity)
			row := cacheEntryJSON{
				Region:        k.Region,
				RegionLabel:   k.Region.Label(),
				Granularity:   k.Granularity,
				FetchedAt:     e.FetchedAt.In(periods.CET),
				AgeSeconds:    int64(now.Sub(e.FetchedAt) / time.Second),
				Records:       len(e.Dataset.Records),
				Dropped:       e.Dataset.Dropped,
				CurrentPeriod: p.String(),
				NextPeriod:    p.Add(1).String(),
				NextPeriodAt:  p.End(),
			}
			if len(e.Dataset.Records) > 0 {
				from, to := e.Dataset.Coverage()
				row.CoverageFrom, row.CoverageTo = &from, &to
			}
			out = append(out, row)
		}
		writeJSON(w, http.StatusOK, out)
	}
}
