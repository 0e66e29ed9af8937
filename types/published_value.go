package types

import (
	"encoding/json"
	"time"

	"github.com/icodeforyou/southpool-go/types/maybe"
)

type Freshness string

const (
	FreshnessFresh       Freshness = "fresh"
	FreshnessStale       Freshness = "stale"
	FreshnessUnavailable Freshness = "unavailable" // never populated
)

// PublishedValue is what a publish tick emits for one region and
// granularity. It is derived from the cache on every tick and never stored.
type PublishedValue struct {
	Region      Region
	Granularity Granularity
	Freshness   Freshness
	PeriodIndex int       // Aligned period index at UpdatedAt
	PeriodStart time.Time // Aligned period start at UpdatedAt
	Current     maybe.Maybe[PeriodRecord]
	Forecast    []PeriodRecord
	FetchedAt   maybe.Maybe[time.Time]
	UpdatedAt   time.Time
}

func (v PublishedValue) Available() bool {
	return v.Freshness != FreshnessUnavailable && v.Current.IsValid()
}

func (v PublishedValue) ForecastCount() int {
	return len(v.Forecast)
}

// ForecastComplete reports whether the window spans the full 48 hours.
func (v PublishedValue) ForecastComplete() bool {
	return len(v.Forecast) == v.Granularity.ForecastLength()
}

type publishedValueJSON struct {
	Region           Region                 `json:"region"`
	Granularity      Granularity            `json:"granularity"`
	Freshness        Freshness              `json:"freshness"`
	Timestamp        *time.Time             `json:"timestamp"`
	PeriodIndex      *int                   `json:"period_index"`
	Price            *json.Number           `json:"price"`
	TradedVolume     *json.Number           `json:"traded_volume"`
	BaseloadPrice    *json.Number           `json:"baseload_price"`
	Status           *Status                `json:"status"`
	Forecast         []PeriodRecord         `json:"forecast"`
	ForecastCount    int                    `json:"forecast_count"`
	ForecastComplete bool                   `json:"forecast_complete"`
	FetchedAt        maybe.Maybe[time.Time] `json:"fetched_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

func (v PublishedValue) MarshalJSON() ([]byte, error) {
	out := publishedValueJSON{
		Region:           v.Region,
		Granularity:      v.Granularity,
		Freshness:        v.Freshness,
		Forecast:         v.Forecast,
		ForecastCount:    v.ForecastCount(),
		ForecastComplete: v.ForecastComplete(),
		FetchedAt:        v.FetchedAt,
		UpdatedAt:        v.UpdatedAt,
	}
	if out.Forecast == nil {
		out.Forecast = []PeriodRecord{}
	}
	if v.Current.IsValid() {
		r := v.Current.Value()
		price := json.Number(r.Price.String())
		volume := json.Number(r.TradedVolume.String())
		out.Timestamp = &r.Timestamp
		out.PeriodIndex = &r.Index
		out.Price = &price
		out.TradedVolume = &volume
		out.Status = &r.Status
		if r.BaseloadPrice.IsValid() {
			baseload := json.Number(r.BaseloadPrice.Value().String())
			out.BaseloadPrice = &baseload
		}
	}
	return json.Marshal(out)
}
