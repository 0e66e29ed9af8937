package types

import (
	"context"
	"encoding/json"
	"time"

	"github.com/icodeforyou/southpool-go/types/maybe"
	"github.com/shopspring/decimal"
)

// PeriodRecord is one market period for one region and granularity.
type PeriodRecord struct {
	Region        Region
	Granularity   Granularity
	Date          string                       // Delivery day in CET, "2006-01-02"
	Index         int                          // 1-based period number within Date
	Timestamp     time.Time                    // Period start, always in CET (+01:00)
	Price         decimal.Decimal              // EUR/MWh
	BaseloadPrice maybe.Maybe[decimal.Decimal] // EUR/MWh
	TradedVolume  decimal.Decimal              // MW
	Status        Status
}

type periodRecordJSON struct {
	Timestamp     time.Time    `json:"timestamp"`
	DeliveryDay   string       `json:"delivery_day"`
	PeriodIndex   int          `json:"period_index"`
	Price         json.Number  `json:"price"`
	TradedVolume  json.Number  `json:"traded_volume"`
	BaseloadPrice *json.Number `json:"baseload_price"`
	Status        Status       `json:"status"`
}

func (r PeriodRecord) MarshalJSON() ([]byte, error) {
	var baseload *json.Number
	if r.BaseloadPrice.IsValid() {
		n := json.Number(r.BaseloadPrice.Value().String())
		baseload = &n
	}
	return json.Marshal(periodRecordJSON{
		Timestamp:     r.Timestamp,
		DeliveryDay:   r.Date,
		PeriodIndex:   r.Index,
		Price:         json.Number(r.Price.String()),
		TradedVolume:  json.Number(r.TradedVolume.String()),
		BaseloadPrice: baseload,
		Status:        r.Status,
	})
}

func (r *PeriodRecord) UnmarshalJSON(data []byte) error {
	var raw periodRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	price, err := decimal.NewFromString(raw.Price.String())
	if err != nil {
		return err
	}
	volume, err := decimal.NewFromString(raw.TradedVolume.String())
	if err != nil {
		return err
	}
	baseload := maybe.None[decimal.Decimal]()
	if raw.BaseloadPrice != nil {
		v, err := decimal.NewFromString(raw.BaseloadPrice.String())
		if err != nil {
			return err
		}
		baseload = maybe.Some(v)
	}
	r.Timestamp = raw.Timestamp
	r.Date = raw.DeliveryDay
	r.Index = raw.PeriodIndex
	r.Price = price
	r.TradedVolume = volume
	r.BaseloadPrice = baseload
	r.Status = raw.Status
	return nil
}

// RegionDataset holds the records of one region and granularity,
// ordered by timestamp ascending.
type RegionDataset struct {
	Region      Region
	Granularity Granularity
	Records     []PeriodRecord
	Dropped     int // Upstream rows rejected while parsing
}

// Coverage returns the first and last period start in the dataset.
func (d RegionDataset) Coverage() (from, to time.Time) {
	if len(d.Records) == 0 {
		return time.Time{}, time.Time{}
	}
	return d.Records[0].Timestamp, d.Records[len(d.Records)-1].Timestamp
}

// CacheEntry is an immutable snapshot of the last successful fetch.
type CacheEntry struct {
	Dataset   RegionDataset
	FetchedAt time.Time
}

type MarketDataProvider interface {
	Fetch(ctx context.Context, region Region, g Granularity, now time.Time) (RegionDataset, error)
}
