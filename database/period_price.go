package database

import (
	"context"
	"fmt"
	"time"

	"github.com/icodeforyou/southpool-go/periods"
	"github.com/icodeforyou/southpool-go/types"
	"github.com/icodeforyou/southpool-go/types/maybe"
	"github.com/shopspring/decimal"
)

// SaveRecords upserts a fetched dataset. A later fetch of the same period
// replaces price, volume and status.
func (d *Database) SaveRecords(ctx context.Context, ds types.RegionDataset, fetchedAt time.Time) error {
	if len(ds.Records) == 0 {
		return nil
	}

	tx, err := d.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving period prices: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO period_price (region, granularity, date, idx, start, price, baseload_price, traded_volume, status, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(region, granularity, date, idx) DO UPDATE SET
			start = excluded.start,
			price = excluded.price,
			baseload_price = excluded.baseload_price,
			traded_volume = excluded.traded_volume,
			status = excluded.status,
			fetched_at = excluded.fetched_at`)
	if err != nil {
		return fmt.Errorf("saving period prices: %w", err)
	}
	defer stmt.Close()

	fetched := periods.FormatCET(fetchedAt)
	for _, r := range ds.Records {
		var baseload any
		if r.BaseloadPrice.IsValid() {
			baseload = r.BaseloadPrice.Value().String()
		}
		_, err := stmt.ExecContext(ctx,
			string(ds.Region),
			string(ds.Granularity),
			r.Date,
			r.Index,
			periods.FormatCET(r.Timestamp),
			r.Price.String(),
			baseload,
			r.TradedVolume.String(),
			string(r.Status),
			fetched)
		if err != nil {
			return fmt.Errorf("saving period price %s #%d: %w", r.Date, r.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("saving period prices: %w", err)
	}
	return nil
}

// GetRecordsFrom returns stored records starting at or after from, oldest first.
func (d *Database) GetRecordsFrom(ctx context.Context, region types.Region, g types.Granularity, from time.Time) ([]types.PeriodRecord, error) {
	rows, err := d.read.QueryContext(ctx, `
		SELECT date, idx, start, price, baseload_price, traded_volume, status
		FROM period_price
		WHERE region = ? AND granularity = ? AND start >= ?
		ORDER BY start ASC`,
		string(region), string(g), periods.FormatCET(from))
	if err != nil {
		return nil, fmt.Errorf("fetching period prices: %w", err)
	}
	defer rows.Close()

	var records []types.PeriodRecord
	for rows.Next() {
		r := types.PeriodRecord{Region: region, Granularity: g}
		var start, status string
		var baseload decimal.NullDecimal
		err := rows.Scan(&r.Date, &r.Index, &start, &r.Price, &baseload, &r.TradedVolume, &status)
		if err != nil {
			return nil, fmt.Errorf("scanning period price row: %w", err)
		}
		if r.Timestamp = periods.FromIso(start); r.Timestamp.IsZero() {
			return nil, fmt.Errorf("invalid period start %q", start)
		}
		r.BaseloadPrice = maybe.SqlNull(baseload.Decimal, baseload.Valid)
		r.Status = types.Status(status)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading period price rows: %w", err)
	}

	return records, nil
}

func (d *Database) PurgePeriodPrice(ctx context.Context, retentionDays int, now time.Time) error {
	return d.purgeTable(ctx, "period_price", "start", retentionDays, now)
}
