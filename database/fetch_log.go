package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/icodeforyou/southpool-go/periods"
	"github.com/icodeforyou/southpool-go/types"
)

type FetchOutcome string

const (
	FetchSucceeded FetchOutcome = "success"
	FetchFailed    FetchOutcome = "failure"
	FetchDiscarded FetchOutcome = "discarded"
)

// FetchLogRow records one refresh attempt for a region and granularity.
type FetchLogRow struct {
	RunID       string
	Region      types.Region
	Granularity types.Granularity
	StartedAt   time.Time
	Duration    time.Duration
	Outcome     FetchOutcome
	Records     int
	Dropped     int
	Error       string
}

func (d *Database) SaveFetch(ctx context.Context, r FetchLogRow) error {
	var errText any
	if r.Error != "" {
		errText = r.Error
	}
	_, err := d.write.ExecContext(ctx, `
		INSERT INTO fetch_log (run_id, region, granularity, started_at, duration_ms, outcome, records, dropped, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID,
		string(r.Region),
		string(r.Granularity),
		periods.FormatCET(r.StartedAt),
		r.Duration.Milliseconds(),
		string(r.Outcome),
		r.Records,
		r.Dropped,
		errText)
	if err != nil {
		return fmt.Errorf("saving fetch log: %w", err)
	}
	return nil
}

// GetFetches returns the most recent fetch attempts, newest first.
func (d *Database) GetFetches(ctx context.Context, limit int) ([]FetchLogRow, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := d.read.QueryContext(ctx, `
		SELECT run_id, region, granularity, started_at, duration_ms, outcome, records, dropped, error
		FROM fetch_log
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching fetch log: %w", err)
	}
	defer rows.Close()

	var result []FetchLogRow
	for rows.Next() {
		var r FetchLogRow
		var region, granularity, startedAt, outcome string
		var durationMs int64
		var errText sql.NullString
		err := rows.Scan(&r.RunID, &region, &granularity, &startedAt, &durationMs, &outcome, &r.Records, &r.Dropped, &errText)
		if err != nil {
			return nil, fmt.Errorf("scanning fetch log row: %w", err)
		}
		if r.StartedAt = periods.FromIso(startedAt); r.StartedAt.IsZero() {
			return nil, fmt.Errorf("invalid started_at %q", startedAt)
		}
		r.Region = types.Region(region)
		r.Granularity = types.Granularity(granularity)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.Outcome = FetchOutcome(outcome)
		r.Error = errText.String
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading fetch log rows: %w", err)
	}

	return result, nil
}

func (d *Database) PurgeFetchLog(ctx context.Context, retentionDays int, now time.Time) error {
	return d.purgeTable(ctx, "fetch_log", "started_at", retentionDays, now)
}
