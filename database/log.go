package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/icodeforyou/southpool-go/periods"
)

type LogEntryRow struct {
	Timestamp time.Time
	Level     int
	Message   string
	Attrs     string
}

// SaveLogEntry stores the timestamp in CET like every other table, so log
// lines line up with the periods they mention.
func (d *Database) SaveLogEntry(ctx context.Context, r LogEntryRow) error {
	_, err := d.write.ExecContext(ctx, `
		INSERT INTO log (timestamp, level, message, attrs)
		VALUES (?, ?, ?, ?)`,
		periods.FormatCET(r.Timestamp),
		r.Level,
		r.Message,
		r.Attrs)
	if err != nil {
		return fmt.Errorf("saving log entry: %w", err)
	}
	return nil
}

// GetLogEntries pages through entries at minLvl or above, newest first.
func (d *Database) GetLogEntries(ctx context.Context, minLvl slog.Level, page, pageSize int) ([]LogEntryRow, error) {
	page = max(page, 1)
	if pageSize < 1 {
		pageSize = 10
	}

	rows, err := d.read.QueryContext(ctx, `
		SELECT timestamp, level, message, attrs
		FROM log
		WHERE level >= ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?`,
		int(minLvl), pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("fetching log entries: %w", err)
	}
	defer rows.Close()

	var entries []LogEntryRow
	for rows.Next() {
		var (
			r     LogEntryRow
			ts    string
			attrs sql.NullString
		)
		if err := rows.Scan(&ts, &r.Level, &r.Message, &attrs); err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		r.Attrs = attrs.String
		if r.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("parsing log timestamp %q: %w", ts, err)
		}
		entries = append(entries, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading log rows: %w", err)
	}

	return entries, nil
}

// PurgeLog keeps at most maxEntries of the newest entries and drops anything
// logged more than retentionDays before now. A non-positive limit disables
// that rule.
func (d *Database) PurgeLog(ctx context.Context, maxEntries int, retentionDays int, now time.Time) error {
	d.logger.Debug("purging log", slog.Int("max_entries", maxEntries), slog.Int("retention_days", retentionDays))

	if maxEntries > 0 {
		_, err := d.write.ExecContext(ctx, `
			DELETE FROM log WHERE id <= (SELECT id FROM log ORDER BY id DESC LIMIT 1 OFFSET ?)`, maxEntries)
		if err != nil {
			return fmt.Errorf("purging log by count: %w", err)
		}
	}
	if retentionDays > 0 {
		if err := d.purgeTable(ctx, "log", "timestamp", retentionDays, now); err != nil {
			return err
		}
	}
	return nil
}
