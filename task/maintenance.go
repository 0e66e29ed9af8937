package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/icodeforyou/southpool-go/config"
)

type MaintenanceStore interface {
	Backup(ctx context.Context, now time.Time) (string, error)
	PurgeBackups(ctx context.Context, retentionDays int, now time.Time) error
	PurgeLog(ctx context.Context, maxEntries int, retentionDays int, now time.Time) error
	PurgePeriodPrice(ctx context.Context, retentionDays int, now time.Time) error
	PurgeFetchLog(ctx context.Context, retentionDays int, now time.Time) error
}

// NewMaintenanceTask returns the nightly job: back up the history, then purge
// backups, log entries and rows past their retention. Every step runs even
// when an earlier one fails. All retention cutoffs are taken from one reading
// of clock.
func NewMaintenanceTask(logger *slog.Logger, db MaintenanceStore, cnfg *config.AppConfig, clock func() time.Time) func() {
	return func() {
		logger.Debug("running maintenance task...")

		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		now := clock()

		if path, err := db.Backup(ctx, now); err != nil {
			logger.Error("database backup error", slog.Any("error", err))
		} else {
			logger.Debug("backup written", slog.String("path", path))
		}

		if err := db.PurgeBackups(ctx, cnfg.Database.GetBackupRetentionDays(), now); err != nil {
			logger.Error("backup maintenance error", slog.Any("error", err))
		}

		if err := db.PurgeLog(ctx, cnfg.Logging.GetDbMaxEntries(), cnfg.Logging.GetDbRetentionDays(), now); err != nil {
			logger.Error("log maintenance error", slog.Any("error", err))
		}

		if err := db.PurgePeriodPrice(ctx, cnfg.Database.GetDataRetentionDays(), now); err != nil {
			logger.Error("period_price maintenance error", slog.Any("error", err))
		}

		if err := db.PurgeFetchLog(ctx, cnfg.Database.GetDataRetentionDays(), now); err != nil {
			logger.Error("fetch_log maintenance error", slog.Any("error", err))
		}

		logger.Info("maintenance task done")
	}
}
