package database

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/icodeforyou/southpool-go/periods"
)

const backupStamp = "20060102_150405"

type backupFile struct {
	path    string
	takenAt time.Time
}

// Backup writes a compressed snapshot of the price history into the backup
// directory, named after the CET wall time of now, and returns its path.
func (d *Database) Backup(ctx context.Context, now time.Time) (string, error) {
	if err := os.MkdirAll(d.backupDir, 0755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	zipPath := filepath.Join(d.backupDir, fmt.Sprintf("%s_%s.zip", now.In(periods.CET).Format(backupStamp), filepath.Base(d.path)))
	snapshot := zipPath + ".db"
	if err := os.Remove(snapshot); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("remove stale snapshot: %w", err)
	}

	if _, err := d.write.ExecContext(ctx, "VACUUM INTO ?", snapshot); err != nil {
		return "", fmt.Errorf("vacuuming database into '%s': %w", snapshot, err)
	}
	defer func() {
		if err := os.Remove(snapshot); err != nil {
			d.logger.Warn("could not remove snapshot after compression", slog.String("error", err.Error()))
		}
	}()

	// The archive only gets its final name once complete, so PurgeBackups
	// never sees a half written file.
	partial := zipPath + ".part"
	if err := d.compress(snapshot, partial); err != nil {
		os.Remove(partial)
		return "", err
	}
	if err := os.Rename(partial, zipPath); err != nil {
		return "", fmt.Errorf("finalize backup: %w", err)
	}

	d.logger.Info("database backup complete", slog.String("filename", zipPath))
	return zipPath, nil
}

func (d *Database) compress(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open snapshot for compression: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat snapshot: %w", err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("create zip header: %w", err)
	}
	header.Name = filepath.Base(d.path)
	header.Method = zip.Deflate

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create zip file: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("create zip file entry: %w", err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("write snapshot to zip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize zip file: %w", err)
	}
	return out.Close()
}

// listBackups returns the archives Backup made for this database. Other
// files in the directory, including backups of other databases, are ignored.
func (d *Database) listBackups() ([]backupFile, error) {
	entries, err := os.ReadDir(d.backupDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	re := regexp.MustCompile(`^(\d{8}_\d{6})_` + regexp.QuoteMeta(filepath.Base(d.path)) + `\.zip$`)
	var backups []backupFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := re.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		t, err := time.ParseInLocation(backupStamp, m[1], periods.CET)
		if err != nil {
			d.logger.Debug("failed to parse backup timestamp", slog.String("filename", e.Name()), slog.String("error", err.Error()))
			continue
		}
		backups = append(backups, backupFile{path: filepath.Join(d.backupDir, e.Name()), takenAt: t})
	}
	return backups, nil
}

// PurgeBackups deletes archives taken more than retentionDays before now.
// A retention below one day keeps everything.
func (d *Database) PurgeBackups(ctx context.Context, retentionDays int, now time.Time) error {
	if retentionDays < 1 {
		return nil
	}
	cutoff := now.Add(-24 * time.Hour * time.Duration(retentionDays))
	d.logger.Debug("purging old backups", slog.String("dir", d.backupDir), slog.String("before", periods.FormatCET(cutoff)))

	backups, err := d.listBackups()
	if err != nil {
		return err
	}

	removed := 0
	for _, b := range backups {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !b.takenAt.Before(cutoff) {
			continue
		}
		d.logger.Debug("deleting old backup", slog.String("path", b.path))
		if err := os.Remove(b.path); err != nil {
			return fmt.Errorf("remove old backup '%s': %w", b.path, err)
		}
		removed++
	}

	d.logger.Info("backup purge complete", slog.Int("removed", removed), slog.Int("kept", len(backups)-removed))
	return nil
}
