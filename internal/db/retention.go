package db

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// runRetentionOnce performs a single pass of retention cleanup, deleting
// usage entries older than the retention window. Key counters are not
// touched; they remain the authoritative totals.
func runRetentionOnce(db *gorm.DB, retention time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-retention)
	res := db.Where("created_at < ?", cutoff).Delete(&UsageEntry{})
	return res.RowsAffected, res.Error
}

// StartRetentionWorker launches a background goroutine that runs the
// retention cleanup once at startup and then once per day until ctx ends.
// A non-positive retentionDays disables the worker.
func StartRetentionWorker(ctx context.Context, db *gorm.DB, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	retention := time.Duration(retentionDays) * 24 * time.Hour

	go func() {
		if n, err := runRetentionOnce(db, retention, time.Now().UTC()); err != nil {
			log.Error().Err(err).Msg("usage retention cleanup failed (startup)")
		} else if n > 0 {
			log.Info().Int64("deleted", n).Msg("usage retention cleanup")
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				n, err := runRetentionOnce(db, retention, t.UTC())
				if err != nil {
					log.Error().Err(err).Msg("usage retention cleanup failed")
					continue
				}
				if n > 0 {
					log.Info().Int64("deleted", n).Msg("usage retention cleanup")
				}
			}
		}
	}()
}
