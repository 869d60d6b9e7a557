package usagelog

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"aigateway/internal/db"
)

// GormLog stores the usage log in postgres. Entries are kept until their
// key is deleted or the retention worker ages them out.
type GormLog struct {
	db *gorm.DB
}

var _ Log = (*GormLog)(nil)

func NewGormLog(conn *gorm.DB) *GormLog {
	return &GormLog{db: conn}
}

func (l *GormLog) Append(ctx context.Context, entry db.UsageEntry) error {
	entry.ID = 0
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("usagelog: append: %w", err)
	}
	return nil
}

func (l *GormLog) QueryByKey(ctx context.Context, token string, since time.Time) ([]db.UsageEntry, error) {
	var out []db.UsageEntry
	err := l.db.WithContext(ctx).
		Where("api_key = ? AND created_at >= ?", token, since).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("usagelog: query by key: %w", err)
	}
	return out, nil
}

func (l *GormLog) QueryAll(ctx context.Context, since time.Time) ([]db.UsageEntry, error) {
	var out []db.UsageEntry
	err := l.db.WithContext(ctx).
		Where("created_at >= ?", since).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("usagelog: query all: %w", err)
	}
	return out, nil
}

func (l *GormLog) SumCreditsUsed(ctx context.Context, token string) (int64, error) {
	var sum int64
	err := l.db.WithContext(ctx).Model(&db.UsageEntry{}).
		Where("api_key = ?", token).
		Select("COALESCE(SUM(credits_used), 0)").
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("usagelog: sum credits: %w", err)
	}
	return sum, nil
}

func (l *GormLog) TopKSince(ctx context.Context, since time.Time, k int) ([]KeyCount, error) {
	if k <= 0 {
		return nil, nil
	}

	var rows []struct {
		APIKey   string
		Requests int64
		FirstID  uint
	}
	err := l.db.WithContext(ctx).Model(&db.UsageEntry{}).
		Select("api_key, COUNT(*) AS requests, MIN(id) AS first_id").
		Where("created_at >= ?", since).
		Group("api_key").
		Order("requests DESC, first_id ASC").
		Limit(k).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("usagelog: top keys: %w", err)
	}

	out := make([]KeyCount, 0, len(rows))
	for _, r := range rows {
		out = append(out, KeyCount{APIKey: r.APIKey, Requests: r.Requests})
	}
	return out, nil
}

func (l *GormLog) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&db.UsageEntry{}).
		Where("created_at >= ?", since).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("usagelog: count: %w", err)
	}
	return n, nil
}

func (l *GormLog) PurgeKey(ctx context.Context, token string) (int64, error) {
	res := l.db.WithContext(ctx).Where("api_key = ?", token).Delete(&db.UsageEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("usagelog: purge: %w", res.Error)
	}
	return res.RowsAffected, nil
}
