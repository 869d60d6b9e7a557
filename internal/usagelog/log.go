// Package usagelog records one immutable entry per metered request and
// answers the aggregate queries used by reporting.
package usagelog

import (
	"context"
	"time"

	"aigateway/internal/db"
)

// KeyCount is one row of a top-K ranking.
type KeyCount struct {
	APIKey   string `json:"api_key"`
	Requests int64  `json:"requests"`
}

// Log is the append-only usage log contract. Aggregates run over a snapshot
// and may miss appends that race with them.
type Log interface {
	// Append stores entry in arrival order.
	Append(ctx context.Context, entry db.UsageEntry) error

	// QueryByKey returns entries for token created at or after since.
	QueryByKey(ctx context.Context, token string, since time.Time) ([]db.UsageEntry, error)

	// QueryAll returns every entry created at or after since.
	QueryAll(ctx context.Context, since time.Time) ([]db.UsageEntry, error)

	// SumCreditsUsed totals the credits charged to token across the log.
	SumCreditsUsed(ctx context.Context, token string) (int64, error)

	// TopKSince ranks keys by entry count since the given time. Ties go to
	// the key seen first.
	TopKSince(ctx context.Context, since time.Time, k int) ([]KeyCount, error)

	// CountSince counts entries created at or after since.
	CountSince(ctx context.Context, since time.Time) (int64, error)

	// PurgeKey removes every entry owned by token.
	PurgeKey(ctx context.Context, token string) (int64, error)
}
