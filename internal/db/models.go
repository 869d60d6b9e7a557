package db

import (
	"time"

	"gorm.io/datatypes"
)

// Outcome values recorded on usage entries.
const (
	OutcomeOK                  = "ok"
	OutcomeUpstreamError       = "upstream_error"
	OutcomeQuotaExceeded       = "quota_exceeded"
	OutcomeInsufficientCredits = "insufficient_credits"
)

// UsageEntry is one metered request as recorded in the usage log. Entries
// are immutable once appended.
type UsageEntry struct {
	ID uint `gorm:"primaryKey"`

	// RequestID correlates the entry with gateway log lines.
	RequestID string `gorm:"size:36;index"`

	APIKey   string `gorm:"size:64;index;not null"`
	Endpoint string `gorm:"size:32;index;not null"`

	// Params holds the audited request parameters (prompt text, sizes, ...).
	Params datatypes.JSONMap `gorm:"type:json"`

	DurationMs  int64
	CreditsUsed int64 `gorm:"not null;default:0"`

	Outcome string `gorm:"size:32;not null"`
	Error   string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"index"`
}

// TableName keeps the table name aligned with the log's purpose.
func (UsageEntry) TableName() string {
	return "usage_log"
}
