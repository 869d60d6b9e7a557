package db

import (
	"time"
)

// APIKey is the metering record behind one bearer token. All mutation goes
// through a keystore.Store so that concurrent writers on the same token are
// serialized.
type APIKey struct {
	ID uint `gorm:"primaryKey"`

	// Key is the bearer token value (opaque, unique).
	Key string `gorm:"uniqueIndex;size:64;not null"`

	// Name is a display label chosen by the admin (e.g. "mobile-app").
	Name string `gorm:"size:128;not null"`

	Active bool `gorm:"not null"`

	// Deleting is set when removal of the key has begun. A tombstoned key
	// authenticates as unknown and takes no further counters or log entries.
	Deleting bool `gorm:"not null;default:false"`

	// Credits is the spendable balance. It never goes below zero.
	Credits int64 `gorm:"not null"`

	// CreditsSpent is the lifetime total of committed (non-refunded) spends.
	CreditsSpent int64 `gorm:"not null;default:0"`

	// DailyLimit caps requests per UTC calendar day, independent of credits.
	DailyLimit    int64     `gorm:"not null"`
	DailyRequests int64     `gorm:"not null;default:0"`
	LastReset     time.Time `gorm:"not null"`

	// TotalRequests counts every metered attempt and matches the number of
	// usage entries written for this key.
	TotalRequests int64 `gorm:"not null;default:0"`

	CreatedAt  time.Time `gorm:"index"`
	LastUsedAt *time.Time
	ExpiresAt  time.Time `gorm:"not null"`
}

// Expired reports whether the key is past its expiry at now.
func (k *APIKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// Masked returns the display form used in reports: the first eight and last
// four characters of the token.
func (k *APIKey) Masked() string {
	return MaskKey(k.Key)
}

// MaskKey shortens a token for display without revealing it.
func MaskKey(key string) string {
	if len(key) <= 12 {
		return key[:min(len(key), 4)] + "..."
	}
	return key[:8] + "..." + key[len(key)-4:]
}
