package db

import (
	"time"
)

// AdminUser is a principal allowed to use the /admin surface. The bootstrap
// admin from config is created as a row in this table on startup.
type AdminUser struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"size:255;not null"`
}
