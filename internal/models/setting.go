package models

import "time"

// Setting stores a runtime-tunable configuration value in the database.
type Setting struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Key   string `gorm:"type:text;not null;uniqueIndex"` // Config key.
	Value string `gorm:"type:text"`                      // Config value.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
