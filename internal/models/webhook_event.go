package models

import "time"

// WebhookEvent stores payment-processor webhook payloads with deduplication
// metadata so redelivered events process at most once.
type WebhookEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ExternalID string `gorm:"type:text;not null;uniqueIndex"` // Provider event ID.
	EventType  string `gorm:"type:text;not null;index"`       // Provider event type.

	ProcessedAt     *time.Time // When processing completed.
	ProcessingError string     `gorm:"type:text"` // Last processing error, if any.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`       // Last update timestamp.
}
