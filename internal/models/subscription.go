package models

import "time"

// SubscriptionStatus constants mirror the payment processor's states.
const (
	// SubscriptionStatusActive marks a live subscription.
	SubscriptionStatusActive = "active"
	// SubscriptionStatusCanceled marks a canceled subscription.
	SubscriptionStatusCanceled = "canceled"
)

// Subscription mirrors a payment-processor subscription object.
//
// A user may accumulate several rows over time (a second checkout creates a
// second subscription); only the most recent row is authoritative for
// display purposes.
type Subscription struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index"`    // Owning user ID.
	User   User   `gorm:"foreignKey:UserID"` // Owning user record.

	ExternalID string `gorm:"type:text;not null;uniqueIndex"` // Payment-processor subscription ID.
	Status     string `gorm:"type:text;not null;index"`       // active or canceled.

	CurrentPeriodEnd *time.Time // End of the current billing period.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
