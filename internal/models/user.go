package models

import "time"

// User represents an end-user account stored in the database.
//
// Users are created lazily on the first authenticated write: the identity
// provider hands us a verified email or phone, and whichever one the request
// carries is the lookup key. A user row is never deleted by this service.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	// Lookup keys are nullable so two email-only users never collide on an
	// empty phone value under the unique index.
	Email *string `gorm:"type:text;uniqueIndex"` // Verified email lookup key.
	Phone *string `gorm:"type:text;uniqueIndex"` // Verified phone lookup key.

	DisplayName string `gorm:"type:text"` // Display name.
	AvatarURL   string `gorm:"type:text"` // Profile avatar URL.
	Bio         string `gorm:"type:text"` // Profile bio.

	BillingCustomerID string `gorm:"type:text;index"` // Linked payment-processor customer ID.

	Instances     []Instance     `gorm:"foreignKey:UserID"` // Owned instances.
	Subscriptions []Subscription `gorm:"foreignKey:UserID"` // Owned subscriptions.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// EmailAddress returns the email lookup key, or "" when the account was
// created from a phone identity.
func (u *User) EmailAddress() string {
	if u.Email == nil {
		return ""
	}
	return *u.Email
}

// PhoneNumber returns the phone lookup key, or "" when the account was
// created from an email identity.
func (u *User) PhoneNumber() string {
	if u.Phone == nil {
		return ""
	}
	return *u.Phone
}
