package models

import "time"

// BotTemplate represents a catalog companion definition users can deploy.
//
// Presentation fields are copied onto the Instance at creation time; editing
// a template never mutates existing instances.
type BotTemplate struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name      string `gorm:"type:text;not null"` // Companion display name.
	Role      string `gorm:"type:text"`          // Companion role description.
	Color     string `gorm:"type:text"`          // Accent color.
	AvatarURL string `gorm:"type:text"`          // Avatar URL.

	ModelProvider string `gorm:"type:text"` // Suggested LLM provider.
	ModelName     string `gorm:"type:text"` // Suggested model identifier.

	Free bool `gorm:"not null;default:false"` // Whether the template is the free clone product.

	IsEnabled bool `gorm:"not null;default:true"` // Whether the template is listed.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
