package models

import (
	"time"

	"gorm.io/datatypes"
)

// InstanceStatus represents the lifecycle state of a companion instance.
type InstanceStatus string

// InstanceStatus constants define the instance state machine.
const (
	// StatusPendingPayment marks an instance awaiting checkout completion.
	StatusPendingPayment InstanceStatus = "pending_payment"
	// StatusProvisioning marks an instance whose VM is being brought up.
	StatusProvisioning InstanceStatus = "provisioning"
	// StatusRunning marks an instance observed serving.
	StatusRunning InstanceStatus = "running"
	// StatusStopped marks an instance whose VM is stopped.
	StatusStopped InstanceStatus = "stopped"
	// StatusFailed marks a provisioning failure; retryable.
	StatusFailed InstanceStatus = "failed"
	// StatusPaymentFailed marks an instance whose invoice payment failed.
	StatusPaymentFailed InstanceStatus = "payment_failed"
	// StatusTerminated marks the terminal state; the VM is destroyed.
	StatusTerminated InstanceStatus = "terminated"
)

// Valid reports whether s is a known instance status.
func (s InstanceStatus) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusProvisioning, StatusRunning, StatusStopped,
		StatusFailed, StatusPaymentFailed, StatusTerminated:
		return true
	}
	return false
}

// ChannelKind identifies the messaging surface an instance is wired to.
type ChannelKind string

// ChannelKind constants define the supported messaging channels.
const (
	// ChannelTelegram wires the instance to a Telegram bot.
	ChannelTelegram ChannelKind = "telegram"
	// ChannelWhatsApp wires the instance to a WhatsApp business number.
	ChannelWhatsApp ChannelKind = "whatsapp"
	// ChannelTeams wires the instance to a Microsoft Teams app.
	ChannelTeams ChannelKind = "teams"
)

// Valid reports whether k is a known channel kind.
func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelTelegram, ChannelWhatsApp, ChannelTeams:
		return true
	}
	return false
}

// Instance represents one deployed companion bound to a user, a model
// provider, a messaging channel, and a compute resource.
//
// Presentation columns are snapshotted from the catalog template at creation
// so later catalog edits do not retroactively change a running companion.
type Instance struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index"`    // Owning user ID.
	User   User   `gorm:"foreignKey:UserID"` // Owning user record.

	TemplateID *uint64 `gorm:"index"` // Catalog template the instance was cloned from, if any.

	Status InstanceStatus `gorm:"type:text;not null;index"` // Current lifecycle status.

	ModelProvider string `gorm:"type:text;not null"` // LLM provider name.
	ModelName     string `gorm:"type:text;not null"` // Model identifier at the provider.
	APIKeyEnc     string `gorm:"type:text;not null"` // Vault-sealed provider API key.

	Channel          ChannelKind `gorm:"type:text;not null"`       // Messaging channel kind.
	ChannelKey       string      `gorm:"type:text;not null;index"` // Clear routing key (bot ID, phone-number ID, app ID).
	ChannelSecretEnc string      `gorm:"type:text;not null"`       // Vault-sealed channel credentials JSON.

	ComputeID     string `gorm:"type:text;index"`    // Compute resource ID; empty until launched.
	PublicAddress string `gorm:"type:text"`          // Observed public address; empty until reconciled.
	Region        string `gorm:"type:text;not null"` // Compute region.

	DisplayName string `gorm:"type:text;not null"` // Companion display name (snapshot).
	Role        string `gorm:"type:text"`          // Companion role (snapshot).
	Color       string `gorm:"type:text"`          // Companion accent color (snapshot).
	AvatarURL   string `gorm:"type:text"`          // Companion avatar URL (snapshot).

	GatewayToken string `gorm:"type:text;not null"` // Bearer credential for the instance's inference endpoint.

	CharacterFiles datatypes.JSONMap `gorm:"type:jsonb"` // Named persona documents embedded into the boot script.

	LastHealthCheck *time.Time // Last successful reconciliation probe.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`       // Last update timestamp.
}
