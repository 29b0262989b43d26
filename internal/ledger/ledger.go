// Package ledger is the authoritative relational record of users,
// instances, and subscriptions. Every write is a narrow, purpose-specific
// update so concurrent writers touch disjoint columns; a "no rows matched"
// outcome is reported as ErrNotFound, distinct from a database error.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/companionlabs/companiond/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound indicates no row matched the scoped predicate. User-scoped
// calls return it both for missing rows and rows owned by someone else, so
// callers cannot distinguish the two.
var ErrNotFound = errors.New("ledger: not found")

// Ledger provides scoped reads and writes over the relational store.
type Ledger struct {
	db *gorm.DB
}

// New constructs a Ledger over the given database handle.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// GetOrCreateUserByEmail finds a user by verified email, creating the row on
// first contact.
func (l *Ledger) GetOrCreateUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return l.getOrCreateUser(ctx, "email", email)
}

// GetOrCreateUserByPhone finds a user by verified phone, creating the row on
// first contact.
func (l *Ledger) GetOrCreateUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	return l.getOrCreateUser(ctx, "phone", phone)
}

func (l *Ledger) getOrCreateUser(ctx context.Context, column, value string) (*models.User, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("ledger: empty %s lookup key", column)
	}
	var user models.User
	errFind := l.db.WithContext(ctx).Where(column+" = ?", value).First(&user).Error
	if errFind == nil {
		return &user, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("ledger: lookup user: %w", errFind)
	}

	switch column {
	case "email":
		user = models.User{Email: &value}
	default:
		user = models.User{Phone: &value}
	}
	errCreate := l.db.WithContext(ctx).Create(&user).Error
	if errCreate == nil {
		return &user, nil
	}
	// A concurrent first write may have created the row; re-read before
	// reporting failure.
	if errRetry := l.db.WithContext(ctx).Where(column+" = ?", value).First(&user).Error; errRetry == nil {
		return &user, nil
	}
	return nil, fmt.Errorf("ledger: create user: %w", errCreate)
}

// UserByBillingCustomer finds the user linked to a payment-processor
// customer ID.
func (l *Ledger) UserByBillingCustomer(ctx context.Context, customerID string) (*models.User, error) {
	var user models.User
	errFind := l.db.WithContext(ctx).Where("billing_customer_id = ?", customerID).First(&user).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("ledger: lookup user by customer: %w", errFind)
	}
	return &user, nil
}

// UserByID loads a user row.
func (l *Ledger) UserByID(ctx context.Context, userID uint64) (*models.User, error) {
	var user models.User
	errFind := l.db.WithContext(ctx).First(&user, userID).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("ledger: lookup user: %w", errFind)
	}
	return &user, nil
}

// SetBillingCustomer links a payment-processor customer ID to a user.
func (l *Ledger) SetBillingCustomer(ctx context.Context, userID uint64, customerID string) error {
	result := l.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("billing_customer_id", customerID)
	if result.Error != nil {
		return fmt.Errorf("ledger: set billing customer: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ProfilePatch carries the mutable profile fields; nil fields are left
// untouched.
type ProfilePatch struct {
	DisplayName *string
	AvatarURL   *string
	Bio         *string
}

// UpdateProfile patches a user's profile. Only name, avatar, and bio are
// mutable through this path.
func (l *Ledger) UpdateProfile(ctx context.Context, userID uint64, patch ProfilePatch) error {
	updates := map[string]any{}
	if patch.DisplayName != nil {
		updates["display_name"] = *patch.DisplayName
	}
	if patch.AvatarURL != nil {
		updates["avatar_url"] = *patch.AvatarURL
	}
	if patch.Bio != nil {
		updates["bio"] = *patch.Bio
	}
	if len(updates) == 0 {
		return nil
	}
	result := l.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("ledger: update profile: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TemplateByID loads an enabled catalog template.
func (l *Ledger) TemplateByID(ctx context.Context, templateID uint64) (*models.BotTemplate, error) {
	var template models.BotTemplate
	errFind := l.db.WithContext(ctx).Where("is_enabled = ?", true).First(&template, templateID).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("ledger: lookup template: %w", errFind)
	}
	return &template, nil
}

// ListTemplates returns all enabled catalog templates.
func (l *Ledger) ListTemplates(ctx context.Context) ([]models.BotTemplate, error) {
	var rows []models.BotTemplate
	errFind := l.db.WithContext(ctx).Where("is_enabled = ?", true).Order("id ASC").Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("ledger: list templates: %w", errFind)
	}
	return rows, nil
}
