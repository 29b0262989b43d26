package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/companionlabs/companiond/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertSubscription creates or refreshes the mirror row for an external
// subscription, keyed by the processor's subscription ID.
func (l *Ledger) UpsertSubscription(ctx context.Context, userID uint64, externalID, status string, periodEnd *time.Time) error {
	row := models.Subscription{
		UserID:           userID,
		ExternalID:       externalID,
		Status:           status,
		CurrentPeriodEnd: periodEnd,
	}
	errUpsert := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "current_period_end", "updated_at"}),
	}).Create(&row).Error
	if errUpsert != nil {
		return fmt.Errorf("ledger: upsert subscription: %w", errUpsert)
	}
	return nil
}

// SubscriptionByExternalID loads a subscription mirror row.
func (l *Ledger) SubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	var row models.Subscription
	errFind := l.db.WithContext(ctx).Where("external_id = ?", externalID).First(&row).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("ledger: lookup subscription: %w", errFind)
	}
	return &row, nil
}

// MarkSubscriptionCanceled flips a subscription mirror row to canceled.
func (l *Ledger) MarkSubscriptionCanceled(ctx context.Context, externalID string) error {
	result := l.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("external_id = ?", externalID).
		Update("status", models.SubscriptionStatusCanceled)
	if result.Error != nil {
		return fmt.Errorf("ledger: cancel subscription: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestSubscription returns the most recent subscription row for a user;
// only the newest row is authoritative for display.
func (l *Ledger) LatestSubscription(ctx context.Context, userID uint64) (*models.Subscription, error) {
	var row models.Subscription
	errFind := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("ledger: latest subscription: %w", errFind)
	}
	return &row, nil
}
