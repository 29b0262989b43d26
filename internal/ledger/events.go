package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/companionlabs/companiond/internal/models"
	"gorm.io/gorm/clause"
)

// BeginWebhookEvent records an inbound provider event and reports whether
// this delivery needs processing. The first delivery is always processed;
// a redelivery is skipped only when an earlier delivery finished cleanly,
// so a failed attempt is retried instead of being swallowed by dedup.
func (l *Ledger) BeginWebhookEvent(ctx context.Context, externalID, eventType string) (bool, error) {
	row := models.WebhookEvent{ExternalID: externalID, EventType: eventType}
	result := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return false, fmt.Errorf("ledger: record webhook event: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	var existing models.WebhookEvent
	errFind := l.db.WithContext(ctx).
		Where("external_id = ?", externalID).
		First(&existing).Error
	if errFind != nil {
		return false, fmt.Errorf("ledger: load webhook event: %w", errFind)
	}
	processedCleanly := existing.ProcessedAt != nil && existing.ProcessingError == ""
	return !processedCleanly, nil
}

// FinishWebhookEvent records the processing outcome for an event. A nil
// processingErr clears any error left by a previous failed delivery.
func (l *Ledger) FinishWebhookEvent(ctx context.Context, externalID string, processingErr error) error {
	updates := map[string]any{
		"processed_at":     time.Now().UTC(),
		"processing_error": "",
	}
	if processingErr != nil {
		updates["processing_error"] = processingErr.Error()
	}
	errUpdate := l.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("external_id = ?", externalID).
		Updates(updates).Error
	if errUpdate != nil {
		return fmt.Errorf("ledger: finish webhook event: %w", errUpdate)
	}
	return nil
}
