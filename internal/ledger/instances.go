package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/companionlabs/companiond/internal/models"
	"gorm.io/gorm"
)

// activeCloneStatuses are the statuses that count toward the one-free-clone
// limit.
var activeCloneStatuses = []models.InstanceStatus{models.StatusProvisioning, models.StatusRunning}

// CreateInstance inserts a new instance row.
func (l *Ledger) CreateInstance(ctx context.Context, instance *models.Instance) error {
	if errCreate := l.db.WithContext(ctx).Create(instance).Error; errCreate != nil {
		return fmt.Errorf("ledger: create instance: %w", errCreate)
	}
	return nil
}

// InstanceForUser loads an instance scoped by both instance and owning user
// ID. A row owned by someone else reads as ErrNotFound.
func (l *Ledger) InstanceForUser(ctx context.Context, userID, instanceID uint64) (*models.Instance, error) {
	var instance models.Instance
	errFind := l.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", instanceID, userID).
		First(&instance).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("ledger: lookup instance: %w", errFind)
	}
	return &instance, nil
}

// InstancesForUser returns all of a user's instances, newest first.
func (l *Ledger) InstancesForUser(ctx context.Context, userID uint64) ([]models.Instance, error) {
	var rows []models.Instance
	errFind := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("ledger: list instances: %w", errFind)
	}
	return rows, nil
}

// InstancesByStatus returns a user's instances currently in any of the given
// statuses.
func (l *Ledger) InstancesByStatus(ctx context.Context, userID uint64, statuses ...models.InstanceStatus) ([]models.Instance, error) {
	var rows []models.Instance
	errFind := l.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, statuses).
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("ledger: list instances by status: %w", errFind)
	}
	return rows, nil
}

// HasActiveClone reports whether the user already has a provisioning or
// running instance of the given template. This is a best-effort pre-create
// check; two concurrent creates can both pass it.
func (l *Ledger) HasActiveClone(ctx context.Context, userID, templateID uint64) (bool, error) {
	var count int64
	errCount := l.db.WithContext(ctx).Model(&models.Instance{}).
		Where("user_id = ? AND template_id = ? AND status IN ?", userID, templateID, activeCloneStatuses).
		Count(&count).Error
	if errCount != nil {
		return false, fmt.Errorf("ledger: count clones: %w", errCount)
	}
	return count > 0, nil
}

// UpdateStatusForUser replaces an instance's status, scoped by instance and
// owning user ID. The scoping doubles as the authorization check.
func (l *Ledger) UpdateStatusForUser(ctx context.Context, userID, instanceID uint64, status models.InstanceStatus) error {
	result := l.db.WithContext(ctx).Model(&models.Instance{}).
		Where("id = ? AND user_id = ?", instanceID, userID).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("ledger: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus replaces an instance's status scoped by instance ID only;
// used by webhook-driven paths that have already resolved ownership.
func (l *Ledger) UpdateStatus(ctx context.Context, instanceID uint64, status models.InstanceStatus) error {
	result := l.db.WithContext(ctx).Model(&models.Instance{}).
		Where("id = ?", instanceID).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("ledger: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatusIf replaces an instance's status only when the current status
// matches one of from. It reports whether a row transitioned; false with a
// nil error means another writer got there first.
func (l *Ledger) UpdateStatusIf(ctx context.Context, instanceID uint64, to models.InstanceStatus, from ...models.InstanceStatus) (bool, error) {
	result := l.db.WithContext(ctx).Model(&models.Instance{}).
		Where("id = ? AND status IN ?", instanceID, from).
		Update("status", to)
	if result.Error != nil {
		return false, fmt.Errorf("ledger: conditional status update: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// SetComputeResource records the compute resource backing an instance.
func (l *Ledger) SetComputeResource(ctx context.Context, instanceID uint64, computeID string) error {
	result := l.db.WithContext(ctx).Model(&models.Instance{}).
		Where("id = ?", instanceID).
		Update("compute_id", computeID)
	if result.Error != nil {
		return fmt.Errorf("ledger: set compute resource: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordObserved folds reconciliation results into the ledger. Address and
// the health-check timestamp are written unconditionally; the observed
// status only lands while the row is still provisioning or running, so a
// reconcile pass racing a terminate or stop never rolls the status back.
func (l *Ledger) RecordObserved(ctx context.Context, instanceID uint64, address string, status models.InstanceStatus, observedAt time.Time) error {
	updates := map[string]any{
		"last_health_check": observedAt,
	}
	if address != "" {
		updates["public_address"] = address
	}
	result := l.db.WithContext(ctx).Model(&models.Instance{}).
		Where("id = ?", instanceID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("ledger: record observed state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	if status == "" {
		return nil
	}
	errStatus := l.db.WithContext(ctx).Model(&models.Instance{}).
		Where("id = ? AND status IN ?", instanceID,
			[]models.InstanceStatus{models.StatusProvisioning, models.StatusRunning}).
		Update("status", status).Error
	if errStatus != nil {
		return fmt.Errorf("ledger: record observed status: %w", errStatus)
	}
	return nil
}

// ReplaceCredential swaps the sealed API key and compute resource after a
// rotation, resets status to provisioning, and clears the stale address.
func (l *Ledger) ReplaceCredential(ctx context.Context, instanceID uint64, apiKeyEnc, computeID string) error {
	result := l.db.WithContext(ctx).Model(&models.Instance{}).
		Where("id = ?", instanceID).
		Updates(map[string]any{
			"api_key_enc":    apiKeyEnc,
			"compute_id":     computeID,
			"status":         models.StatusProvisioning,
			"public_address": "",
		})
	if result.Error != nil {
		return fmt.Errorf("ledger: replace credential: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// InstanceByChannelKey resolves the single instance wired to a channel
// routing key that is currently able to serve (running or provisioning).
func (l *Ledger) InstanceByChannelKey(ctx context.Context, kind models.ChannelKind, key string) (*models.Instance, error) {
	var instance models.Instance
	errFind := l.db.WithContext(ctx).
		Where("channel = ? AND channel_key = ? AND status IN ?", kind, key,
			[]models.InstanceStatus{models.StatusRunning, models.StatusProvisioning}).
		First(&instance).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("ledger: lookup instance by channel key: %w", errFind)
	}
	return &instance, nil
}

// ReconcilableForUser returns the user's instances eligible for
// reconciliation: a compute resource exists and the ledger believes they
// are provisioning or running.
func (l *Ledger) ReconcilableForUser(ctx context.Context, userID uint64) ([]models.Instance, error) {
	var rows []models.Instance
	errFind := l.db.WithContext(ctx).
		Where("user_id = ? AND compute_id <> '' AND status IN ?", userID,
			[]models.InstanceStatus{models.StatusProvisioning, models.StatusRunning}).
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("ledger: list reconcilable instances: %w", errFind)
	}
	return rows, nil
}

// StuckProvisioning returns instances that have sat in provisioning with no
// compute resource since before cutoff. These are crash leftovers from the
// window between row insert and launch.
func (l *Ledger) StuckProvisioning(ctx context.Context, userID uint64, cutoff time.Time) ([]models.Instance, error) {
	var rows []models.Instance
	errFind := l.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND compute_id = '' AND created_at < ?",
			userID, models.StatusProvisioning, cutoff).
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("ledger: list stuck instances: %w", errFind)
	}
	return rows, nil
}
