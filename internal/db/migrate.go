package db

import (
	"fmt"

	"github.com/companionlabs/companiond/internal/models"
	internalsettings "github.com/companionlabs/companiond/internal/settings"
	"gorm.io/gorm"
)

// Migrate runs database migrations and seeds default settings.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errAutoMigrate := conn.AutoMigrate(
		&models.User{},
		&models.BotTemplate{},
		&models.Instance{},
		&models.Subscription{},
		&models.WebhookEvent{},
		&models.Setting{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	return seedDefaultSettings(conn)
}

// seedDefaultSettings inserts missing settings rows with their defaults so
// operators can discover and edit every knob in one place.
func seedDefaultSettings(conn *gorm.DB) error {
	defaults := map[string]string{
		internalsettings.RateLimitKey:             fmt.Sprintf("%d", internalsettings.DefaultRateLimit),
		internalsettings.RateLimitRedisEnabledKey: "false",
		internalsettings.RateLimitRedisAddrKey:    "",
		internalsettings.RateLimitRedisPrefixKey:  internalsettings.DefaultRateLimitRedisPrefix,
		internalsettings.ReconcileGraceSecondsKey: fmt.Sprintf("%d", internalsettings.DefaultReconcileGraceSeconds),
	}
	for key, value := range defaults {
		var count int64
		if errCount := conn.Model(&models.Setting{}).Where("key = ?", key).Count(&count).Error; errCount != nil {
			return fmt.Errorf("db: seed settings: %w", errCount)
		}
		if count > 0 {
			continue
		}
		if errCreate := conn.Create(&models.Setting{Key: key, Value: value}).Error; errCreate != nil {
			return fmt.Errorf("db: seed setting %s: %w", key, errCreate)
		}
	}
	return nil
}
