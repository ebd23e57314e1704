// Package server implements the Fleetrack registry and command-bus service:
// the database layer, authentication, the REST API, the audit writer and
// the command expiry sweep.
package server

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fleetrack/fleetrack/internal/config"
	"github.com/fleetrack/fleetrack/internal/models"
)

var (
	// DB is the shared GORM handle, set once by Setup.
	DB *gorm.DB

	conf *config.Config
)

// Setup opens the database, runs AutoMigrate, bootstraps the admin account
// and wires the package configuration. Call this before NewRouter.
func Setup(cfg *config.Config) error {
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Device{},
		&models.Snapshot{},
		&models.Volume{},
		&models.SoftwareItem{},
		&models.Command{},
		&models.User{},
		&models.AuditLogEntry{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	DB = db
	conf = cfg

	if err := bootstrapAdmin(); err != nil {
		return fmt.Errorf("bootstrapping admin user: %w", err)
	}

	log.Info().Str("component", "db").Str("path", cfg.DBPath).Msg("database ready")
	return nil
}

// deleteDeviceCascade removes a device together with its snapshots (and
// their volumes/software) and commands, all in one transaction. Snapshots
// are immutable in normal operation; cascading device deletion is the only
// path that removes them.
func deleteDeviceCascade(deviceID string) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		snapIDs := tx.Model(&models.Snapshot{}).
			Select("id").Where("device_id = ?", deviceID)

		if err := tx.Where("snapshot_id IN (?)", snapIDs).
			Delete(&models.SoftwareItem{}).Error; err != nil {
			return err
		}
		if err := tx.Where("snapshot_id IN (?)", snapIDs).
			Delete(&models.Volume{}).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", deviceID).
			Delete(&models.Snapshot{}).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", deviceID).
			Delete(&models.Command{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Device{}, "id = ?", deviceID).Error
	})
}

// touchDevice refreshes last_seen and marks the device active. Every
// heartbeat and inventory submission goes through here.
func touchDevice(tx *gorm.DB, deviceID string) error {
	return tx.Model(&models.Device{}).Where("id = ?", deviceID).
		Updates(map[string]any{
			"last_seen": time.Now().UTC(),
			"status":    models.DeviceStatusActive,
		}).Error
}
