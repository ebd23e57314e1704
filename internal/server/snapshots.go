// Inventory snapshot store: append-only history of hardware/software/
// performance submissions per device.
package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/fleetrack/fleetrack/internal/models"
)

// snapshotHash fingerprints a submission for deduplication. An agent
// resubmitting an identical inventory (e.g. after a retry) acks against the
// existing snapshot instead of writing a new row.
func snapshotHash(sub *models.InventorySubmission) (string, error) {
	raw, err := json.Marshal(sub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// SubmitInventory persists a new immutable snapshot with its volumes and
// software in one transaction, and reconciles the device row from the
// submission's identity/os/hardware blocks. Returns the snapshot id and
// whether it was newly created.
func SubmitInventory(device *models.Device, sub *models.InventorySubmission) (string, bool, error) {
	hash, err := snapshotHash(sub)
	if err != nil {
		return "", false, err
	}

	var existing models.Snapshot
	err = DB.Where("device_id = ? AND snapshot_hash = ?", device.ID, hash).
		First(&existing).Error
	if err == nil {
		// Identical payload already recorded; still counts as contact.
		if err := touchDevice(DB, device.ID); err != nil {
			return "", false, err
		}
		return existing.ID, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, err
	}

	snapshotID := uuid.NewString()
	err = DB.Transaction(func(tx *gorm.DB) error {
		cpu := sub.Performance.CPUPercent
		memUsed := sub.Performance.MemoryUsedBytes
		memTotal := sub.Performance.MemoryTotalBytes
		boot := sub.Identity.BootTime

		snapshot := models.Snapshot{
			ID:                  snapshotID,
			DeviceID:            device.ID,
			CollectedAt:         sub.CollectedAt,
			AgentVersion:        sub.AgentVersion,
			SnapshotHash:        hash,
			CPUPercent:          &cpu,
			MemoryUsedBytes:     &memUsed,
			MemoryTotalBytes:    &memTotal,
			LastInteractiveUser: sub.Identity.LastInteractiveUser,
		}
		if !boot.IsZero() {
			snapshot.BootTime = &boot
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			return err
		}

		for i := range sub.Volumes {
			sub.Volumes[i].ID = uuid.NewString()
			sub.Volumes[i].SnapshotID = snapshotID
		}
		if len(sub.Volumes) > 0 {
			if err := tx.Create(sub.Volumes).Error; err != nil {
				return err
			}
		}

		for i := range sub.Software {
			sub.Software[i].ID = uuid.NewString()
			sub.Software[i].SnapshotID = snapshotID
		}
		if len(sub.Software) > 0 {
			if err := tx.Create(sub.Software).Error; err != nil {
				return err
			}
		}

		// The submission is the source of truth for the device's identity
		// and hardware fields.
		return tx.Model(&models.Device{}).Where("id = ?", device.ID).
			Updates(map[string]any{
				"hostname":      sub.Identity.Hostname,
				"domain":        sub.Identity.Domain,
				"manufacturer":  sub.Hardware.Manufacturer,
				"model":         sub.Hardware.Model,
				"serial_number": sub.Hardware.SerialNumber,
				"os_caption":    sub.OS.Caption,
				"os_version":    sub.OS.Version,
				"os_build":      sub.OS.BuildNumber,
				"agent_version": sub.AgentVersion,
				"last_seen":     time.Now().UTC(),
				"status":        models.DeviceStatusActive,
			}).Error
	})
	if err != nil {
		return "", false, err
	}

	log.Info().Str("component", "inventory").
		Str("device_id", device.ID).Str("snapshot_id", snapshotID).
		Int("volumes", len(sub.Volumes)).Int("software", len(sub.Software)).
		Msg("snapshot recorded")
	return snapshotID, true, nil
}

func handleSubmitInventory(c *gin.Context) {
	device := currentDevice(c)

	var sub models.InventorySubmission
	if err := c.ShouldBindJSON(&sub); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid inventory payload")
		return
	}

	snapshotID, _, err := SubmitInventory(device, &sub)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to record inventory")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "snapshot_id": snapshotID})
}

// LatestSnapshotSummary returns the summary of a device's most recent
// snapshot, or nil when no snapshot exists.
func LatestSnapshotSummary(deviceID string) (*models.SnapshotSummary, error) {
	var snapshot models.Snapshot
	err := DB.Where("device_id = ?", deviceID).
		Order("collected_at DESC").First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.SnapshotSummary{
		ID:               snapshot.ID,
		CollectedAt:      snapshot.CollectedAt,
		CPUPercent:       snapshot.CPUPercent,
		MemoryUsedBytes:  snapshot.MemoryUsedBytes,
		MemoryTotalBytes: snapshot.MemoryTotalBytes,
		BootTime:         snapshot.BootTime,
	}, nil
}

func handleListSnapshots(c *gin.Context) {
	deviceID := c.Param("device_id")
	if !deviceExists(deviceID) {
		errorJSON(c, http.StatusNotFound, "device not found")
		return
	}

	page, limit, offset := pageParams(c)

	var total int64
	if err := DB.Model(&models.Snapshot{}).Where("device_id = ?", deviceID).
		Count(&total).Error; err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to count snapshots")
		return
	}

	var snapshots []models.Snapshot
	err := DB.Where("device_id = ?", deviceID).
		Order("collected_at DESC").Limit(limit).Offset(offset).
		Find(&snapshots).Error
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to list snapshots")
		return
	}

	summaries := make([]models.SnapshotSummary, 0, len(snapshots))
	for _, s := range snapshots {
		summaries = append(summaries, models.SnapshotSummary{
			ID:               s.ID,
			CollectedAt:      s.CollectedAt,
			CPUPercent:       s.CPUPercent,
			MemoryUsedBytes:  s.MemoryUsedBytes,
			MemoryTotalBytes: s.MemoryTotalBytes,
			BootTime:         s.BootTime,
		})
	}
	paginated(c, "snapshots", summaries, total, page, limit)
}

// handleGetSnapshot returns one snapshot with volumes and software
// populated. A snapshot that belongs to a different device is reported as
// not found, never leaked.
func handleGetSnapshot(c *gin.Context) {
	deviceID := c.Param("device_id")
	snapshotID := c.Param("snapshot_id")

	var snapshot models.Snapshot
	err := DB.First(&snapshot, "id = ?", snapshotID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && snapshot.DeviceID != deviceID) {
		errorJSON(c, http.StatusNotFound, "snapshot not found")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "snapshot lookup failed")
		return
	}

	var volumes []models.Volume
	if err := DB.Where("snapshot_id = ?", snapshotID).Order("name ASC").
		Find(&volumes).Error; err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to load volumes")
		return
	}
	for i := range volumes {
		volumes[i].ComputeUsage()
	}

	var software []models.SoftwareItem
	if err := DB.Where("snapshot_id = ?", snapshotID).Order("name ASC").
		Find(&software).Error; err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to load software")
		return
	}

	snapshot.Volumes = volumes
	snapshot.Software = software
	c.JSON(http.StatusOK, snapshot)
}

func deviceExists(deviceID string) bool {
	var n int64
	DB.Model(&models.Device{}).Where("id = ?", deviceID).Count(&n)
	return n > 0
}
