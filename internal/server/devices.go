// Device registry: registration, heartbeat, listing, detail and deletion.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/fleetrack/fleetrack/internal/models"
)

// isOnline derives the online flag at read time from last_seen and the
// configured threshold. Never persisted, so it cannot go stale.
func isOnline(lastSeen time.Time) bool {
	return time.Since(lastSeen) < conf.OnlineThreshold
}

func uptimeHours(bootTime *time.Time) int {
	if bootTime == nil {
		return 0
	}
	return int(time.Since(*bootTime).Hours())
}

// RegisterDevice creates a device for an unknown hostname, or returns the
// existing identity for a known one. Idempotent: running an agent installer
// twice must not fork identities, and both calls yield the same
// (device_id, device_token) pair.
func RegisterDevice(reg *models.DeviceRegistration) (*models.Device, string, error) {
	now := time.Now().UTC()

	var device models.Device
	err := DB.Where("hostname = ?", reg.Hostname).First(&device).Error
	switch {
	case err == nil:
		// Known hostname: refresh liveness, keep the identity.
		if err := touchDevice(DB, device.ID); err != nil {
			return nil, "", err
		}
		return &device, deviceTokenFor(device.ID), nil

	case errors.Is(err, gorm.ErrRecordNotFound):
		device = models.Device{
			ID:           uuid.NewString(),
			Hostname:     reg.Hostname,
			OSVersion:    reg.OSVersion,
			AgentVersion: reg.AgentVersion,
			FirstSeen:    now,
			LastSeen:     now,
			Status:       models.DeviceStatusActive,
		}
		token := deviceTokenFor(device.ID)
		device.DeviceTokenHash = hashToken(token)
		device.TokenCreatedAt = now
		if err := DB.Create(&device).Error; err != nil {
			// A concurrent registration can win the hostname unique index
			// between our miss and the insert. Hand back the winner's
			// identity so both agents end up with the same credentials.
			var winner models.Device
			if ferr := DB.Where("hostname = ?", reg.Hostname).First(&winner).Error; ferr == nil {
				return &winner, deviceTokenFor(winner.ID), nil
			}
			return nil, "", err
		}
		log.Info().Str("component", "registry").
			Str("device_id", device.ID).Str("hostname", device.Hostname).
			Msg("device registered")
		return &device, token, nil

	default:
		return nil, "", err
	}
}

func handleRegisterDevice(c *gin.Context) {
	var reg models.DeviceRegistration
	if err := c.ShouldBindJSON(&reg); err != nil {
		errorJSON(c, http.StatusBadRequest, "hostname, os_version and agent_version are required")
		return
	}

	device, token, err := RegisterDevice(&reg)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "registration failed")
		return
	}

	c.JSON(http.StatusOK, models.DeviceRegistrationResponse{
		DeviceID:    device.ID,
		DeviceToken: token,
	})
}

// handleHeartbeat refreshes last_seen. The device is already authenticated;
// unknown ids never reach here (the middleware answers 202 reregister).
func handleHeartbeat(c *gin.Context) {
	device := currentDevice(c)
	if err := touchDevice(DB, device.ID); err != nil {
		errorJSON(c, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListDevices returns a device page with search and status filters applied.
// search matches hostname or OS caption case-insensitively; status is an
// exact match on the stored field, not the derived online flag.
func ListDevices(offset, limit int, search, status string) ([]models.Device, int64, error) {
	q := DB.Model(&models.Device{})
	if search != "" {
		pattern := "%" + search + "%"
		q = q.Where("hostname LIKE ? COLLATE NOCASE OR os_caption LIKE ? COLLATE NOCASE", pattern, pattern)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	devices := []models.Device{}
	err := q.Order("last_seen DESC").Limit(limit).Offset(offset).Find(&devices).Error
	return devices, total, err
}

func handleListDevices(c *gin.Context) {
	page, limit, offset := pageParams(c)
	search := c.Query("search")
	status := c.Query("status")

	devices, total, err := ListDevices(offset, limit, search, status)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to list devices")
		return
	}

	items := make([]models.DeviceListItem, 0, len(devices))
	for i := range devices {
		items = append(items, deviceListItem(&devices[i]))
	}
	paginated(c, "devices", items, total, page, limit)
}

// deviceListItem attaches the latest snapshot summary and the derived
// fields to a device row.
func deviceListItem(device *models.Device) models.DeviceListItem {
	latest, err := LatestSnapshotSummary(device.ID)
	if err != nil {
		log.Warn().Str("component", "registry").Err(err).
			Str("device_id", device.ID).Msg("latest snapshot lookup failed")
	}
	item := models.DeviceListItem{
		Device:         *device,
		LatestSnapshot: latest,
		IsOnline:       isOnline(device.LastSeen),
	}
	if latest != nil {
		item.UptimeHours = uptimeHours(latest.BootTime)
	}
	return item
}

func handleGetDevice(c *gin.Context) {
	var device models.Device
	err := DB.First(&device, "id = ?", c.Param("device_id")).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		errorJSON(c, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "device lookup failed")
		return
	}
	c.JSON(http.StatusOK, deviceListItem(&device))
}

func handleDeleteDevice(c *gin.Context) {
	deviceID := c.Param("device_id")

	var device models.Device
	err := DB.First(&device, "id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		errorJSON(c, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "device lookup failed")
		return
	}

	if err := deleteDeviceCascade(deviceID); err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to delete device")
		return
	}

	auditFromContext(c, "delete_device", &deviceID, gin.H{"hostname": device.Hostname})
	log.Info().Str("component", "registry").
		Str("device_id", deviceID).Str("hostname", device.Hostname).
		Msg("device deleted")

	c.JSON(http.StatusOK, gin.H{"success": true})
}
