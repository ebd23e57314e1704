// Command queue: per-device outbox with a bounded lifecycle.
//
//	queued → in_progress → completed | failed
//	queued | in_progress → expired (sweep, see sweeper.go)
//
// Every transition is a conditional update keyed on the current status, so
// concurrent claims, reports and sweeps can never clobber each other or
// resurrect a terminal command.
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

// ErrConflict marks an illegal command state transition.
var ErrConflict = errors.New("illegal command state transition")

// CreateCommand queues a command for a device.
func CreateCommand(deviceID string, req *models.CommandRequest) (*models.Command, error) {
	cmd := models.Command{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		CommandType: req.CommandType,
		Payload:     req.Payload,
		Status:      models.CommandStatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
	if err := DB.Create(&cmd).Error; err != nil {
		return nil, err
	}
	return &cmd, nil
}

func handleCreateCommand(c *gin.Context) {
	deviceID := c.Param("device_id")
	if !deviceExists(deviceID) {
		errorJSON(c, http.StatusNotFound, "device not found")
		return
	}

	var req models.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "command_type is required")
		return
	}
	if !models.ValidCommandType(req.CommandType) {
		errorJSON(c, http.StatusBadRequest, "unknown command type")
		return
	}

	cmd, err := CreateCommand(deviceID, &req)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to create command")
		return
	}

	auditFromContext(c, "create_command", &deviceID, gin.H{
		"command_id":   cmd.ID,
		"command_type": cmd.CommandType,
	})
	c.JSON(http.StatusCreated, cmd)
}

// ClaimNextCommand atomically hands the oldest queued command for a device
// to the caller, transitioning it to in_progress. At most one claimant can
// win a given command: the transition is a conditional update on
// status='queued' and losing the race means retrying against the next
// candidate. Returns nil when the outbox is empty.
func ClaimNextCommand(deviceID string) (*models.Command, error) {
	for {
		var cmd models.Command
		err := DB.Where("device_id = ? AND status = ?", deviceID, models.CommandStatusQueued).
			Order("created_at ASC").First(&cmd).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		res := DB.Model(&models.Command{}).
			Where("id = ? AND status = ?", cmd.ID, models.CommandStatusQueued).
			Updates(map[string]any{
				"status":       models.CommandStatusInProgress,
				"picked_up_at": now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			cmd.Status = models.CommandStatusInProgress
			cmd.PickedUpAt = &now
			return &cmd, nil
		}
		// Lost the race for this command; try the next queued one.
	}
}

func handlePollNextCommand(c *gin.Context) {
	device := currentDevice(c)

	cmd, err := ClaimNextCommand(device.ID)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to poll commands")
		return
	}
	if cmd == nil {
		// Empty outbox is the normal case, answered immediately.
		c.JSON(http.StatusOK, gin.H{"command": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"command": cmd})
}

// ReportCommand records the agent's terminal result. Only legal from
// in_progress; a report against any other state (including a command the
// sweep already expired) returns ErrConflict.
func ReportCommand(deviceID, commandID string, report *models.CommandReport) error {
	if report.Status != models.CommandStatusCompleted && report.Status != models.CommandStatusFailed {
		return ErrConflict
	}

	var cmd models.Command
	err := DB.Where("id = ? AND device_id = ?", commandID, deviceID).First(&cmd).Error
	if err != nil {
		return err
	}

	res := DB.Model(&models.Command{}).
		Where("id = ? AND status = ?", commandID, models.CommandStatusInProgress).
		Updates(map[string]any{
			"status":      report.Status,
			"executed_at": time.Now().UTC(),
			"result":      []byte(report.Result),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}

	log.Info().Str("component", "commands").
		Str("device_id", deviceID).Str("command_id", commandID).
		Str("status", string(report.Status)).Msg("command reported")
	return nil
}

func handleReportCommand(c *gin.Context) {
	device := currentDevice(c)
	commandID := c.Param("command_id")

	var report models.CommandReport
	if err := c.ShouldBindJSON(&report); err != nil {
		errorJSON(c, http.StatusBadRequest, "status is required")
		return
	}

	err := ReportCommand(device.ID, commandID, &report)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		errorJSON(c, http.StatusNotFound, "command not found")
	case errors.Is(err, ErrConflict):
		errorJSON(c, http.StatusConflict, "command is not in progress")
	case err != nil:
		errorJSON(c, http.StatusInternalServerError, "failed to record result")
	default:
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func handleListDeviceCommands(c *gin.Context) {
	deviceID := c.Param("device_id")
	if !deviceExists(deviceID) {
		errorJSON(c, http.StatusNotFound, "device not found")
		return
	}

	page, limit, offset := pageParams(c)
	status := c.Query("status")

	q := DB.Model(&models.Command{}).Where("device_id = ?", deviceID)
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to count commands")
		return
	}

	commands := []models.Command{}
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&commands).Error
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to list commands")
		return
	}
	paginated(c, "commands", commands, total, page, limit)
}
