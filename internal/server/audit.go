// Append-only audit log with a fire-and-forget writer. Appending never
// blocks or fails the operation that triggered it: entries go through a
// buffered channel to a single writer goroutine, and a full buffer drops
// the entry.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetrack/fleetrack/internal/models"
)

const auditBufferSize = 256

var auditCh chan *models.AuditLogEntry

// StartAuditWriter launches the background writer. Call after Setup;
// returns a function that drains and stops the writer.
func StartAuditWriter() (stop func()) {
	auditCh = make(chan *models.AuditLogEntry, auditBufferSize)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range auditCh {
			if err := DB.Create(entry).Error; err != nil {
				log.Error().Str("component", "audit").Err(err).
					Str("action", entry.Action).Msg("audit write failed")
			}
		}
	}()

	return func() {
		close(auditCh)
		<-done
		auditCh = nil
	}
}

// auditAppend enqueues an entry, filling id/timestamp. Best-effort: when
// the writer is not running or the buffer is full the entry is dropped.
func auditAppend(entry *models.AuditLogEntry) {
	entry.ID = uuid.NewString()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	if auditCh == nil {
		// No writer (e.g. early startup): write inline, still best-effort.
		if err := DB.Create(entry).Error; err != nil {
			log.Error().Str("component", "audit").Err(err).
				Str("action", entry.Action).Msg("audit write failed")
		}
		return
	}

	select {
	case auditCh <- entry:
	default:
		log.Warn().Str("component", "audit").
			Str("action", entry.Action).Msg("audit buffer full, entry dropped")
	}
}

// auditFromContext records an admin action with the acting user and client
// info taken from the request context.
func auditFromContext(c *gin.Context, action string, deviceID *string, details any) {
	entry := &models.AuditLogEntry{
		DeviceID:  deviceID,
		Action:    action,
		Details:   jsonDetails(details),
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
	if claims := currentClaims(c); claims != nil {
		entry.UserID = &claims.UserID
	}
	auditAppend(entry)
}

func jsonDetails(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// QueryAuditLogs returns a filtered, timestamp-descending page of audit
// entries with usernames and hostnames joined in.
func QueryAuditLogs(offset, limit int, action, userID, deviceID string, start, end *time.Time) ([]models.AuditLogListItem, int64, error) {
	q := DB.Model(&models.AuditLogEntry{})
	if action != "" {
		q = q.Where("audit_logs.action = ?", action)
	}
	if userID != "" {
		q = q.Where("audit_logs.user_id = ?", userID)
	}
	if deviceID != "" {
		q = q.Where("audit_logs.device_id = ?", deviceID)
	}
	if start != nil {
		q = q.Where("audit_logs.timestamp >= ?", *start)
	}
	if end != nil {
		q = q.Where("audit_logs.timestamp <= ?", *end)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	items := []models.AuditLogListItem{}
	err := q.Select("audit_logs.*, users.username AS username, devices.hostname AS hostname").
		Joins("LEFT JOIN users ON audit_logs.user_id = users.id").
		Joins("LEFT JOIN devices ON audit_logs.device_id = devices.id").
		Order("audit_logs.timestamp DESC").
		Limit(limit).Offset(offset).
		Scan(&items).Error
	return items, total, err
}

func handleListAuditLogs(c *gin.Context) {
	page, limit, offset := pageParams(c)

	var start, end *time.Time
	if s := c.Query("start_date"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			errorJSON(c, http.StatusBadRequest, "start_date must be RFC3339")
			return
		}
		start = &t
	}
	if s := c.Query("end_date"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			errorJSON(c, http.StatusBadRequest, "end_date must be RFC3339")
			return
		}
		end = &t
	}

	items, total, err := QueryAuditLogs(offset, limit,
		c.Query("action"), c.Query("user_id"), c.Query("device_id"), start, end)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "failed to query audit logs")
		return
	}
	paginated(c, "audit_logs", items, total, page, limit)
}
