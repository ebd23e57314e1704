package models

import (
	"encoding/json"
	"time"
)

// AuditLogEntry records one state-changing action. Append-only; never
// mutated or deleted.
type AuditLogEntry struct {
	ID        string          `gorm:"primaryKey" json:"id"`
	Timestamp time.Time       `gorm:"index" json:"timestamp"`
	UserID    *string         `gorm:"index" json:"user_id"`
	DeviceID  *string         `gorm:"index" json:"device_id"`
	Action    string          `gorm:"index" json:"action"`
	Details   json.RawMessage `json:"details"`
	IPAddress string          `json:"ip_address"`
	UserAgent string          `json:"user_agent"`
}

// TableName keeps the audit table name aligned with the API path.
func (AuditLogEntry) TableName() string { return "audit_logs" }

// AuditLogListItem joins the usernames/hostnames the dashboard displays.
type AuditLogListItem struct {
	AuditLogEntry
	Username *string `json:"username,omitempty"`
	Hostname *string `json:"hostname,omitempty"`
}
