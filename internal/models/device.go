// Package models defines the GORM data models for Fleetrack.
package models

import "time"

// DeviceStatus is the stored lifecycle status of a device. It is independent
// of the derived online/offline flag: a device can be status=error while
// still checking in.
type DeviceStatus string

const (
	DeviceStatusActive   DeviceStatus = "active"
	DeviceStatusInactive DeviceStatus = "inactive"
	DeviceStatusOffline  DeviceStatus = "offline"
	DeviceStatusError    DeviceStatus = "error"
)

// Device is a managed endpoint known to the registry. Hostname uniquely
// resolves to at most one record: re-registration by the same hostname
// returns the existing identity instead of forking a duplicate.
type Device struct {
	ID       string `gorm:"primaryKey" json:"id"`
	Hostname string `gorm:"uniqueIndex;not null" json:"hostname"`
	Domain   string `json:"domain"`

	// Hardware identity, reconciled from the latest inventory submission.
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	SerialNumber string `json:"serial_number"`

	OSCaption string `gorm:"index" json:"os_caption"`
	OSVersion string `json:"os_version"`
	OSBuild   string `json:"os_build"`

	AgentVersion string `json:"agent_version"`

	FirstSeen time.Time    `json:"first_seen"`
	LastSeen  time.Time    `gorm:"index" json:"last_seen"`
	Status    DeviceStatus `gorm:"index;default:'active'" json:"status"`

	// DeviceTokenHash is the sha256 of the agent bearer token. The token
	// itself is returned exactly once, in the Register response.
	DeviceTokenHash string    `gorm:"index" json:"-"`
	TokenCreatedAt  time.Time `json:"token_created_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceListItem is the device DTO for list and detail views, carrying the
// read-time computed fields.
type DeviceListItem struct {
	Device
	LatestSnapshot *SnapshotSummary `json:"latest_snapshot,omitempty"`
	IsOnline       bool             `json:"is_online"`
	UptimeHours    int              `json:"uptime_hours,omitempty"`
}

// DeviceRegistration is the agent registration payload.
type DeviceRegistration struct {
	Hostname     string `json:"hostname" binding:"required,max=255"`
	OSVersion    string `json:"os_version" binding:"required,max=100"`
	AgentVersion string `json:"agent_version" binding:"required,max=100"`
}

// DeviceRegistrationResponse carries the device credentials back to the
// agent. DeviceToken is the only place the plaintext token ever appears.
type DeviceRegistrationResponse struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token"`
}
