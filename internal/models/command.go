package models

import (
	"encoding/json"
	"time"
)

// CommandStatus is a command's position in its lifecycle.
//
//	queued → in_progress → completed | failed
//	queued | in_progress → expired (sweep)
//
// completed, failed and expired are terminal; no transition leaves them.
type CommandStatus string

const (
	CommandStatusQueued     CommandStatus = "queued"
	CommandStatusInProgress CommandStatus = "in_progress"
	CommandStatusCompleted  CommandStatus = "completed"
	CommandStatusFailed     CommandStatus = "failed"
	CommandStatusExpired    CommandStatus = "expired"
)

// IsTerminal reports whether no further transition is allowed.
func (s CommandStatus) IsTerminal() bool {
	return s == CommandStatusCompleted || s == CommandStatusFailed || s == CommandStatusExpired
}

// CommandType is the closed enum of dispatchable commands.
type CommandType string

const (
	CommandTypeRefreshNow CommandType = "refresh_now"
)

// ValidCommandType reports whether t is a known command type.
func ValidCommandType(t CommandType) bool {
	return t == CommandTypeRefreshNow
}

// Command is an admin-issued instruction queued for asynchronous pickup by
// a device's agent.
type Command struct {
	ID          string          `gorm:"primaryKey" json:"id"`
	DeviceID    string          `gorm:"index;not null" json:"device_id"`
	CommandType CommandType     `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      CommandStatus   `gorm:"index;default:'queued'" json:"status"`
	CreatedAt   time.Time       `gorm:"index" json:"created_at"`
	PickedUpAt  *time.Time      `json:"picked_up_at,omitempty"`
	ExecutedAt  *time.Time      `json:"executed_at,omitempty"`
	Result      json.RawMessage `json:"result"`
}

// CommandRequest is the admin command-creation payload.
type CommandRequest struct {
	CommandType CommandType     `json:"command_type" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
}

// CommandReport is the agent's terminal report for a claimed command.
type CommandReport struct {
	Status CommandStatus   `json:"status" binding:"required"`
	Result json.RawMessage `json:"result"`
}
