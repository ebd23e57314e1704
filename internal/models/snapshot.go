package models

import "time"

// Snapshot is one point-in-time inventory submission from an agent.
// Immutable once persisted; the device's "latest" snapshot is the one with
// the greatest collected_at.
type Snapshot struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	DeviceID     string    `gorm:"index;not null" json:"device_id"`
	CollectedAt  time.Time `gorm:"index" json:"collected_at"`
	AgentVersion string    `json:"agent_version"`

	// SnapshotHash deduplicates identical resubmissions (sha256 of the
	// whole payload).
	SnapshotHash string `gorm:"index" json:"snapshot_hash"`

	CPUPercent          *float64   `json:"cpu_percent"`
	MemoryUsedBytes     *int64     `json:"memory_used_bytes"`
	MemoryTotalBytes    *int64     `json:"memory_total_bytes"`
	BootTime            *time.Time `json:"boot_time"`
	LastInteractiveUser string     `json:"last_interactive_user"`

	CreatedAt time.Time `json:"created_at"`

	// Children, loaded on full fetch only.
	Volumes  []Volume       `gorm:"-" json:"volumes,omitempty"`
	Software []SoftwareItem `gorm:"-" json:"software,omitempty"`
}

// SnapshotSummary is the cheap projection used by device list/detail headers
// and the snapshot listing.
type SnapshotSummary struct {
	ID               string     `json:"id"`
	CollectedAt      time.Time  `json:"collected_at"`
	CPUPercent       *float64   `json:"cpu_percent"`
	MemoryUsedBytes  *int64     `json:"memory_used_bytes"`
	MemoryTotalBytes *int64     `json:"memory_total_bytes"`
	BootTime         *time.Time `json:"boot_time"`
}

// Volume belongs to exactly one snapshot.
type Volume struct {
	ID         string `gorm:"primaryKey" json:"id,omitempty"`
	SnapshotID string `gorm:"index;not null" json:"snapshot_id,omitempty"`
	Name       string `json:"name" binding:"required"`
	FileSystem string `json:"filesystem"`
	TotalBytes int64  `json:"total_bytes"`
	FreeBytes  int64  `json:"free_bytes"`

	// Computed on read, never stored.
	UsedBytes   int64   `gorm:"-" json:"used_bytes,omitempty"`
	UsedPercent float64 `gorm:"-" json:"used_percent,omitempty"`
}

// ComputeUsage fills the derived usage fields from the stored totals.
func (v *Volume) ComputeUsage() {
	v.UsedBytes = v.TotalBytes - v.FreeBytes
	if v.TotalBytes > 0 {
		v.UsedPercent = float64(v.UsedBytes) / float64(v.TotalBytes) * 100.0
	} else {
		v.UsedPercent = 0
	}
}

// SoftwareItem is one installed-software entry inside a snapshot.
type SoftwareItem struct {
	ID          string     `gorm:"primaryKey" json:"id,omitempty"`
	SnapshotID  string     `gorm:"index;not null" json:"snapshot_id,omitempty"`
	Name        string     `gorm:"index" json:"name" binding:"required"`
	Version     string     `json:"version"`
	Publisher   string     `gorm:"index" json:"publisher"`
	InstallDate *time.Time `json:"install_date"`
	SizeKB      *int64     `json:"size_kb"`
}

// SoftwareCatalogItem is the derived catalog aggregate: software grouped by
// (name, version, publisher) across every device's latest snapshot.
type SoftwareCatalogItem struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Publisher   string    `json:"publisher"`
	DeviceCount int       `json:"device_count"`
	LatestSeen  time.Time `json:"latest_seen"`
}

// InventorySubmission is the complete agent inventory payload.
type InventorySubmission struct {
	Identity     Identity       `json:"identity" binding:"required"`
	OS           OS             `json:"os" binding:"required"`
	Hardware     Hardware       `json:"hardware"`
	Performance  Performance    `json:"performance"`
	Volumes      []Volume       `json:"volumes"`
	Software     []SoftwareItem `json:"software"`
	CollectedAt  time.Time      `json:"collected_at" binding:"required"`
	AgentVersion string         `json:"agent_version" binding:"required"`
}

// Identity is the system identity block of a submission.
type Identity struct {
	Hostname            string    `json:"hostname" binding:"required,max=255"`
	Domain              string    `json:"domain"`
	LastInteractiveUser string    `json:"last_interactive_user"`
	BootTime            time.Time `json:"boot_time"`
}

// OS is the operating-system block of a submission.
type OS struct {
	Caption     string    `json:"caption" binding:"required,max=255"`
	Version     string    `json:"version" binding:"required,max=100"`
	BuildNumber string    `json:"build_number"`
	InstallDate time.Time `json:"install_date"`
}

// Hardware is the hardware-identity block of a submission.
type Hardware struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	SerialNumber string `json:"serial_number"`
}

// Performance is the point-in-time performance block of a submission.
type Performance struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryUsedBytes  int64   `json:"memory_used_bytes"`
	MemoryTotalBytes int64   `json:"memory_total_bytes"`
}
