// Package agent implements the Fleetrack endpoint agent: it registers with
// the server, heartbeats, submits inventory snapshots and polls the command
// outbox. System telemetry comes from gopsutil.
package agent

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/fleetrack/fleetrack/internal/models"
)

// Collector gathers the full inventory submission for this host.
type Collector struct{}

// NewCollector creates a ready-to-use Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Collect builds a complete InventorySubmission.
func (c *Collector) Collect() (*models.InventorySubmission, error) {
	sub := &models.InventorySubmission{
		CollectedAt:  time.Now().UTC(),
		AgentVersion: Version,
	}

	info, err := host.Info()
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}

	sub.Identity = models.Identity{
		Hostname: info.Hostname,
		BootTime: time.Unix(int64(info.BootTime), 0).UTC(),
	}
	if u, err := user.Current(); err == nil {
		sub.Identity.LastInteractiveUser = u.Username
	}

	sub.OS = models.OS{
		Caption:     osCaption(info),
		Version:     info.PlatformVersion,
		BuildNumber: info.KernelVersion,
	}
	if sub.OS.Version == "" {
		sub.OS.Version = runtime.GOOS
	}

	sub.Hardware = hardwareIdentity()

	// CPU over a short window; first call after boot can return nothing.
	if pcts, err := cpu.Percent(500*time.Millisecond, false); err == nil && len(pcts) > 0 {
		sub.Performance.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sub.Performance.MemoryUsedBytes = int64(vm.Used)
		sub.Performance.MemoryTotalBytes = int64(vm.Total)
	}

	sub.Volumes = collectVolumes()
	sub.Software = collectSoftware()
	return sub, nil
}

// OSVersion returns the descriptive OS string sent at registration.
func OSVersion() string {
	info, err := host.Info()
	if err != nil {
		return runtime.GOOS
	}
	return osCaption(info)
}

func osCaption(info *host.InfoStat) string {
	if info.Platform != "" {
		if info.PlatformVersion != "" {
			return fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
		}
		return info.Platform
	}
	return runtime.GOOS
}

// hardwareIdentity is best-effort: DMI data is only readable on some
// platforms without elevation.
func hardwareIdentity() models.Hardware {
	hw := models.Hardware{}
	if runtime.GOOS == "linux" {
		hw.Manufacturer = readDMI("sys_vendor")
		hw.Model = readDMI("product_name")
		hw.SerialNumber = readDMI("product_serial")
	}
	return hw
}

func readDMI(name string) string {
	data, err := os.ReadFile("/sys/class/dmi/id/" + name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func collectVolumes() []models.Volume {
	partitions, err := disk.Partitions(false)
	if err != nil {
		return nil
	}
	var volumes []models.Volume
	for _, p := range partitions {
		usage, err := disk.Usage(p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		volumes = append(volumes, models.Volume{
			Name:       p.Mountpoint,
			FileSystem: p.Fstype,
			TotalBytes: int64(usage.Total),
			FreeBytes:  int64(usage.Free),
		})
	}
	return volumes
}

// collectSoftware lists installed packages. Debian-family hosts are read
// from the dpkg status database, RPM-family hosts via the rpm query tool;
// other platforms return an empty list.
func collectSoftware() []models.SoftwareItem {
	if runtime.GOOS != "linux" {
		return nil
	}
	if items := parseDpkgStatus("/var/lib/dpkg/status"); items != nil {
		return items
	}
	return queryRPM()
}

// queryRPM shells out to rpm. Tab-separated so package names with spaces
// cannot occur (rpm forbids them) but versions and vendors parse cleanly.
func queryRPM() []models.SoftwareItem {
	out, err := exec.Command("rpm", "-qa", "--qf", "%{NAME}\t%{VERSION}-%{RELEASE}\t%{VENDOR}\n").Output()
	if err != nil {
		return nil
	}

	var items []models.SoftwareItem
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) != 3 || fields[0] == "" {
			continue
		}
		item := models.SoftwareItem{Name: fields[0], Version: fields[1]}
		if fields[2] != "(none)" {
			item.Publisher = fields[2]
		}
		items = append(items, item)
	}
	return items
}

// parseDpkgStatus extracts installed packages from a dpkg status file.
// Stanzas are blank-line separated; only "install ok installed" entries
// count.
func parseDpkgStatus(path string) []models.SoftwareItem {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var items []models.SoftwareItem
	for _, stanza := range strings.Split(string(data), "\n\n") {
		var item models.SoftwareItem
		installed := false
		for _, line := range strings.Split(stanza, "\n") {
			switch {
			case strings.HasPrefix(line, "Package: "):
				item.Name = strings.TrimPrefix(line, "Package: ")
			case strings.HasPrefix(line, "Version: "):
				item.Version = strings.TrimPrefix(line, "Version: ")
			case strings.HasPrefix(line, "Maintainer: "):
				item.Publisher = strings.TrimPrefix(line, "Maintainer: ")
			case strings.HasPrefix(line, "Installed-Size: "):
				if kb, err := strconv.ParseInt(strings.TrimPrefix(line, "Installed-Size: "), 10, 64); err == nil {
					item.SizeKB = &kb
				}
			case line == "Status: install ok installed":
				installed = true
			}
		}
		if installed && item.Name != "" {
			items = append(items, item)
		}
	}
	return items
}
