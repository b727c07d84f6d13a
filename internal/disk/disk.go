// Package disk models block devices and answers the device questions the
// backup and restore workflows ask: what backs a mount point, what UUID a
// filesystem carries, how a disk is partitioned, and whether a restore
// target is safe to touch.
package disk

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dell/csi-baremetal/pkg/base/linuxutils/lsblk"
	gopsdisk "github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"

	"github.com/stickops/bootstick/internal/run"
)

// Partition is one entry of a device's partition table as reported by lsblk.
type Partition struct {
	Name      string
	Path      string
	Fstype    string
	Label     string
	SizeBytes int64
	Number    int
}

// SystemDisk is a whole physical disk, for target validation and operator
// display.
type SystemDisk struct {
	Name      string
	Path      string
	Type      string
	SizeBytes int64
}

type lsblkDevice struct {
	Name     string        `json:"name"`
	Path     string        `json:"path"`
	Fstype   string        `json:"fstype"`
	Label    string        `json:"label"`
	Size     int64         `json:"size"`
	Type     string        `json:"type"`
	Children []lsblkDevice `json:"children,omitempty"`
}

type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

// CurrentMounts returns mountpoint -> source device for every mounted
// filesystem.
func CurrentMounts() (map[string]string, error) {
	parts, err := gopsdisk.Partitions(true)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}
	mounts := make(map[string]string, len(parts))
	for _, p := range parts {
		mounts[p.Mountpoint] = p.Device
	}
	return mounts, nil
}

// MountedDevice resolves the block device backing an exact mount point.
func MountedDevice(mounts map[string]string, mountpoint string) (string, error) {
	dev, ok := mounts[filepath.Clean(mountpoint)]
	if !ok {
		return "", &DeviceResolutionError{Subject: mountpoint}
	}
	return dev, nil
}

// MountUsageBytes reports the total size of the filesystem mounted at path.
func MountUsageBytes(path string) (int64, error) {
	usage, err := gopsdisk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat filesystem at %s: %w", path, err)
	}
	return int64(usage.Total), nil
}

// FilesystemUUID reads the filesystem UUID off a formatted partition.
func FilesystemUUID(r run.Runner, device string) (string, error) {
	out, err := r.Query("blkid", "-s", "UUID", "-o", "value", device)
	if err != nil {
		return "", &DeviceResolutionError{Subject: device, Err: err}
	}
	uuid := strings.TrimSpace(out)
	if uuid == "" {
		return "", &DeviceResolutionError{Subject: device, Err: fmt.Errorf("blkid returned no UUID")}
	}
	return uuid, nil
}

// ParentDisk resolves the whole-disk device a partition belongs to.
func ParentDisk(r run.Runner, partitionDev string) (string, error) {
	out, err := r.Query("lsblk", "-no", "PKNAME", partitionDev)
	if err != nil {
		return "", &DeviceResolutionError{Subject: partitionDev, Err: err}
	}
	name := strings.TrimSpace(out)
	if name == "" {
		return "", &DeviceResolutionError{Subject: partitionDev, Err: fmt.Errorf("no parent disk")}
	}
	return "/dev/" + name, nil
}

// PartitionDevice builds the device node for partition n of a disk. NVMe,
// mmc and loop devices put a "p" between the disk name and the partition
// number.
func PartitionDevice(device string, n int) string {
	base := filepath.Base(device)
	if strings.HasPrefix(base, "nvme") || strings.HasPrefix(base, "mmcblk") || strings.HasPrefix(base, "loop") {
		return fmt.Sprintf("%sp%d", device, n)
	}
	return fmt.Sprintf("%s%d", device, n)
}

// Partitions lists the partition table of a single device.
func Partitions(r run.Runner, device string) ([]Partition, error) {
	out, err := r.Query("lsblk", "-J", "-b", "-o", "NAME,PATH,FSTYPE,LABEL,SIZE,TYPE", device)
	if err != nil {
		return nil, &DeviceResolutionError{Subject: device, Err: err}
	}
	var parsed lsblkOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, &DeviceResolutionError{Subject: device, Err: fmt.Errorf("failed to parse lsblk output: %w", err)}
	}
	if len(parsed.Blockdevices) == 0 {
		return nil, &DeviceResolutionError{Subject: device, Err: fmt.Errorf("device not reported by lsblk")}
	}

	var parts []Partition
	for _, child := range parsed.Blockdevices[0].Children {
		if child.Type != "part" {
			continue
		}
		parts = append(parts, Partition{
			Name:      child.Name,
			Path:      child.Path,
			Fstype:    child.Fstype,
			Label:     child.Label,
			SizeBytes: child.Size,
			Number:    partitionNumber(child.Name),
		})
	}
	return parts, nil
}

func partitionNumber(name string) int {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return 0
	}
	return n
}

// ListDisks enumerates whole system disks.
func ListDisks(log *logrus.Logger) ([]SystemDisk, error) {
	lsb := lsblk.NewLSBLK(log)
	devices, err := lsb.GetBlockDevices("")
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate block devices: %w", err)
	}

	var disks []SystemDisk
	for _, device := range devices {
		if device.Type != "disk" && device.Type != "loop" {
			continue
		}
		disks = append(disks, SystemDisk{
			Name:      filepath.Base(device.Name),
			Path:      device.Name,
			Type:      device.Type,
			SizeBytes: device.Size.Int64,
		})
	}
	return disks, nil
}

// WaitForPartition blocks until the kernel exposes the device node for a
// freshly created partition. parted returns before the node exists, so we
// settle udev and then poll.
func WaitForPartition(r run.Runner, device string) error {
	_, _ = r.Run("udevadm", "settle")
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		if _, lastErr = r.Query("test", "-b", device); lastErr == nil {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return &PartitioningError{Device: device, Err: fmt.Errorf("partition node never appeared: %w", lastErr)}
}
