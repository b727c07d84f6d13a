package disk

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/stickops/bootstick/internal/run"
)

// ValidateBackupPreconditions confirms the backup workflow may start: the
// caller is root and both source trees are real mount points. Pure check
// over the supplied euid and mount table, no side effects.
func ValidateBackupPreconditions(euid int, mounts map[string]string, bootMount, efiMount string) error {
	if euid != 0 {
		return &PreconditionError{Reason: NotRoot, Detail: "backup must run as root"}
	}
	for _, mount := range []string{bootMount, efiMount} {
		if _, ok := mounts[filepath.Clean(mount)]; !ok {
			return &PreconditionError{Reason: SourceNotMounted, Detail: mount}
		}
	}
	return nil
}

// ValidateRestoreTarget confirms a restore target device is a known whole
// disk and is not one of the devices the running system depends on. This
// gate runs before any partition-table mutation and is re-checked right
// before provisioning.
func ValidateRestoreTarget(target string, known []SystemDisk, excluded []string) error {
	var found bool
	for _, d := range known {
		if d.Path == target {
			found = true
			break
		}
	}
	if !found {
		return &PreconditionError{Reason: InvalidDevice, Detail: fmt.Sprintf("%s is not a known disk device", target)}
	}
	for _, ex := range excluded {
		if ex != "" && ex == target {
			return &PreconditionError{Reason: DeviceIsExcluded, Detail: fmt.Sprintf("%s is in use by the running system", target)}
		}
	}
	return nil
}

// ExcludedDevices derives the disks a restore must never touch: whatever
// backs the running system's /boot, and the live boot medium if we are
// running from one.
func ExcludedDevices(r run.Runner, mounts map[string]string) []string {
	var excluded []string
	for _, mount := range []string{"/boot", "/run/initramfs/live", "/"} {
		dev, ok := mounts[mount]
		if !ok || !strings.HasPrefix(dev, "/dev/") {
			continue
		}
		out, err := r.Query("lsblk", "-no", "PKNAME", dev)
		if err != nil {
			continue
		}
		if name := strings.TrimSpace(out); name != "" {
			excluded = append(excluded, "/dev/"+name)
		}
	}
	return excluded
}
