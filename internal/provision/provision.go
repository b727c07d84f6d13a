// Package provision creates and formats the two partitions (EFI, boot) a
// restore needs, positioned according to the detected layout.
package provision

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/stickops/bootstick/internal/disk"
	"github.com/stickops/bootstick/internal/layout"
	"github.com/stickops/bootstick/internal/run"
)

const (
	// EFISizeMiB is the fixed size of the EFI system partition.
	EFISizeMiB = 512

	// BootLabel is the fixed ext4 volume label of the boot partition.
	BootLabel = "usbboot"
	// EFILabel is the FAT32 label of the EFI system partition.
	EFILabel = "EFIBOOT"

	// Placeholder UUIDs reported in dry-run, where nothing gets formatted.
	PreviewEFIUUID  = "XXXX-XXXX"
	PreviewBootUUID = "xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx"
)

// FormatError means mkfs exited non-zero.
type FormatError struct {
	Device string
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("formatting %s failed: %v", e.Device, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Result describes the freshly provisioned partitions.
type Result struct {
	EFIDevice  string
	BootDevice string
	EFIUUID    string
	BootUUID   string
}

// Provision creates and formats the EFI and boot partitions on device per
// the layout. Ventoy mode appends into the reserved space after the loader,
// removing stale slots from a prior failed attempt first so a re-run is
// safe. Minimal mode wipes all signatures and writes a fresh GPT label; the
// caller must have collected the extra destructive confirmation before
// calling. In dry-run no command is issued and placeholder UUIDs come back.
func Provision(r run.Runner, log *logrus.Logger, device string, l layout.Layout) (Result, error) {
	res := Result{
		EFIDevice:  disk.PartitionDevice(device, l.EFIPartNum),
		BootDevice: disk.PartitionDevice(device, l.BootPartNum),
	}

	if r.DryRun() {
		log.WithFields(logrus.Fields{
			"device": device,
			"mode":   l.Mode,
			"efi":    res.EFIDevice,
			"boot":   res.BootDevice,
		}).Info("dry-run: would create and format partitions")
		res.EFIUUID = PreviewEFIUUID
		res.BootUUID = PreviewBootUUID
		return res, nil
	}

	switch l.Mode {
	case layout.Ventoy:
		if err := removeStaleSlots(r, device, l); err != nil {
			return Result{}, err
		}
	case layout.Minimal:
		if _, err := r.Run("wipefs", "-a", device); err != nil {
			return Result{}, &disk.PartitioningError{Device: device, Err: err}
		}
		if _, err := run.Parted(r, device, "mklabel", "gpt"); err != nil {
			return Result{}, &disk.PartitioningError{Device: device, Err: err}
		}
	default:
		return Result{}, &disk.PartitioningError{Device: device, Err: fmt.Errorf("unknown layout mode %q", l.Mode)}
	}

	efiStart := l.StartMiB
	efiEnd := efiStart + EFISizeMiB

	// On GPT mkpart's first argument is a partition name; on msdos (MBR
	// Ventoy installs) it is the part-type keyword instead.
	efiName, bootName := "efi", "boot"
	if l.Table == "msdos" {
		efiName, bootName = "primary", "primary"
	}

	if _, err := run.Parted(r, device,
		"mkpart", efiName, "fat32", fmt.Sprintf("%dMiB", efiStart), fmt.Sprintf("%dMiB", efiEnd)); err != nil {
		return Result{}, &disk.PartitioningError{Device: device, Err: err}
	}
	if _, err := run.Parted(r, device,
		"mkpart", bootName, "ext4", fmt.Sprintf("%dMiB", efiEnd), "100%"); err != nil {
		return Result{}, &disk.PartitioningError{Device: device, Err: err}
	}
	if _, err := run.Parted(r, device, "set", fmt.Sprintf("%d", l.EFIPartNum), "esp", "on"); err != nil {
		return Result{}, &disk.PartitioningError{Device: device, Err: err}
	}
	if _, err := run.Parted(r, device, "set", fmt.Sprintf("%d", l.EFIPartNum), "boot", "on"); err != nil {
		return Result{}, &disk.PartitioningError{Device: device, Err: err}
	}

	for _, node := range []string{res.EFIDevice, res.BootDevice} {
		if err := disk.WaitForPartition(r, node); err != nil {
			return Result{}, err
		}
	}

	if _, err := r.Run("mkfs.fat", "-F", "32", "-n", EFILabel, res.EFIDevice); err != nil {
		return Result{}, &FormatError{Device: res.EFIDevice, Err: err}
	}
	if _, err := r.Run("mkfs.ext4", "-F", "-L", BootLabel, res.BootDevice); err != nil {
		return Result{}, &FormatError{Device: res.BootDevice, Err: err}
	}

	var err error
	if res.EFIUUID, err = disk.FilesystemUUID(r, res.EFIDevice); err != nil {
		return Result{}, err
	}
	if res.BootUUID, err = disk.FilesystemUUID(r, res.BootDevice); err != nil {
		return Result{}, err
	}

	log.WithFields(logrus.Fields{
		"efi":       res.EFIDevice,
		"efi_uuid":  res.EFIUUID,
		"boot":      res.BootDevice,
		"boot_uuid": res.BootUUID,
	}).Info("partitions provisioned")
	return res, nil
}

// removeStaleSlots deletes our partition numbers if a prior failed restore
// left them behind. Loader partitions below our slots are never touched.
func removeStaleSlots(r run.Runner, device string, l layout.Layout) error {
	parts, err := disk.Partitions(r, device)
	if err != nil {
		return &disk.PartitioningError{Device: device, Err: err}
	}
	// Higher slot first.
	for _, num := range []int{l.BootPartNum, l.EFIPartNum} {
		for _, p := range parts {
			if p.Number == num {
				if _, err := run.Parted(r, device, "rm", fmt.Sprintf("%d", num)); err != nil {
					return &disk.PartitioningError{Device: device, Err: err}
				}
			}
		}
	}
	return nil
}
