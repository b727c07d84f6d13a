// Package backup captures the boot/EFI pair of the running system into a
// backup root: mirrored trees, auxiliary loader config, metadata, and a
// checksum manifest.
package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/sirupsen/logrus"

	"github.com/stickops/bootstick/internal/disk"
	"github.com/stickops/bootstick/internal/metadata"
	"github.com/stickops/bootstick/internal/resources"
	"github.com/stickops/bootstick/internal/run"
	"github.com/stickops/bootstick/internal/snapshot"
)

// Tree names inside the backup root.
const (
	BootTreeName = "boot"
	EFITreeName  = "efi"
	AuxTreeName  = "ventoy"
)

// AuxFileNames are the loader config files worth carrying if the USB hosts
// a multi-boot loader. All of them are optional.
var AuxFileNames = []string{
	filepath.Join("ventoy", "ventoy_grub.cfg"),
	filepath.Join("ventoy", "ventoy.json"),
}

// Options configure a backup run.
type Options struct {
	BootMount string
	EFIMount  string
	BackupDir string
}

// Workflow executes the backup pipeline: validate, capture metadata,
// snapshot, auxiliary config, manifest. Strictly sequential, no retries;
// the first error aborts the run.
type Workflow struct {
	Log       *logrus.Logger
	Runner    run.Runner
	Resources *resources.Stack
}

// Run performs a full backup, replacing any prior one wholesale.
func (w *Workflow) Run(opts Options) error {
	defer w.Resources.ReleaseAll()

	mounts, err := disk.CurrentMounts()
	if err != nil {
		return err
	}
	if err := disk.ValidateBackupPreconditions(os.Geteuid(), mounts, opts.BootMount, opts.EFIMount); err != nil {
		return err
	}

	meta, err := w.captureMetadata(mounts, opts)
	if err != nil {
		return err
	}
	w.Log.WithFields(logrus.Fields{
		"boot_uuid": meta.BootUUID,
		"efi_uuid":  meta.EFIUUID,
		"usb_disk":  meta.USBDisk,
	}).Info("captured source identity")

	if w.Runner.DryRun() {
		w.Log.WithField("backup_dir", opts.BackupDir).Info("dry-run: would mirror boot and EFI trees and write metadata")
		return nil
	}

	trees := []snapshot.Tree{
		{
			Source: opts.BootMount,
			Name:   BootTreeName,
			// The EFI mount usually lives inside the boot tree; it gets its
			// own mirror, so skip it here.
			Exclude: []string{opts.EFIMount},
		},
		{Source: opts.EFIMount, Name: EFITreeName},
	}
	if err := snapshot.MirrorTrees(w.Log, trees, opts.BackupDir); err != nil {
		return err
	}

	w.captureAuxiliaryConfig(meta.USBDisk, opts.BackupDir)

	if err := meta.Save(filepath.Join(opts.BackupDir, metadata.FileName)); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	entries, err := snapshot.ComputeManifest(opts.BackupDir, BootTreeName, EFITreeName, AuxTreeName)
	if err != nil {
		return err
	}
	if err := snapshot.WriteManifest(entries, filepath.Join(opts.BackupDir, snapshot.ManifestName)); err != nil {
		return fmt.Errorf("failed to write checksum manifest: %w", err)
	}

	w.Log.WithFields(logrus.Fields{
		"backup_dir": opts.BackupDir,
		"files":      len(entries),
	}).Info("backup complete")
	return nil
}

func (w *Workflow) captureMetadata(mounts map[string]string, opts Options) (*metadata.BackupMetadata, error) {
	bootDev, err := disk.MountedDevice(mounts, opts.BootMount)
	if err != nil {
		return nil, err
	}
	efiDev, err := disk.MountedDevice(mounts, opts.EFIMount)
	if err != nil {
		return nil, err
	}

	bootUUID, err := disk.FilesystemUUID(w.Runner, bootDev)
	if err != nil {
		return nil, err
	}
	efiUUID, err := disk.FilesystemUUID(w.Runner, efiDev)
	if err != nil {
		return nil, err
	}

	bootSize, err := disk.MountUsageBytes(opts.BootMount)
	if err != nil {
		return nil, err
	}
	efiSize, err := disk.MountUsageBytes(opts.EFIMount)
	if err != nil {
		return nil, err
	}

	usbDisk, err := disk.ParentDisk(w.Runner, bootDev)
	if err != nil {
		return nil, err
	}

	meta := &metadata.BackupMetadata{
		BootUUID:      bootUUID,
		EFIUUID:       efiUUID,
		BootDevice:    bootDev,
		EFIDevice:     efiDev,
		USBDisk:       usbDisk,
		BootSizeBytes: bootSize,
		EFISizeBytes:  efiSize,
		LUKSUUID:      w.luksUUID(),
		CreatedAt:     time.Now(),
		KernelVersion: w.kernelVersion(),
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

// luksUUID records the encrypted root's UUID for diagnostics. Best-effort.
func (w *Workflow) luksUUID() string {
	out, err := w.Runner.Query("blkid", "-t", "TYPE=crypto_LUKS", "-s", "UUID", "-o", "value")
	if err != nil {
		w.Log.WithError(err).Warn("could not determine LUKS UUID")
		return ""
	}
	return firstLine(out)
}

func (w *Workflow) kernelVersion() string {
	version, err := host.KernelVersion()
	if err != nil {
		w.Log.WithError(err).Warn("could not determine kernel version")
		return ""
	}
	return version
}

// captureAuxiliaryConfig copies the loader config files off the USB's first
// partition if one is there. Absence of the partition or of individual
// files is a warning; backups succeed without loader config present.
func (w *Workflow) captureAuxiliaryConfig(usbDisk, backupDir string) {
	// The prior run's aux tree goes first, unconditionally. The snapshot is
	// a mirror of this run; a stale tree surviving an unmountable partition
	// would turn it into a union with the last run.
	destRoot := filepath.Join(backupDir, AuxTreeName)
	if err := os.RemoveAll(destRoot); err != nil {
		w.Log.WithError(err).Warn("could not clear prior auxiliary config")
		return
	}

	if usbDisk == "" {
		return
	}
	auxDev := disk.PartitionDevice(usbDisk, 1)

	mountpoint, err := os.MkdirTemp("", "bootstick-aux-")
	if err != nil {
		w.Log.WithError(err).Warn("skipping auxiliary config capture")
		return
	}
	defer os.RemoveAll(mountpoint)

	mounts, err := disk.CurrentMounts()
	if err != nil {
		w.Log.WithError(err).Warn("skipping auxiliary config capture")
		return
	}
	res, err := w.Resources.Mount(mounts, auxDev, mountpoint)
	if err != nil {
		w.Log.WithError(err).Warn("auxiliary partition not mountable, skipping loader config capture")
		return
	}
	// Unmount before the deferred RemoveAll fires: deleting through a live
	// mountpoint would wipe the loader partition itself.
	defer func() {
		if err := res.Release(); err != nil {
			w.Log.WithError(err).Warn("failed to unmount auxiliary partition")
		}
	}()

	copied := 0
	for _, name := range AuxFileNames {
		source := filepath.Join(mountpoint, name)
		if _, err := os.Stat(source); err != nil {
			w.Log.WithField("file", name).Info("auxiliary config file absent, skipping")
			continue
		}
		dest := filepath.Join(destRoot, filepath.Base(name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			w.Log.WithError(err).Warn("could not stage auxiliary config")
			return
		}
		content, err := os.ReadFile(source)
		if err != nil {
			w.Log.WithError(err).WithField("file", name).Warn("could not read auxiliary config file")
			continue
		}
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			w.Log.WithError(err).WithField("file", name).Warn("could not copy auxiliary config file")
			continue
		}
		copied++
	}
	if copied > 0 {
		w.Log.WithField("files", copied).Info("captured auxiliary loader config")
	}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
