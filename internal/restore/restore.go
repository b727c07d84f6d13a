// Package restore rebuilds the boot USB from a backup: locate the backup
// (optionally behind LUKS), detect the target layout, provision and format
// partitions, copy the snapshot back, and rewrite UUID references.
//
// The workflow is an explicit state machine. Each transition returns a
// typed error instead of exiting, so cleanup is owned centrally: every
// mount and unlocked volume acquired along the way is released on every
// exit path, in reverse order, exactly once.
package restore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/stickops/bootstick/internal/disk"
	"github.com/stickops/bootstick/internal/layout"
	"github.com/stickops/bootstick/internal/metadata"
	"github.com/stickops/bootstick/internal/provision"
	"github.com/stickops/bootstick/internal/resources"
	"github.com/stickops/bootstick/internal/rewrite"
	"github.com/stickops/bootstick/internal/run"
	"github.com/stickops/bootstick/internal/snapshot"
)

// State is where the restore currently stands.
type State string

const (
	StateIdle                  State = "idle"
	StateTargetSelected        State = "target-selected"
	StateBackupLocated         State = "backup-located"
	StateLayoutDetermined      State = "layout-determined"
	StatePartitionsProvisioned State = "partitions-provisioned"
	StateFilesRestored         State = "files-restored"
	StateUUIDsRewritten        State = "uuids-rewritten"
	StateFinalized             State = "finalized"
	StateAborted               State = "aborted"
)

// SourceMode selects how the backup is reached.
type SourceMode string

const (
	// SourceDirect reads the backup from an already accessible directory.
	SourceDirect SourceMode = "direct"
	// SourceLUKS unlocks and mounts an encrypted volume holding the backup.
	SourceLUKS SourceMode = "luks"
)

// Options configure a restore run.
type Options struct {
	// Device is the target USB disk, e.g. /dev/sdb.
	Device string

	SourceMode SourceMode
	// BackupDir is the backup root in direct mode.
	BackupDir string
	// LUKSDevice optionally names the encrypted partition; when empty the
	// first crypto_LUKS partition on a non-excluded disk is used.
	LUKSDevice string
	// VolumeSubdir is the backup root inside the unlocked volume.
	VolumeSubdir string

	Signature layout.Signature
	// Verify checks the snapshot against its checksum manifest before any
	// destructive step.
	Verify bool
	// AssumeYes skips the confirmation prompts.
	AssumeYes bool
	// FstabPath is the mount table to rewrite.
	FstabPath string
}

// Orchestrator drives the state machine.
type Orchestrator struct {
	Log       *logrus.Logger
	Runner    run.Runner
	Resources *resources.Stack

	// Confirm asks the operator a yes/no question. ConfirmDestructive is
	// the stronger gate before relabeling a whole disk.
	Confirm            func(prompt string) bool
	ConfirmDestructive func(device string) bool

	// Seams for device discovery, overridden in tests.
	ListDisks func(log *logrus.Logger) ([]disk.SystemDisk, error)
	Mounts    func() (map[string]string, error)
	MountBase string

	state State
	opts  Options

	excluded    []string
	backupRoot  string
	meta        *metadata.BackupMetadata
	plan        layout.Layout
	provisioned provision.Result
	bootMnt     string
	efiMnt      string
	auxMnt      string
}

// State reports the machine's current state.
func (o *Orchestrator) State() State { return o.state }

// Run executes the restore pipeline. Any transition error aborts the run;
// acquired resources are released regardless of where it stopped.
func (o *Orchestrator) Run(opts Options) (err error) {
	o.opts = opts
	o.state = StateIdle
	if o.ListDisks == nil {
		o.ListDisks = disk.ListDisks
	}
	if o.Mounts == nil {
		o.Mounts = disk.CurrentMounts
	}
	if o.MountBase == "" {
		o.MountBase = "/run/bootstick"
	}

	defer o.Resources.ReleaseAll()

	transitions := []struct {
		next State
		step func() error
	}{
		{StateTargetSelected, o.selectTarget},
		{StateBackupLocated, o.locateBackup},
		{StateLayoutDetermined, o.determineLayout},
		{StatePartitionsProvisioned, o.provisionPartitions},
		{StateFilesRestored, o.restoreFiles},
		{StateUUIDsRewritten, o.rewriteUUIDs},
		{StateFinalized, o.finalize},
	}

	for _, t := range transitions {
		if err := t.step(); err != nil {
			o.state = StateAborted
			return err
		}
		o.state = t.next
	}
	return nil
}

// selectTarget validates the target device and computes the devices this
// run must never touch.
func (o *Orchestrator) selectTarget() error {
	known, err := o.ListDisks(o.Log)
	if err != nil {
		return err
	}
	mounts, err := o.Mounts()
	if err != nil {
		return err
	}
	o.excluded = disk.ExcludedDevices(o.Runner, mounts)

	if err := disk.ValidateRestoreTarget(o.opts.Device, known, o.excluded); err != nil {
		o.printKnownDisks(known)
		return err
	}
	o.Log.WithFields(logrus.Fields{
		"device":   o.opts.Device,
		"excluded": o.excluded,
	}).Info("target selected")
	return nil
}

// locateBackup makes the backup readable: directly, or by unlocking and
// mounting the encrypted volume. These acquisitions run for real even in
// dry-run; the preview's job is to prove a real restore would find its
// inputs.
func (o *Orchestrator) locateBackup() error {
	switch o.opts.SourceMode {
	case SourceDirect:
		o.backupRoot = o.opts.BackupDir
	case SourceLUKS:
		root, err := o.mountEncryptedSource()
		if err != nil {
			return err
		}
		o.backupRoot = root
	default:
		return fmt.Errorf("unknown source mode %q", o.opts.SourceMode)
	}

	metaPath := filepath.Join(o.backupRoot, metadata.FileName)
	if _, err := os.Stat(metaPath); err != nil {
		return &BackupNotFoundError{Path: o.backupRoot}
	}
	meta, err := metadata.Load(metaPath)
	if err != nil {
		return err
	}
	o.meta = meta

	if o.opts.Verify {
		o.Log.Info("verifying snapshot against checksum manifest")
		manifest := filepath.Join(o.backupRoot, snapshot.ManifestName)
		if err := snapshot.Verify(o.backupRoot, manifest, "boot", "efi", "ventoy"); err != nil {
			return err
		}
	}

	o.Log.WithFields(logrus.Fields{
		"backup":    o.backupRoot,
		"boot_uuid": meta.BootUUID,
		"efi_uuid":  meta.EFIUUID,
		"taken":     meta.CreatedAt,
	}).Info("backup located")
	return nil
}

func (o *Orchestrator) mountEncryptedSource() (string, error) {
	device := o.opts.LUKSDevice
	if device == "" {
		found, err := o.findLUKSPartition()
		if err != nil {
			return "", err
		}
		device = found
	}

	_, mapped, err := o.Resources.OpenLUKS(device, "bootstick-restore")
	if err != nil {
		return "", err
	}

	mounts, err := o.Mounts()
	if err != nil {
		return "", err
	}
	mountpoint := filepath.Join(o.MountBase, "source")
	if _, err := o.Resources.Mount(mounts, mapped, mountpoint); err != nil {
		return "", err
	}
	return filepath.Join(mountpoint, o.opts.VolumeSubdir), nil
}

// findLUKSPartition scans every disk except the restore target for a
// crypto_LUKS partition.
func (o *Orchestrator) findLUKSPartition() (string, error) {
	known, err := o.ListDisks(o.Log)
	if err != nil {
		return "", err
	}
	// Excluded disks host the running system, which is exactly where the
	// encrypted source lives. Only the restore target itself is off limits.
	for _, d := range known {
		if d.Path == o.opts.Device {
			continue
		}
		parts, err := disk.Partitions(o.Runner, d.Path)
		if err != nil {
			continue
		}
		for _, p := range parts {
			if p.Fstype == "crypto_LUKS" {
				o.Log.WithField("device", p.Path).Info("found encrypted source volume")
				return p.Path, nil
			}
		}
	}
	return "", &NoEncryptedVolumeError{}
}

// determineLayout inspects the target once and asks the operator to accept
// the plan before anything destructive happens.
func (o *Orchestrator) determineLayout() error {
	plan, err := layout.Detect(o.Runner, o.opts.Device, o.opts.Signature)
	if err != nil {
		return err
	}
	o.plan = plan

	switch plan.Mode {
	case layout.Ventoy:
		o.Log.WithFields(logrus.Fields{
			"start_mib": plan.StartMiB,
			"efi_slot":  plan.EFIPartNum,
			"boot_slot": plan.BootPartNum,
		}).Info("multi-boot loader detected, appending into reserved space")
	case layout.Minimal:
		o.Log.Info("no loader detected, the whole device will be repartitioned")
	}

	if !o.opts.AssumeYes {
		prompt := fmt.Sprintf("Create EFI+boot partitions on %s (%s layout)?", o.opts.Device, plan.Mode)
		if !o.Confirm(prompt) {
			return &CancelledError{Step: "layout confirmation"}
		}
	}
	return nil
}

// provisionPartitions re-checks the safety gate, collects the extra
// confirmation a full relabel needs, and creates/formats the partitions.
func (o *Orchestrator) provisionPartitions() error {
	// Device identity can change between detection and use; re-check.
	known, err := o.ListDisks(o.Log)
	if err != nil {
		return err
	}
	if err := disk.ValidateRestoreTarget(o.opts.Device, known, o.excluded); err != nil {
		return err
	}

	if o.plan.Mode == layout.Minimal && !o.opts.AssumeYes && !o.Runner.DryRun() {
		if !o.ConfirmDestructive(o.opts.Device) {
			return &CancelledError{Step: "destructive relabel confirmation"}
		}
	}

	res, err := provision.Provision(o.Runner, o.Log, o.opts.Device, o.plan)
	if err != nil {
		return err
	}
	o.provisioned = res
	return nil
}

// restoreFiles mounts the new partitions and mirrors the snapshot onto
// them. In dry-run nothing is mounted or copied.
func (o *Orchestrator) restoreFiles() error {
	if o.Runner.DryRun() {
		o.Log.WithFields(logrus.Fields{
			"boot": o.provisioned.BootDevice,
			"efi":  o.provisioned.EFIDevice,
		}).Info("dry-run: would copy snapshot trees onto new partitions")
		return nil
	}

	mounts, err := o.Mounts()
	if err != nil {
		return err
	}

	o.bootMnt = filepath.Join(o.MountBase, "boot")
	if _, err := o.Resources.Mount(mounts, o.provisioned.BootDevice, o.bootMnt); err != nil {
		return &snapshot.CopyError{Path: o.bootMnt, Err: err}
	}
	o.efiMnt = filepath.Join(o.MountBase, "efi")
	if _, err := o.Resources.Mount(mounts, o.provisioned.EFIDevice, o.efiMnt); err != nil {
		return &snapshot.CopyError{Path: o.efiMnt, Err: err}
	}

	if err := snapshot.CopyTree(filepath.Join(o.backupRoot, "boot"), o.bootMnt, nil); err != nil {
		return err
	}
	if err := snapshot.CopyTree(filepath.Join(o.backupRoot, "efi"), o.efiMnt, nil); err != nil {
		return err
	}

	if o.plan.Mode == layout.Ventoy {
		o.restoreAuxiliaryConfig(mounts)
	}

	o.Log.Info("snapshot trees restored")
	return nil
}

// restoreAuxiliaryConfig puts the backed-up loader config back onto the
// loader's partition. Best-effort: a loader without our chain entry still
// boots, it just will not show the restored system.
func (o *Orchestrator) restoreAuxiliaryConfig(mounts map[string]string) {
	source := filepath.Join(o.backupRoot, "ventoy")
	if _, err := os.Stat(source); err != nil {
		o.Log.Info("no auxiliary loader config in backup, skipping")
		return
	}

	auxDev := disk.PartitionDevice(o.opts.Device, 1)
	o.auxMnt = filepath.Join(o.MountBase, "aux")
	if _, err := o.Resources.Mount(mounts, auxDev, o.auxMnt); err != nil {
		o.Log.WithError(err).Warn("loader partition not mountable, skipping auxiliary config restore")
		o.auxMnt = ""
		return
	}

	if err := snapshot.CopyTree(source, filepath.Join(o.auxMnt, "ventoy"), nil); err != nil {
		o.Log.WithError(err).Warn("failed to restore auxiliary loader config")
	}
}

// rewriteUUIDs replaces the old UUIDs with the freshly assigned ones across
// the candidate config files.
func (o *Orchestrator) rewriteUUIDs() error {
	mapping := rewrite.Mapping{
		BootOld: o.meta.BootUUID,
		BootNew: o.provisioned.BootUUID,
		EFIOld:  o.meta.EFIUUID,
		EFINew:  o.provisioned.EFIUUID,
	}

	if o.Runner.DryRun() {
		o.Log.WithFields(logrus.Fields{
			"boot": fmt.Sprintf("%s -> %s", mapping.BootOld, mapping.BootNew),
			"efi":  fmt.Sprintf("%s -> %s", mapping.EFIOld, mapping.EFINew),
		}).Info("dry-run: would rewrite UUID references (placeholder new UUIDs)")
		return nil
	}

	candidates := rewrite.Candidates(o.opts.FstabPath, o.bootMnt, o.efiMnt, o.auxMnt)
	changed, err := rewrite.Apply(o.Log, mapping, candidates)
	if err != nil {
		return err
	}
	o.Log.WithField("files", len(changed)).Info("UUID references rewritten")
	return nil
}

// finalize releases everything and tells the operator what changed.
func (o *Orchestrator) finalize() error {
	o.Resources.ReleaseAll()

	o.Log.WithFields(logrus.Fields{
		"boot": fmt.Sprintf("%s -> %s", o.meta.BootUUID, o.provisioned.BootUUID),
		"efi":  fmt.Sprintf("%s -> %s", o.meta.EFIUUID, o.provisioned.EFIUUID),
	}).Info("restore finished")
	if o.Runner.DryRun() {
		o.Log.Info("dry-run complete: no partitions were created and no files were written")
		return nil
	}
	o.Log.Info("next steps: reboot with the USB attached and pick its entry in the firmware boot menu")
	return nil
}

func (o *Orchestrator) printKnownDisks(known []disk.SystemDisk) {
	for _, d := range known {
		o.Log.WithFields(logrus.Fields{
			"path": d.Path,
			"size": d.SizeBytes,
			"type": d.Type,
		}).Info("known disk")
	}
}
