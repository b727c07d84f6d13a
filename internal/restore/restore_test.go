package restore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stickops/bootstick/internal/disk"
	"github.com/stickops/bootstick/internal/layout"
	"github.com/stickops/bootstick/internal/metadata"
	"github.com/stickops/bootstick/internal/resources"
	"github.com/stickops/bootstick/internal/run"
	"github.com/stickops/bootstick/internal/snapshot"
)

const (
	oldBootUUID = "a6c7d653-6e22-4e3b-9f84-2f44c3bc10d1"
	oldEFIUUID  = "99DA-D916"
	newBootUUID = "b7d8e764-7f33-5f4c-8a95-3a55d4cd21e2"
	newEFIUUID  = "1A2B-3C4D"
)

const emptyTargetLsblk = `{"blockdevices": [{"name": "sdb", "path": "/dev/sdb", "type": "disk", "size": 62545461248}]}`

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// testOrchestrator wires an orchestrator to a script runner and fake device
// discovery: /dev/sda carries the running system's /boot, /dev/sdb is the
// restore target.
func testOrchestrator(t *testing.T, r *run.ScriptRunner) *Orchestrator {
	t.Helper()
	log := quietLogger()
	disks := []disk.SystemDisk{
		{Name: "sda", Path: "/dev/sda", Type: "disk", SizeBytes: 512110190592},
		{Name: "sdb", Path: "/dev/sdb", Type: "disk", SizeBytes: 62545461248},
	}
	mounts := map[string]string{"/boot": "/dev/sda1"}
	r.Outputs["lsblk -no PKNAME /dev/sda1"] = "sda\n"

	return &Orchestrator{
		Log:                log,
		Runner:             r,
		Resources:          resources.NewStack(log, r),
		Confirm:            func(string) bool { return true },
		ConfirmDestructive: func(string) bool { return true },
		ListDisks:          func(*logrus.Logger) ([]disk.SystemDisk, error) { return disks, nil },
		Mounts:             func() (map[string]string, error) { return mounts, nil },
		MountBase:          t.TempDir(),
	}
}

// writeBackup lays down a complete backup root: metadata, boot and efi
// snapshot trees with UUID-bearing config, and a checksum manifest.
func writeBackup(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(root, 0o755))

	meta := &metadata.BackupMetadata{
		BootUUID:   oldBootUUID,
		EFIUUID:    oldEFIUUID,
		BootDevice: "/dev/sda2",
		EFIDevice:  "/dev/sda1",
		USBDisk:    "/dev/sda",
	}
	require.NoError(t, meta.Save(filepath.Join(root, metadata.FileName)))

	files := map[string]string{
		"boot/vmlinuz-6.8.5-301.fc40.x86_64": "kernel image bytes",
		"boot/grub2/grub.cfg":                "search --no-floppy --fs-uuid --set=dev " + oldBootUUID + "\n",
		"boot/loader/entries/fedora.conf":    "options root=UUID=" + oldBootUUID + " ro\n",
		"efi/EFI/fedora/grub.cfg":            "search --no-floppy --fs-uuid --set=dev " + oldBootUUID + "\n",
	}
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	entries, err := snapshot.ComputeManifest(root, "boot", "efi", "ventoy")
	require.NoError(t, err)
	require.NoError(t, snapshot.WriteManifest(entries, filepath.Join(root, snapshot.ManifestName)))
}

// writeFstab creates a mount table referencing the backed-up UUIDs.
func writeFstab(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fstab")
	content := "UUID=" + oldBootUUID + " /boot ext4 defaults 0 2\n" +
		"UUID=" + oldEFIUUID + " /boot/efi vfat umask=0077,shortname=winnt 0 2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// cannedMinimalProvision primes the runner for a blank-target restore.
func cannedMinimalProvision(r *run.ScriptRunner) {
	r.Outputs["lsblk -J -b -o NAME,PATH,FSTYPE,LABEL,SIZE,TYPE /dev/sdb"] = emptyTargetLsblk
	r.Outputs["blkid -s UUID -o value /dev/sdb1"] = newEFIUUID + "\n"
	r.Outputs["blkid -s UUID -o value /dev/sdb2"] = newBootUUID + "\n"
}

func TestRestoreMinimalEndToEnd(t *testing.T) {
	r := run.NewScriptRunner()
	cannedMinimalProvision(r)

	o := testOrchestrator(t, r)
	backupDir := filepath.Join(t.TempDir(), "backup")
	writeBackup(t, backupDir)
	fstab := writeFstab(t)

	err := o.Run(Options{
		Device:     "/dev/sdb",
		SourceMode: SourceDirect,
		BackupDir:  backupDir,
		Signature:  layout.DefaultSignature,
		Verify:     true,
		FstabPath:  fstab,
	})
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, o.State())

	// The whole device was relabeled and formatted.
	assert.True(t, r.DidRun("parted -s /dev/sdb -- mklabel gpt"))
	assert.True(t, r.DidRun("mkfs.fat -F 32 -n EFIBOOT /dev/sdb1"))
	assert.True(t, r.DidRun("mkfs.ext4 -F -L usbboot /dev/sdb2"))

	// The snapshot landed on the mounted partitions.
	bootMnt := filepath.Join(o.MountBase, "boot")
	kernel, err := os.ReadFile(filepath.Join(bootMnt, "vmlinuz-6.8.5-301.fc40.x86_64"))
	require.NoError(t, err)
	assert.Equal(t, "kernel image bytes", string(kernel))

	// Every config file now references the new UUIDs, old ones are gone.
	for _, path := range []string{
		fstab,
		filepath.Join(bootMnt, "grub2", "grub.cfg"),
		filepath.Join(bootMnt, "loader", "entries", "fedora.conf"),
		filepath.Join(o.MountBase, "efi", "EFI", "fedora", "grub.cfg"),
	} {
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(got), oldBootUUID, path)
		assert.NotContains(t, string(got), oldEFIUUID, path)
	}
	fstabBytes, err := os.ReadFile(fstab)
	require.NoError(t, err)
	assert.Contains(t, string(fstabBytes), "UUID="+newBootUUID+" /boot ext4")
	assert.Contains(t, string(fstabBytes), "UUID="+newEFIUUID+" /boot/efi vfat")

	// Both mounts were released.
	assert.True(t, r.DidRun("umount "+bootMnt))
	assert.True(t, r.DidRun("umount "+filepath.Join(o.MountBase, "efi")))
	assert.Empty(t, o.Resources.Active())
}

func TestRestoreRejectsExcludedDevice(t *testing.T) {
	r := run.NewScriptRunner()
	o := testOrchestrator(t, r)

	err := o.Run(Options{
		Device:     "/dev/sda", // carries the running system's /boot
		SourceMode: SourceDirect,
		BackupDir:  t.TempDir(),
		Signature:  layout.DefaultSignature,
	})

	var precondition *disk.PreconditionError
	require.ErrorAs(t, err, &precondition)
	assert.Equal(t, disk.DeviceIsExcluded, precondition.Reason)
	assert.Equal(t, StateAborted, o.State())
	assert.Empty(t, r.Ran, "a rejected target must not trigger any mutating command")
}

func TestRestoreRejectsUnknownDevice(t *testing.T) {
	r := run.NewScriptRunner()
	o := testOrchestrator(t, r)

	err := o.Run(Options{
		Device:     "/dev/sdz",
		SourceMode: SourceDirect,
		BackupDir:  t.TempDir(),
		Signature:  layout.DefaultSignature,
	})

	var precondition *disk.PreconditionError
	require.ErrorAs(t, err, &precondition)
	assert.Equal(t, disk.InvalidDevice, precondition.Reason)
	assert.Equal(t, StateAborted, o.State())
}

func TestRestoreMissingBackupReleasesEncryptedSource(t *testing.T) {
	r := run.NewScriptRunner()
	o := testOrchestrator(t, r)
	o.Resources.MapperDir = t.TempDir() // no pre-existing mapping

	err := o.Run(Options{
		Device:       "/dev/sdb",
		SourceMode:   SourceLUKS,
		LUKSDevice:   "/dev/sda3",
		VolumeSubdir: "var/backups/bootstick",
		Signature:    layout.DefaultSignature,
	})

	var notFound *BackupNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, StateAborted, o.State())

	// The volume was unlocked and mounted, then fully unwound in reverse.
	source := filepath.Join(o.MountBase, "source")
	want := []string{
		"cryptsetup open /dev/sda3 bootstick-restore",
		"mount " + filepath.Join(o.Resources.MapperDir, "bootstick-restore") + " " + source,
		"umount " + source,
		"cryptsetup close bootstick-restore",
	}
	assert.Equal(t, want, r.Ran)
	assert.Empty(t, o.Resources.Active())
}

func TestRestoreFindsLUKSPartitionWhenUnspecified(t *testing.T) {
	r := run.NewScriptRunner()
	o := testOrchestrator(t, r)
	o.Resources.MapperDir = t.TempDir()

	r.Outputs["lsblk -J -b -o NAME,PATH,FSTYPE,LABEL,SIZE,TYPE /dev/sda"] = `{"blockdevices": [
	  {"name": "sda", "path": "/dev/sda", "type": "disk", "children": [
	    {"name": "sda1", "path": "/dev/sda1", "fstype": "vfat", "type": "part"},
	    {"name": "sda3", "path": "/dev/sda3", "fstype": "crypto_LUKS", "type": "part"}
	  ]}
	]}`

	// Backup present under the subdir of the would-be mountpoint.
	subdir := "var/backups/bootstick"
	writeBackup(t, filepath.Join(o.MountBase, "source", subdir))
	cannedMinimalProvision(r)
	fstab := writeFstab(t)

	err := o.Run(Options{
		Device:       "/dev/sdb",
		SourceMode:   SourceLUKS,
		VolumeSubdir: subdir,
		Signature:    layout.DefaultSignature,
		FstabPath:    fstab,
	})
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, o.State())
	assert.True(t, r.DidRun("cryptsetup open /dev/sda3 bootstick-restore"))
	assert.True(t, r.DidRun("cryptsetup close bootstick-restore"))
	assert.Empty(t, o.Resources.Active())
}

func TestRestoreNoEncryptedVolumeAnywhere(t *testing.T) {
	r := run.NewScriptRunner()
	o := testOrchestrator(t, r)
	o.Resources.MapperDir = t.TempDir()

	r.Outputs["lsblk -J -b -o NAME,PATH,FSTYPE,LABEL,SIZE,TYPE /dev/sda"] = `{"blockdevices": [
	  {"name": "sda", "path": "/dev/sda", "type": "disk", "children": [
	    {"name": "sda1", "path": "/dev/sda1", "fstype": "vfat", "type": "part"}
	  ]}
	]}`

	err := o.Run(Options{
		Device:     "/dev/sdb",
		SourceMode: SourceLUKS,
		Signature:  layout.DefaultSignature,
	})

	var noVolume *NoEncryptedVolumeError
	require.ErrorAs(t, err, &noVolume)
	assert.Equal(t, StateAborted, o.State())
	assert.Empty(t, o.Resources.Active())
}

func TestRestoreCancelledAtLayoutConfirmation(t *testing.T) {
	r := run.NewScriptRunner()
	cannedMinimalProvision(r)

	o := testOrchestrator(t, r)
	o.Confirm = func(string) bool { return false }
	backupDir := filepath.Join(t.TempDir(), "backup")
	writeBackup(t, backupDir)

	err := o.Run(Options{
		Device:     "/dev/sdb",
		SourceMode: SourceDirect,
		BackupDir:  backupDir,
		Signature:  layout.DefaultSignature,
	})

	var cancelled *CancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, StateAborted, o.State())
	assert.False(t, r.DidRun("parted"), "nothing destructive may run after a declined prompt")
	assert.False(t, r.DidRun("mkfs"))
}

func TestRestoreCancelledAtDestructiveConfirmation(t *testing.T) {
	r := run.NewScriptRunner()
	cannedMinimalProvision(r)

	o := testOrchestrator(t, r)
	o.ConfirmDestructive = func(string) bool { return false }
	backupDir := filepath.Join(t.TempDir(), "backup")
	writeBackup(t, backupDir)

	err := o.Run(Options{
		Device:     "/dev/sdb",
		SourceMode: SourceDirect,
		BackupDir:  backupDir,
		Signature:  layout.DefaultSignature,
	})

	var cancelled *CancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.False(t, r.DidRun("parted"))
}

func TestRestorePartitioningFailureReleasesEverything(t *testing.T) {
	r := run.NewScriptRunner()
	o := testOrchestrator(t, r)
	o.Resources.MapperDir = t.TempDir()

	subdir := "var/backups/bootstick"
	writeBackup(t, filepath.Join(o.MountBase, "source", subdir))
	r.Outputs["lsblk -J -b -o NAME,PATH,FSTYPE,LABEL,SIZE,TYPE /dev/sdb"] = emptyTargetLsblk
	r.Errors["parted -s /dev/sdb -- mklabel gpt"] = errors.New("device busy")

	err := o.Run(Options{
		Device:       "/dev/sdb",
		SourceMode:   SourceLUKS,
		LUKSDevice:   "/dev/sda3",
		VolumeSubdir: subdir,
		Signature:    layout.DefaultSignature,
		AssumeYes:    true,
	})
	require.Error(t, err)
	assert.Equal(t, StateAborted, o.State())

	// The failure happened well past acquisition; cleanup still ran.
	assert.True(t, r.DidRun("umount "+filepath.Join(o.MountBase, "source")))
	assert.True(t, r.DidRun("cryptsetup close bootstick-restore"))
	assert.Empty(t, o.Resources.Active())
	assert.False(t, r.DidRun("mkfs"), "formatting must not start after a partitioning failure")
}

func TestRestoreVerifyFailureStopsBeforeProvisioning(t *testing.T) {
	r := run.NewScriptRunner()
	o := testOrchestrator(t, r)
	backupDir := filepath.Join(t.TempDir(), "backup")
	writeBackup(t, backupDir)

	// Tamper after the manifest was written.
	tampered := filepath.Join(backupDir, "boot", "grub2", "grub.cfg")
	require.NoError(t, os.WriteFile(tampered, []byte("tampered\n"), 0o644))

	err := o.Run(Options{
		Device:     "/dev/sdb",
		SourceMode: SourceDirect,
		BackupDir:  backupDir,
		Signature:  layout.DefaultSignature,
		Verify:     true,
		AssumeYes:  true,
	})
	require.Error(t, err)
	assert.Equal(t, StateAborted, o.State())
	assert.Empty(t, r.Ran, "a corrupt snapshot must stop the run before any device command")
}

func TestRestoreDryRunTouchesNothing(t *testing.T) {
	r := run.NewScriptRunner()
	r.Preview = true
	r.Outputs["lsblk -J -b -o NAME,PATH,FSTYPE,LABEL,SIZE,TYPE /dev/sdb"] = emptyTargetLsblk

	o := testOrchestrator(t, r)
	backupDir := filepath.Join(t.TempDir(), "backup")
	writeBackup(t, backupDir)
	fstab := writeFstab(t)

	before, err := os.ReadFile(fstab)
	require.NoError(t, err)

	err = o.Run(Options{
		Device:     "/dev/sdb",
		SourceMode: SourceDirect,
		BackupDir:  backupDir,
		Signature:  layout.DefaultSignature,
		AssumeYes:  true,
		FstabPath:  fstab,
	})
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, o.State())

	assert.Empty(t, r.Ran, "a preview must not execute any mutating command")
	after, err := os.ReadFile(fstab)
	require.NoError(t, err)
	assert.Equal(t, before, after, "a preview must not rewrite any file")
	// No snapshot trees were copied anywhere.
	_, statErr := os.Stat(filepath.Join(o.MountBase, "boot"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRestoreVentoyEndToEnd(t *testing.T) {
	r := run.NewScriptRunner()
	r.Outputs["lsblk -J -b -o NAME,PATH,FSTYPE,LABEL,SIZE,TYPE /dev/sdb"] = `{"blockdevices": [
	  {"name": "sdb", "path": "/dev/sdb", "type": "disk", "children": [
	    {"name": "sdb1", "path": "/dev/sdb1", "fstype": "exfat", "label": "Ventoy", "type": "part"},
	    {"name": "sdb2", "path": "/dev/sdb2", "fstype": "vfat", "label": "VTOYEFI", "type": "part"}
	  ]}
	]}`
	r.Outputs["parted -sm /dev/sdb -- unit MiB print"] = "BYT;\n/dev/sdb:59648MiB:scsi:512:512:gpt::;\n1:1.00MiB:32479MiB:32478MiB:exfat::;\n2:32479MiB:32512MiB:33.0MiB:fat16::esp;\n"
	r.Outputs["blkid -s UUID -o value /dev/sdb3"] = newEFIUUID + "\n"
	r.Outputs["blkid -s UUID -o value /dev/sdb4"] = newBootUUID + "\n"

	o := testOrchestrator(t, r)
	backupDir := filepath.Join(t.TempDir(), "backup")
	writeBackup(t, backupDir)
	// The backup carries the loader's chain config.
	auxCfg := filepath.Join(backupDir, "ventoy", "ventoy_grub.cfg")
	require.NoError(t, os.MkdirAll(filepath.Dir(auxCfg), 0o755))
	require.NoError(t, os.WriteFile(auxCfg, []byte("search --fs-uuid "+oldBootUUID+"\n"), 0o644))
	fstab := writeFstab(t)

	err := o.Run(Options{
		Device:     "/dev/sdb",
		SourceMode: SourceDirect,
		BackupDir:  backupDir,
		Signature:  layout.DefaultSignature,
		AssumeYes:  true,
		FstabPath:  fstab,
	})
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, o.State())

	// Appended into the reserved space, never relabeled.
	assert.False(t, r.DidRun("mklabel"))
	assert.True(t, r.DidRun("parted -s /dev/sdb -- mkpart efi fat32 32512MiB 33024MiB"))
	assert.True(t, r.DidRun("mkfs.ext4 -F -L usbboot /dev/sdb4"))

	// The chain config came back and was rewritten to the new UUID.
	restored := filepath.Join(o.MountBase, "aux", "ventoy", "ventoy_grub.cfg")
	got, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Contains(t, string(got), newBootUUID)
	assert.NotContains(t, string(got), oldBootUUID)
	assert.True(t, r.DidRun("umount "+filepath.Join(o.MountBase, "aux")))
	assert.Empty(t, o.Resources.Active())
}
