package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stickops/bootstick/internal/disk"
	"github.com/stickops/bootstick/internal/layout"
	"github.com/stickops/bootstick/internal/resources"
	"github.com/stickops/bootstick/internal/restore"
	"github.com/stickops/bootstick/internal/run"
)

var (
	restoreDevice     string
	restoreSourceMode string
	restoreBackupDir  string
	restoreLUKSDevice string
	volumeSubdir      string
	fstabPath         string
	loaderFstype      string
	loaderLabel       string
	assumeYes         bool
	verifyChecksums   bool

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Rebuild the boot USB drive from the backup",
		Long: `Rebuild a USB boot drive from the backup: create and format fresh EFI and
boot partitions on the target device, copy the snapshot back, and rewrite
the old partition UUIDs in fstab, grub config and the boot entries.

If the target carries a Ventoy install, the new partitions go into the
reserved space after Ventoy's partitions; otherwise the whole device gets
a fresh partition table (after an extra confirmation).

With --source-mode luks the backup is read from an encrypted volume, which
is unlocked (interactive passphrase) and mounted for the duration of the
run. --dry-run still unlocks and reads the backup so it can prove a real
restore would succeed, but creates and writes nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if os.Geteuid() != 0 {
				return &disk.PreconditionError{Reason: disk.NotRoot, Detail: "restore must run as root"}
			}

			var mode restore.SourceMode
			switch restoreSourceMode {
			case string(restore.SourceDirect):
				mode = restore.SourceDirect
			case string(restore.SourceLUKS):
				mode = restore.SourceLUKS
			default:
				return fmt.Errorf("invalid --source-mode %q (want %q or %q)", restoreSourceMode, restore.SourceDirect, restore.SourceLUKS)
			}

			log := newLogger()
			runner := run.NewExecRunner(log, dryRun)
			orchestrator := &restore.Orchestrator{
				Log:                log,
				Runner:             runner,
				Resources:          resources.NewStack(log, runner),
				Confirm:            confirm,
				ConfirmDestructive: confirmDestructive,
			}
			return orchestrator.Run(restore.Options{
				Device:       restoreDevice,
				SourceMode:   mode,
				BackupDir:    restoreBackupDir,
				LUKSDevice:   restoreLUKSDevice,
				VolumeSubdir: volumeSubdir,
				Signature:    layout.Signature{Fstype: loaderFstype, LabelSubstring: loaderLabel},
				Verify:       verifyChecksums,
				AssumeYes:    assumeYes,
				FstabPath:    fstabPath,
			})
		},
	}
)

func init() {
	restoreCmd.Flags().StringVarP(&restoreDevice, "device", "d", "", "target USB disk, e.g. /dev/sdb (required)")
	restoreCmd.MarkFlagRequired("device")

	restoreCmd.Flags().StringVar(&restoreSourceMode, "source-mode", string(restore.SourceLUKS), "where the backup lives: direct (readable path) or luks (encrypted volume)")
	restoreCmd.Flags().StringVar(&restoreBackupDir, "backup-dir", "/var/backups/bootstick", "backup directory (direct mode)")
	restoreCmd.Flags().StringVar(&restoreLUKSDevice, "luks-device", "", "encrypted partition holding the backup (default: first crypto_LUKS partition found)")
	restoreCmd.Flags().StringVar(&volumeSubdir, "volume-subdir", "var/backups/bootstick", "backup directory inside the unlocked volume (luks mode)")
	restoreCmd.Flags().StringVar(&fstabPath, "fstab", "/etc/fstab", "mount table file to rewrite")
	restoreCmd.Flags().StringVar(&loaderFstype, "loader-fstype", layout.DefaultSignature.Fstype, "filesystem type that marks a multi-boot loader's first partition")
	restoreCmd.Flags().StringVar(&loaderLabel, "loader-label", layout.DefaultSignature.LabelSubstring, "label substring that marks a multi-boot loader's first partition")
	restoreCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip confirmation prompts")
	restoreCmd.Flags().BoolVar(&verifyChecksums, "verify", false, "verify the snapshot against its checksum manifest before restoring")
}
