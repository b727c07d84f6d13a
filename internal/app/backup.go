package app

import (
	"github.com/spf13/cobra"

	"github.com/stickops/bootstick/internal/backup"
	"github.com/stickops/bootstick/internal/resources"
	"github.com/stickops/bootstick/internal/run"
)

var (
	backupDir string
	bootMount string
	efiMount  string

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the mounted boot/EFI partitions into the backup directory",
		Long: `Snapshot the mounted boot and EFI partitions into the backup directory,
replacing any previous backup. Records the partition UUIDs and devices in
backup-info.conf and writes a sha256sum-compatible SHA256SUMS manifest.

Must run as root with both partitions mounted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			runner := run.NewExecRunner(log, dryRun)
			workflow := &backup.Workflow{
				Log:       log,
				Runner:    runner,
				Resources: resources.NewStack(log, runner),
			}
			return workflow.Run(backup.Options{
				BootMount: bootMount,
				EFIMount:  efiMount,
				BackupDir: backupDir,
			})
		},
	}
)

func init() {
	backupCmd.Flags().StringVar(&backupDir, "backup-dir", "/var/backups/bootstick", "directory receiving the backup")
	backupCmd.Flags().StringVar(&bootMount, "boot-mount", "/boot", "mount point of the boot partition")
	backupCmd.Flags().StringVar(&efiMount, "efi-mount", "/boot/efi", "mount point of the EFI partition")
}
