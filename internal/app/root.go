// Package app wires the cobra command tree and maps workflow errors to
// process exit codes.
package app

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/carlmjohnson/versioninfo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	dryRun bool

	rootCmd = &cobra.Command{
		Use:   "bootstick",
		Short: "Back up and restore a USB boot drive's boot/EFI partitions",
		Long: `bootstick backs up the /boot and /boot/efi partitions of a system that
boots from a removable USB drive, and restores them onto a fresh (or
Ventoy-carrying) USB drive, rewriting the UUID references in fstab and the
boot-entry files so the rebuilt drive actually boots.

The backup lives off the USB drive, typically on the system's encrypted
root volume, so losing the stick never means losing the boot environment.

Examples:
  # Snapshot the currently mounted boot partitions
  sudo bootstick backup

  # See what a restore onto /dev/sdb would do, without touching it
  sudo bootstick restore --device /dev/sdb --dry-run

  # Rebuild /dev/sdb from the backup behind the encrypted root volume
  sudo bootstick restore --device /dev/sdb --source-mode luks`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.Version = versioninfo.Short()
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "simulate without mutating anything")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return ExitOK
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

// confirm asks a yes/no question on the terminal. Anything but an explicit
// yes declines.
func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// confirmDestructive guards the whole-disk relabel: the operator must type
// the device name back.
func confirmDestructive(device string) bool {
	fmt.Fprintf(os.Stderr, "This will DESTROY ALL DATA on %s.\nType the device path to continue: ", device)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == device
}
