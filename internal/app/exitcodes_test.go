package app

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stickops/bootstick/internal/disk"
	"github.com/stickops/bootstick/internal/layout"
	"github.com/stickops/bootstick/internal/provision"
	"github.com/stickops/bootstick/internal/restore"
	"github.com/stickops/bootstick/internal/rewrite"
	"github.com/stickops/bootstick/internal/snapshot"
)

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&disk.PreconditionError{Reason: disk.NotRoot}, ExitNotRoot},
		{&disk.PreconditionError{Reason: disk.SourceNotMounted}, ExitSourceNotMounted},
		{&disk.PreconditionError{Reason: disk.InvalidDevice}, ExitInvalidDevice},
		{&disk.PreconditionError{Reason: disk.DeviceIsExcluded}, ExitInvalidDevice},
		{&restore.CancelledError{Step: "layout confirmation"}, ExitCancelled},
		{&restore.NoEncryptedVolumeError{}, ExitNoEncryptedVolume},
		{&restore.BackupNotFoundError{Path: "/mnt/backup"}, ExitBackupNotFound},
		{&disk.PartitioningError{Device: "/dev/sdb"}, ExitPartitioning},
		{&provision.FormatError{Device: "/dev/sdb2"}, ExitPartitioning},
		{&snapshot.CopyError{Path: "/boot"}, ExitRestoreCopy},
		{&rewrite.ConfigRewriteError{}, ExitConfigRewrite},
		{&layout.DetectionError{Device: "/dev/sdb"}, ExitLayoutDetection},
		{&disk.DeviceResolutionError{Subject: "/dev/sdb"}, ExitLayoutDetection},
		{errors.New("anything else"), ExitUsage},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, exitCode(tc.err), "%T", tc.err)
	}
}

func TestExitCodeUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("restore failed: %w", &restore.BackupNotFoundError{Path: "/mnt/backup"})
	assert.Equal(t, ExitBackupNotFound, exitCode(wrapped))
}
