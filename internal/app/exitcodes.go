package app

import (
	"errors"

	"github.com/stickops/bootstick/internal/disk"
	"github.com/stickops/bootstick/internal/layout"
	"github.com/stickops/bootstick/internal/provision"
	"github.com/stickops/bootstick/internal/restore"
	"github.com/stickops/bootstick/internal/rewrite"
	"github.com/stickops/bootstick/internal/snapshot"
)

// Exit codes, one per failure class, so scripts wrapping bootstick can
// tell what went wrong.
const (
	ExitOK                = 0
	ExitUsage             = 1
	ExitNotRoot           = 2
	ExitSourceNotMounted  = 3
	ExitCancelled         = 4
	ExitInvalidDevice     = 5
	ExitNoEncryptedVolume = 6
	ExitBackupNotFound    = 7
	ExitPartitioning      = 8
	ExitRestoreCopy       = 9
	ExitConfigRewrite     = 10
	ExitLayoutDetection   = 11
)

func exitCode(err error) int {
	var precondition *disk.PreconditionError
	if errors.As(err, &precondition) {
		switch precondition.Reason {
		case disk.NotRoot:
			return ExitNotRoot
		case disk.SourceNotMounted:
			return ExitSourceNotMounted
		case disk.InvalidDevice, disk.DeviceIsExcluded:
			return ExitInvalidDevice
		}
	}

	var (
		cancelled    *restore.CancelledError
		noVolume     *restore.NoEncryptedVolumeError
		notFound     *restore.BackupNotFoundError
		partitioning *disk.PartitioningError
		format       *provision.FormatError
		copyErr      *snapshot.CopyError
		rewriteErr   *rewrite.ConfigRewriteError
		detection    *layout.DetectionError
		resolution   *disk.DeviceResolutionError
	)
	switch {
	case errors.As(err, &cancelled):
		return ExitCancelled
	case errors.As(err, &noVolume):
		return ExitNoEncryptedVolume
	case errors.As(err, &notFound):
		return ExitBackupNotFound
	case errors.As(err, &partitioning), errors.As(err, &format):
		return ExitPartitioning
	case errors.As(err, &copyErr):
		return ExitRestoreCopy
	case errors.As(err, &rewriteErr):
		return ExitConfigRewrite
	case errors.As(err, &detection), errors.As(err, &resolution):
		return ExitLayoutDetection
	default:
		return ExitUsage
	}
}
