package restore

import "fmt"

// BackupNotFoundError is terminal: the backup location is reachable but no
// usable backup is in it. The user must create a backup first.
type BackupNotFoundError struct {
	Path string
}

func (e *BackupNotFoundError) Error() string {
	return fmt.Sprintf("no backup found at %s", e.Path)
}

// NoEncryptedVolumeError means luks source mode found no crypto_LUKS
// partition to unlock.
type NoEncryptedVolumeError struct{}

func (e *NoEncryptedVolumeError) Error() string {
	return "no encrypted source volume found"
}

// CancelledError is the user declining a confirmation prompt. Nothing
// destructive has happened yet when it is raised.
type CancelledError struct {
	Step string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled by user at %s", e.Step)
}
