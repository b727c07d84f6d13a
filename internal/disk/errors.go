package disk

import "fmt"

// PreconditionReason classifies why a workflow refused to start.
type PreconditionReason string

const (
	NotRoot          PreconditionReason = "not-root"
	SourceNotMounted PreconditionReason = "source-not-mounted"
	InvalidDevice    PreconditionReason = "invalid-device"
	DeviceIsExcluded PreconditionReason = "device-is-excluded"
)

// PreconditionError means the environment is not ready. Nothing was touched;
// the user fixes the environment and re-runs.
type PreconditionError struct {
	Reason PreconditionReason
	Detail string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed (%s): %s", e.Reason, e.Detail)
}

// DeviceResolutionError means a mount point could not be traced back to a
// block device, or a device query returned something unusable.
type DeviceResolutionError struct {
	Subject string
	Err     error
}

func (e *DeviceResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot resolve device for %s: %v", e.Subject, e.Err)
	}
	return fmt.Sprintf("cannot resolve device for %s", e.Subject)
}

func (e *DeviceResolutionError) Unwrap() error { return e.Err }

// PartitioningError means partition creation or the post-creation wait for
// kernel device nodes failed.
type PartitioningError struct {
	Device string
	Err    error
}

func (e *PartitioningError) Error() string {
	return fmt.Sprintf("partitioning %s failed: %v", e.Device, e.Err)
}

func (e *PartitioningError) Unwrap() error { return e.Err }
