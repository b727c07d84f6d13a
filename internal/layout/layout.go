// Package layout decides how a restore target gets partitioned: appended
// after an existing multi-boot loader's reserved space, or onto a freshly
// labeled disk.
package layout

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stickops/bootstick/internal/disk"
	"github.com/stickops/bootstick/internal/run"
)

// Mode selects the partition scheme for a restore run. Exactly one mode is
// chosen per run and never re-evaluated mid-run.
type Mode string

const (
	// Ventoy means the target already hosts a multi-boot loader and our two
	// partitions go into the unallocated space after its second partition.
	Ventoy Mode = "ventoy"
	// Minimal means the whole device is repartitioned from scratch.
	Minimal Mode = "minimal"
)

// Signature is the heuristic that recognizes a multi-boot loader's first
// partition. It is overridable from the command line because an unrelated
// exFAT device could match the default.
type Signature struct {
	Fstype         string
	LabelSubstring string
}

// DefaultSignature matches a stock Ventoy install.
var DefaultSignature = Signature{Fstype: "exfat", LabelSubstring: "Ventoy"}

func (s Signature) matches(p disk.Partition) bool {
	return strings.EqualFold(p.Fstype, s.Fstype) &&
		strings.Contains(strings.ToLower(p.Label), strings.ToLower(s.LabelSubstring))
}

// Layout is the derived partition plan for the target device.
type Layout struct {
	Mode Mode
	// Table is the partition table type the provisioner must speak: "gpt",
	// or "msdos" for MBR-labeled loader installs. Minimal mode always
	// relabels to gpt.
	Table string
	// StartMiB is where the EFI partition begins.
	StartMiB int64
	// EFIPartNum and BootPartNum are the slots the provisioner will create.
	EFIPartNum  int
	BootPartNum int
}

// DetectionError means the device state is ambiguous: a loader partition
// was recognized but the reserved-space offset cannot be computed. Falling
// back to Minimal would destroy the loader, so this is fatal.
type DetectionError struct {
	Device string
	Err    error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("cannot determine layout of %s: %v", e.Device, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// Detect inspects the target device once and selects the layout. The result
// is advisory until the caller confirms it.
func Detect(r run.Runner, device string, sig Signature) (Layout, error) {
	parts, err := disk.Partitions(r, device)
	if err != nil {
		return Layout{}, &DetectionError{Device: device, Err: err}
	}

	first := findPartition(parts, 1)
	if first == nil || !sig.matches(*first) {
		// Empty or unrecognized device: the whole disk is ours.
		return Layout{Mode: Minimal, Table: "gpt", StartMiB: 1, EFIPartNum: 1, BootPartNum: 2}, nil
	}

	if findPartition(parts, 2) == nil {
		return Layout{}, &DetectionError{
			Device: device,
			Err:    fmt.Errorf("first partition matches loader signature (%s/%s) but no second partition exists", sig.Fstype, sig.LabelSubstring),
		}
	}

	out, err := run.PartedQuery(r, device, "unit", "MiB", "print")
	if err != nil {
		return Layout{}, &DetectionError{Device: device, Err: fmt.Errorf("failed to read partition table: %w", err)}
	}
	table, err := diskLabel(out)
	if err != nil {
		return Layout{}, &DetectionError{Device: device, Err: err}
	}
	end, err := partitionEndMiB(out, 2)
	if err != nil {
		return Layout{}, &DetectionError{Device: device, Err: err}
	}

	return Layout{Mode: Ventoy, Table: table, StartMiB: end, EFIPartNum: 3, BootPartNum: 4}, nil
}

func findPartition(parts []disk.Partition, number int) *disk.Partition {
	for i := range parts {
		if parts[i].Number == number {
			return &parts[i]
		}
	}
	return nil
}

// diskLabel reads the partition table type from parted's machine-readable
// header line:
//
//	/dev/sdb:59648MiB:scsi:512:512:msdos:SanDisk Ultra:;
func diskLabel(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSuffix(strings.TrimSpace(line), ";"), ":")
		if len(fields) < 6 || !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}
		if fields[5] == "" {
			break
		}
		return fields[5], nil
	}
	return "", fmt.Errorf("no partition table type in parted output")
}

// partitionEndMiB reads the end offset of a partition from parted's
// machine-readable output. Lines look like:
//
//	2:32479MiB:32512MiB:33MiB:fat16::esp;
func partitionEndMiB(out string, number int) (int64, error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSuffix(strings.TrimSpace(line), ";"), ":")
		if len(fields) < 3 || fields[0] != strconv.Itoa(number) {
			continue
		}
		raw := strings.TrimSuffix(fields[2], "MiB")
		end, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed partition end %q: %w", fields[2], err)
		}
		return int64(end + 0.5), nil
	}
	return 0, fmt.Errorf("partition %d not present in parted output", number)
}
