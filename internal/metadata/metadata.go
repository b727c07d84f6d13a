// Package metadata persists the single record a backup run leaves behind.
// The file is bracketed-section key=value text; only BOOT_UUID and EFI_UUID
// are load-bearing for a restore, everything else is diagnostic.
package metadata

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/ini.v1"
)

// FileName is the metadata file inside the backup root.
const FileName = "backup-info.conf"

// BackupMetadata is created wholesale on every backup run and read-only
// during restore. There is at most one record at a time.
type BackupMetadata struct {
	BootUUID string
	EFIUUID  string

	BootDevice string
	EFIDevice  string
	USBDisk    string

	BootSizeBytes int64
	EFISizeBytes  int64

	// LUKSUUID identifies the encrypted root at backup time. Informational,
	// never rewritten.
	LUKSUUID string

	CreatedAt     time.Time
	KernelVersion string
}

// Validate enforces the one restore-blocking invariant: both filesystem
// UUIDs must be present.
func (m *BackupMetadata) Validate() error {
	if m.BootUUID == "" {
		return fmt.Errorf("metadata is missing BOOT_UUID")
	}
	if m.EFIUUID == "" {
		return fmt.Errorf("metadata is missing EFI_UUID")
	}
	return nil
}

// Save overwrites the metadata file at path.
func (m *BackupMetadata) Save(path string) error {
	cfg := ini.Empty()

	identity, _ := cfg.NewSection("identity")
	identity.NewKey("BOOT_UUID", m.BootUUID)
	identity.NewKey("EFI_UUID", m.EFIUUID)
	identity.NewKey("LUKS_UUID", m.LUKSUUID)

	devices, _ := cfg.NewSection("devices")
	devices.NewKey("BOOT_DEV", m.BootDevice)
	devices.NewKey("EFI_DEV", m.EFIDevice)
	devices.NewKey("USB_DISK", m.USBDisk)

	sizes, _ := cfg.NewSection("sizes")
	sizes.NewKey("BOOT_SIZE_BYTES", fmt.Sprintf("%d", m.BootSizeBytes))
	sizes.NewKey("EFI_SIZE_BYTES", fmt.Sprintf("%d", m.EFISizeBytes))

	system, _ := cfg.NewSection("system")
	system.NewKey("BACKUP_DATE", m.CreatedAt.UTC().Format(time.RFC3339))
	system.NewKey("KERNEL_VERSION", m.KernelVersion)

	return cfg.SaveTo(path)
}

// Load reads and validates a metadata file. Comment lines and blank lines
// are tolerated; unknown keys are ignored.
func Load(path string) (*BackupMetadata, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("metadata file %s: %w", path, err)
	}
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metadata file %s: %w", path, err)
	}

	m := &BackupMetadata{}

	identity := cfg.Section("identity")
	m.BootUUID = identity.Key("BOOT_UUID").String()
	m.EFIUUID = identity.Key("EFI_UUID").String()
	m.LUKSUUID = identity.Key("LUKS_UUID").String()

	devices := cfg.Section("devices")
	m.BootDevice = devices.Key("BOOT_DEV").String()
	m.EFIDevice = devices.Key("EFI_DEV").String()
	m.USBDisk = devices.Key("USB_DISK").String()

	sizes := cfg.Section("sizes")
	m.BootSizeBytes, _ = sizes.Key("BOOT_SIZE_BYTES").Int64()
	m.EFISizeBytes, _ = sizes.Key("EFI_SIZE_BYTES").Int64()

	system := cfg.Section("system")
	if raw := system.Key("BACKUP_DATE").String(); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			m.CreatedAt = ts
		}
	}
	m.KernelVersion = system.Key("KERNEL_VERSION").String()

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
