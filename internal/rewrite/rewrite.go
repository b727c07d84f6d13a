// Package rewrite substitutes the backed-up filesystem UUIDs with the ones
// the freshly formatted partitions received, across a fixed set of config
// files. This is a literal substring replacement per file, never a
// tree-wide search and replace.
package rewrite

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/sirupsen/logrus"
)

// Mapping is the old -> new UUID substitution for both partitions. Both
// pairs must be fully resolved before any file is touched.
type Mapping struct {
	BootOld string
	BootNew string
	EFIOld  string
	EFINew  string
}

// Filesystem UUIDs come in two shapes here: ext4's canonical form and
// FAT's volume serial.
var (
	ext4UUIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	fatUUIDPattern  = regexp.MustCompile(`^[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}$`)
)

func validUUID(s string) bool {
	return ext4UUIDPattern.MatchString(s) || fatUUIDPattern.MatchString(s)
}

// Validate refuses to rewrite anything unless every UUID in the mapping is
// present and syntactically plausible.
func (m Mapping) Validate() error {
	for name, value := range map[string]string{
		"old boot UUID": m.BootOld,
		"new boot UUID": m.BootNew,
		"old EFI UUID":  m.EFIOld,
		"new EFI UUID":  m.EFINew,
	} {
		if value == "" {
			return &ConfigRewriteError{Reason: fmt.Sprintf("%s is empty", name)}
		}
		if !validUUID(value) {
			return &ConfigRewriteError{Reason: fmt.Sprintf("%s %q is not a valid filesystem UUID", name, value)}
		}
	}
	return nil
}

func (m Mapping) pairs() [][2]string {
	return [][2]string{{m.BootOld, m.BootNew}, {m.EFIOld, m.EFINew}}
}

// Candidate is one config file that may reference the old UUIDs.
type Candidate struct {
	Path string
	// Required files must exist and take the rewrite; a failure there
	// leaves the restored medium unbootable, so it is fatal.
	Required bool
}

// ConfigRewriteError means a mandatory config file could not be updated.
type ConfigRewriteError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConfigRewriteError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config rewrite failed for %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("config rewrite failed: %s", e.Reason)
}

func (e *ConfigRewriteError) Unwrap() error { return e.Err }

// Apply rewrites every candidate file that contains an old UUID, leaving
// all other bytes untouched. Files without an occurrence are logged and
// skipped; absent optional files are logged and skipped; an absent or
// unwritable required file is fatal. Applying the same mapping twice is a
// no-op because the old UUIDs no longer appear. Returns the paths that
// were modified.
func Apply(log *logrus.Logger, m Mapping, candidates []Candidate) ([]string, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var changed []string
	for _, c := range candidates {
		info, err := os.Stat(c.Path)
		if err != nil {
			if os.IsNotExist(err) && !c.Required {
				log.WithField("file", c.Path).Info("optional config file absent, skipping")
				continue
			}
			return changed, &ConfigRewriteError{Path: c.Path, Reason: "file not accessible", Err: err}
		}

		content, err := os.ReadFile(c.Path)
		if err != nil {
			return changed, &ConfigRewriteError{Path: c.Path, Reason: "cannot read", Err: err}
		}

		updated := content
		for _, pair := range m.pairs() {
			updated = bytes.ReplaceAll(updated, []byte(pair[0]), []byte(pair[1]))
		}

		if bytes.Equal(updated, content) {
			log.WithField("file", c.Path).Info("no old UUID present, leaving untouched")
			continue
		}

		if err := os.WriteFile(c.Path, updated, info.Mode().Perm()); err != nil {
			return changed, &ConfigRewriteError{Path: c.Path, Reason: "cannot write", Err: err}
		}
		log.WithField("file", c.Path).Info("rewrote UUID references")
		changed = append(changed, c.Path)
	}
	return changed, nil
}

// Candidates enumerates the config files that may reference the old UUIDs:
// the running system's mount table (required, since a stale entry there
// leaves the system unable to mount /boot), the grub configs on the restored boot
// and EFI trees, every file in the boot-entries directory (each checked
// independently), and in Ventoy mode the chainloader config on the aux
// partition. auxRoot is empty outside Ventoy mode.
func Candidates(fstabPath, bootRoot, efiRoot, auxRoot string) []Candidate {
	candidates := []Candidate{
		{Path: fstabPath, Required: true},
		{Path: filepath.Join(bootRoot, "grub2", "grub.cfg")},
		{Path: filepath.Join(efiRoot, "EFI", "fedora", "grub.cfg")},
	}

	entriesDir := filepath.Join(bootRoot, "loader", "entries")
	if entries, err := os.ReadDir(entriesDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			candidates = append(candidates, Candidate{Path: filepath.Join(entriesDir, entry.Name())})
		}
	}

	if auxRoot != "" {
		candidates = append(candidates, Candidate{Path: filepath.Join(auxRoot, "ventoy", "ventoy_grub.cfg")})
	}

	return candidates
}
