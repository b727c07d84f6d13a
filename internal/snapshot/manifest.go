package snapshot

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestName is the checksum manifest inside the backup root. The format
// is the one sha256sum -c expects, so an unmodified external verifier can
// check a backup.
const ManifestName = "SHA256SUMS"

// Entry is one (digest, relative path) pair of the manifest.
type Entry struct {
	Digest string
	Path   string
}

// ComputeManifest hashes every regular file under the named trees inside
// root. Paths are relative to root and sorted, so the manifest is portable
// to a new restore location and stable across runs. Trees that do not exist
// (an absent optional aux-config dir) are skipped.
func ComputeManifest(root string, trees ...string) ([]Entry, error) {
	var entries []Entry
	for _, tree := range trees {
		base := filepath.Join(root, tree)
		if _, err := os.Stat(base); os.IsNotExist(err) {
			continue
		}
		err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			digest, err := hashFile(path)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{Digest: digest, Path: filepath.ToSlash(rel)})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to compute checksums under %s: %w", base, err)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// WriteManifest overwrites path with the manifest, one "digest␠␠path" line
// per file.
func WriteManifest(entries []Entry, path string) error {
	out := &strings.Builder{}
	for _, e := range entries {
		fmt.Fprintf(out, "%s  %s\n", e.Digest, e.Path)
	}
	return os.WriteFile(path, []byte(out.String()), 0o644)
}

// ReadManifest parses a manifest written by WriteManifest (or sha256sum).
func ReadManifest(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		idx := strings.Index(line, "  ")
		if idx <= 0 {
			return nil, fmt.Errorf("malformed manifest line: %q", line)
		}
		entries = append(entries, Entry{Digest: line[:idx], Path: line[idx+2:]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Verify recomputes checksums for the named trees under root and compares
// against the manifest at manifestPath. Any missing, extra, or mismatching
// file fails the check.
func Verify(root, manifestPath string, trees ...string) error {
	want, err := ReadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	got, err := ComputeManifest(root, trees...)
	if err != nil {
		return err
	}

	wantByPath := make(map[string]string, len(want))
	for _, e := range want {
		wantByPath[e.Path] = e.Digest
	}

	var problems []string
	seen := make(map[string]bool, len(got))
	for _, e := range got {
		seen[e.Path] = true
		digest, ok := wantByPath[e.Path]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("%s: not in manifest", e.Path))
		case digest != e.Digest:
			problems = append(problems, fmt.Sprintf("%s: checksum mismatch", e.Path))
		}
	}
	for _, e := range want {
		if !seen[e.Path] {
			problems = append(problems, fmt.Sprintf("%s: missing from snapshot", e.Path))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("snapshot does not match manifest:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
