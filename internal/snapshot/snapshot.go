// Package snapshot mirrors the boot and EFI trees into the backup root and
// maintains the checksum manifest that covers them.
package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Tree is one source directory to mirror, stored under Name inside the
// snapshot root.
type Tree struct {
	Source string
	Name   string
	// Exclude lists absolute source paths skipped during the walk. Used to
	// keep the EFI mount from being copied a second time through the boot
	// tree.
	Exclude []string
}

// CopyError aborts the whole backup; a partial snapshot is worse than none.
type CopyError struct {
	Path string
	Err  error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copy failed at %s: %v", e.Path, e.Err)
}

func (e *CopyError) Unwrap() error { return e.Err }

// MirrorTrees replaces the snapshot under destRoot with a full copy of each
// source tree. The previous snapshot of each tree is deleted first, so the
// result is always a mirror of the sources at copy time, never a union of
// old and new.
func MirrorTrees(log *logrus.Logger, trees []Tree, destRoot string) error {
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return &CopyError{Path: destRoot, Err: err}
	}
	for _, tree := range trees {
		dest := filepath.Join(destRoot, tree.Name)
		log.WithFields(logrus.Fields{"source": tree.Source, "dest": dest}).Info("mirroring tree")
		if err := os.RemoveAll(dest); err != nil {
			return &CopyError{Path: dest, Err: err}
		}
		if err := CopyTree(tree.Source, dest, tree.Exclude); err != nil {
			return err
		}
	}
	return nil
}

// CopyTree copies source into dest (attribute-preserving, symlinks kept as
// symlinks) without clearing dest first. The restore path uses it to fill
// freshly formatted, still-mounted partitions.
func CopyTree(source, dest string, exclude []string) error {
	excluded := make(map[string]bool, len(exclude))
	for _, path := range exclude {
		excluded[filepath.Clean(path)] = true
	}

	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return &CopyError{Path: path, Err: err}
		}
		if excluded[filepath.Clean(path)] {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return &CopyError{Path: path, Err: err}
		}
		target := filepath.Join(dest, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			linkDest, err := os.Readlink(path)
			if err != nil {
				return &CopyError{Path: path, Err: err}
			}
			if err := os.Symlink(linkDest, target); err != nil {
				return &CopyError{Path: target, Err: err}
			}
			return nil
		case info.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
				return &CopyError{Path: target, Err: err}
			}
			return nil
		case info.Mode().IsRegular():
			if err := copyFile(path, target, info); err != nil {
				return err
			}
			return nil
		default:
			// Sockets and device nodes have no business in /boot; skip.
			return nil
		}
	})
}

func copyFile(source, target string, info os.FileInfo) error {
	in, err := os.Open(source)
	if err != nil {
		return &CopyError{Path: source, Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return &CopyError{Path: target, Err: err}
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return &CopyError{Path: target, Err: err}
	}
	if err := out.Close(); err != nil {
		return &CopyError{Path: target, Err: err}
	}
	if err := os.Chtimes(target, info.ModTime(), info.ModTime()); err != nil {
		return &CopyError{Path: target, Err: err}
	}
	return nil
}
