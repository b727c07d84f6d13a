// Package resources tracks every mount and unlocked volume a workflow
// acquires, so they get released exactly once, in reverse order of
// acquisition, on every exit path. A resource found already present at
// acquire time was not created by this run and is never torn down.
package resources

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/stickops/bootstick/internal/run"
)

// Resource is the ownership token an acquire operation returns.
type Resource struct {
	desc     string
	owned    bool
	released bool
	release  func() error
}

// Owned reports whether this run created the resource.
func (r *Resource) Owned() bool { return r.owned }

// Release releases this resource now instead of at ReleaseAll time. Unowned
// or already-released resources are a no-op, and ReleaseAll will skip a
// resource released here.
func (r *Resource) Release() error {
	if !r.owned || r.released {
		return nil
	}
	r.released = true
	return r.release()
}

// Stack releases acquired resources in strict reverse order.
type Stack struct {
	log       *logrus.Logger
	runner    run.Runner
	resources []*Resource

	// MapperDir is where device-mapper nodes appear.
	MapperDir string
}

func NewStack(log *logrus.Logger, runner run.Runner) *Stack {
	return &Stack{log: log, runner: runner, MapperDir: "/dev/mapper"}
}

// Mount mounts device at mountpoint. If something is already mounted
// there, the token is unowned and ReleaseAll leaves it alone. Acquisition
// executes even in dry-run: previews need real read access to the backup.
func (s *Stack) Mount(mounts map[string]string, device, mountpoint string) (*Resource, error) {
	if _, mounted := mounts[filepath.Clean(mountpoint)]; mounted {
		s.log.WithField("mountpoint", mountpoint).Info("already mounted, adopting without ownership")
		return s.push(&Resource{desc: fmt.Sprintf("mount %s", mountpoint), owned: false}), nil
	}

	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mount point %s: %w", mountpoint, err)
	}
	if _, err := s.runner.RunAlways("mount", device, mountpoint); err != nil {
		return nil, fmt.Errorf("failed to mount %s at %s: %w", device, mountpoint, err)
	}

	return s.push(&Resource{
		desc:  fmt.Sprintf("mount %s", mountpoint),
		owned: true,
		release: func() error {
			_, err := s.runner.RunAlways("umount", mountpoint)
			return err
		},
	}), nil
}

// OpenLUKS unlocks an encrypted volume under /dev/mapper/<name>. An
// already-present mapping is adopted without ownership. cryptsetup prompts
// for the passphrase interactively and may block indefinitely.
func (s *Stack) OpenLUKS(device, name string) (*Resource, string, error) {
	mapped := filepath.Join(s.MapperDir, name)
	if _, err := os.Stat(mapped); err == nil {
		s.log.WithField("mapping", mapped).Info("volume already unlocked, adopting without ownership")
		return s.push(&Resource{desc: fmt.Sprintf("luks %s", name), owned: false}), mapped, nil
	}

	if _, err := s.runner.RunAlways("cryptsetup", "open", device, name); err != nil {
		return nil, "", fmt.Errorf("failed to unlock %s: %w", device, err)
	}

	return s.push(&Resource{
		desc:  fmt.Sprintf("luks %s", name),
		owned: true,
		release: func() error {
			_, err := s.runner.RunAlways("cryptsetup", "close", name)
			return err
		},
	}), mapped, nil
}

func (s *Stack) push(r *Resource) *Resource {
	s.resources = append(s.resources, r)
	return r
}

// ReleaseAll releases every owned resource exactly once, newest first.
// Release failures are logged, not returned: cleanup must visit every
// resource regardless.
func (s *Stack) ReleaseAll() {
	for i := len(s.resources) - 1; i >= 0; i-- {
		r := s.resources[i]
		if !r.owned || r.released {
			continue
		}
		r.released = true
		if err := r.release(); err != nil {
			s.log.WithField("resource", r.desc).WithError(err).Warn("failed to release resource")
			continue
		}
		s.log.WithField("resource", r.desc).Info("released")
	}
	s.resources = nil
}

// Active returns the descriptions of owned, unreleased resources. Used by
// tests to assert the release invariant.
func (s *Stack) Active() []string {
	var active []string
	for _, r := range s.resources {
		if r.owned && !r.released {
			active = append(active, r.desc)
		}
	}
	return active
}
