// Package run wraps external tool invocation so workflows can be executed
// for real, previewed without side effects, or driven by canned output in
// tests.
package run

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Runner executes external commands on behalf of the workflows.
//
// Run is for mutating commands and is suppressed in dry-run mode.
// RunAlways is for mutating commands that must execute even during a
// preview (unlocking and mounting the backup source, so the preview can
// prove the backup exists). Query is for read-only commands and always
// executes.
type Runner interface {
	Run(args ...string) (string, error)
	RunAlways(args ...string) (string, error)
	Query(args ...string) (string, error)
	DryRun() bool
}

// ExecRunner shells out for real.
type ExecRunner struct {
	Log     *logrus.Logger
	Preview bool
}

func NewExecRunner(log *logrus.Logger, preview bool) *ExecRunner {
	return &ExecRunner{Log: log, Preview: preview}
}

func (r *ExecRunner) DryRun() bool { return r.Preview }

func (r *ExecRunner) Run(args ...string) (string, error) {
	if r.Preview {
		r.Log.WithField("cmd", strings.Join(args, " ")).Info("dry-run: skipping command")
		return "", nil
	}
	return r.execute(args)
}

func (r *ExecRunner) RunAlways(args ...string) (string, error) {
	return r.execute(args)
}

func (r *ExecRunner) Query(args ...string) (string, error) {
	cmd := exec.Command(args[0], args[1:]...)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s failed: %w", args[0], err)
	}
	return string(output), nil
}

func (r *ExecRunner) execute(args []string) (string, error) {
	r.Log.WithField("cmd", strings.Join(args, " ")).Info("running command")
	cmd := exec.Command(args[0], args[1:]...)
	output := &strings.Builder{}
	cmd.Stdout = io.MultiWriter(os.Stdout, output)
	cmd.Stderr = io.MultiWriter(os.Stderr, output)
	// Interactive tools (cryptsetup passphrase prompts) need the terminal.
	cmd.Stdin = os.Stdin
	if err := cmd.Run(); err != nil {
		return output.String(), fmt.Errorf("%s failed: %w", args[0], err)
	}
	return output.String(), nil
}

// Parted invokes parted in script mode against a single device, the only
// way this tool ever calls it.
func Parted(r Runner, device string, args ...string) (string, error) {
	full := append([]string{"parted", "-s", device, "--"}, args...)
	return r.Run(full...)
}

// PartedQuery is the read-only counterpart, used for machine-readable
// partition table dumps.
func PartedQuery(r Runner, device string, args ...string) (string, error) {
	full := append([]string{"parted", "-sm", device, "--"}, args...)
	return r.Query(full...)
}
