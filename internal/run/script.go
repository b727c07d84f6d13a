package run

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// ScriptRunner is a test double that replays canned output keyed on the
// joined command line and records everything it was asked to execute.
type ScriptRunner struct {
	Log     *logrus.Logger
	Preview bool

	// Outputs maps a full command line ("blkid -s UUID ...") to its stdout.
	// Commands without an entry succeed with empty output.
	Outputs map[string]string
	// Errors maps a full command line to a forced failure.
	Errors map[string]error

	// Ran records mutating commands that were executed (Run + RunAlways).
	Ran []string
	// Queried records read-only commands.
	Queried []string
	// Skipped records mutating commands suppressed by dry-run.
	Skipped []string
}

func NewScriptRunner() *ScriptRunner {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return &ScriptRunner{
		Log:     log,
		Outputs: map[string]string{},
		Errors:  map[string]error{},
	}
}

func (r *ScriptRunner) DryRun() bool { return r.Preview }

func (r *ScriptRunner) Run(args ...string) (string, error) {
	line := strings.Join(args, " ")
	if r.Preview {
		r.Skipped = append(r.Skipped, line)
		return "", nil
	}
	r.Ran = append(r.Ran, line)
	return r.lookup(line)
}

func (r *ScriptRunner) RunAlways(args ...string) (string, error) {
	line := strings.Join(args, " ")
	r.Ran = append(r.Ran, line)
	return r.lookup(line)
}

func (r *ScriptRunner) Query(args ...string) (string, error) {
	line := strings.Join(args, " ")
	r.Queried = append(r.Queried, line)
	return r.lookup(line)
}

func (r *ScriptRunner) lookup(line string) (string, error) {
	if err, ok := r.Errors[line]; ok {
		return "", fmt.Errorf("%s: %w", strings.Fields(line)[0], err)
	}
	return r.Outputs[line], nil
}

// DidRun reports whether any executed mutating command contains substr.
func (r *ScriptRunner) DidRun(substr string) bool {
	for _, line := range r.Ran {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}
