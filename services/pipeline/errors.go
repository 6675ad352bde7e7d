package pipeline

import (
	"fmt"
	"strings"

	"agent-provisioner/pkg/errutil"
)

// StepFailure is a fatal step that exited non-zero or could not run.
type StepFailure struct {
	Step     string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *StepFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %s", e.Step, errutil.Message(e.Err))
	}
	out := strings.TrimSpace(e.Stderr)
	if out == "" {
		out = strings.TrimSpace(e.Stdout)
	}
	return fmt.Sprintf("%s failed (exit %d): %s", e.Step, e.ExitCode, out)
}

func (e *StepFailure) Unwrap() error {
	return e.Err
}
