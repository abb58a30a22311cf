package engine

import (
	"context"
	"os/exec"
	"syscall"
	"time"
)

// Step is one shell-evaluated pipeline command: what to run, where, and
// with which environment. The combined stdout/stderr stream is captured
// for the build log.
type Step struct {
	Command string
	Dir     string
	Env     []string
}

// Runner executes pipeline steps.
type Runner interface {
	Run(ctx context.Context, step Step) (string, error)
}

// ShellRunner executes steps through `sh -c` in their own process
// group. On cancellation the group receives SIGTERM; if it has not
// exited within Grace it is killed.
type ShellRunner struct {
	Grace time.Duration
}

// Run executes the step and returns its combined output.
func (r ShellRunner) Run(ctx context.Context, step Step) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", step.Command)
	cmd.Dir = step.Dir
	cmd.Env = step.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	grace := r.Grace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	cmd.WaitDelay = grace
	output, err := cmd.CombinedOutput()
	return string(output), err
}
