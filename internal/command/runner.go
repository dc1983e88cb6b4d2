// Package command runs shell commands and reports exit code plus captured
// output. It backs the post-accept validation command and the command-mode
// remediation dispatcher.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Spec describes one command run.
type Spec struct {
	// Command is passed to sh -c.
	Command string
	Dir     string
	Stdin   io.Reader
	// Env replaces the inherited environment when non-nil.
	Env []string
	// Output, when set, also receives stdout and stderr as they arrive.
	Output io.Writer
}

// Result is the outcome of a run that started. A non-zero exit is reported
// here, not as an error.
type Result struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"-"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// ShellRunner runs commands through sh -c in their own process group so a
// cancelled run takes its children with it.
type ShellRunner struct {
	Shell string
}

func NewShellRunner() *ShellRunner {
	return &ShellRunner{Shell: "sh"}
}

func (r *ShellRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return Result{}, fmt.Errorf("empty command")
	}

	cmd := exec.Command(r.Shell, "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Stdin = spec.Stdin
	cmd.Env = os.Environ()
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	if spec.Output != nil {
		cmd.Stdout = io.MultiWriter(&stdout, spec.Output)
		cmd.Stderr = io.MultiWriter(&stderr, spec.Output)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %q: %w", spec.Command, err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	res := Result{Command: spec.Command}
	var err error
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		err = <-waitErr
		res.TimedOut = true
	}
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("wait %q: %w", spec.Command, err)
	}
	if res.TimedOut {
		return res, fmt.Errorf("command %q: %w", spec.Command, ctx.Err())
	}
	return res, nil
}
