// Package launcher runs a single command line to completion.
//
// Launcher is the only capability the scheduler needs: it gets an opaque
// command string and reports success or failure. The shell used to interpret
// the string is a property of the Shell launcher, not of the scheduler.
//
// There is no output capture. The child inherits the writers configured on
// the launcher, which default to the owner's stdout and stderr.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

var (
	ErrLaunch     = errors.New("command could not be started")
	ErrExitStatus = errors.New("command failed")
)

type Launcher interface {
	Launch(ctx context.Context, command string) error
}

// Func adapts a plain function to Launcher.
type Func func(ctx context.Context, command string) error

func (f Func) Launch(ctx context.Context, command string) error {
	return f(ctx, command)
}

type Result struct {
	Command string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// Shell executes commands as `Path Args... command`.
type Shell struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

func NewShell(path string, args []string, env []string) *Shell {
	return &Shell{
		Path:   path,
		Args:   append([]string(nil), args...),
		Env:    append([]string(nil), env...),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Run starts the command and waits for it. Cancelling ctx does not kill a
// started process, once dispatched a job runs to completion.
func (s *Shell) Run(ctx context.Context, command string) Result {
	res := Result{Command: command}

	args := append(append([]string(nil), s.Args...), command)
	cmd := exec.Command(s.Path, args...)
	cmd.Env = s.Env
	cmd.Dir = s.Dir
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr

	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		res.Err = fmt.Errorf("%w: %w", ErrLaunch, err)
		return res
	}
	slog.DebugContext(ctx, "process started", "pid", cmd.Process.Pid)

	err := cmd.Wait()
	res.Stopped = time.Now().UTC()
	res.State = cmd.ProcessState
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("%w: exit code %d", ErrExitStatus, exitErr.ExitCode())
		}
		res.Err = err
	}
	return res
}

func (s *Shell) Launch(ctx context.Context, command string) error {
	res := s.Run(ctx, command)
	slog.DebugContext(ctx, "process finished",
		"duration", res.Stopped.Sub(res.Started).String(),
		"error", res.Err,
	)
	return res.Err
}
