package conform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"

	"github.com/ethereum/go-ethereum/log"
)

// CommandRunner runs shell commands for the platform step and unit mode
type CommandRunner interface {
	// Run executes command and returns its exit code. The error is non-nil
	// only when the command could not be run to completion at all.
	Run(ctx context.Context, command string) (int, error)
}

// ShellRunner runs commands through the platform shell with output passed through
type ShellRunner struct {
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
	Log    log.Logger
}

var _ CommandRunner = (*ShellRunner)(nil)

// Run implements CommandRunner
func (r *ShellRunner) Run(ctx context.Context, command string) (int, error) {
	if command == "" {
		return -1, errors.New("empty command")
	}
	shell, flag := "sh", "-c"
	if runtime.GOOS == "windows" {
		shell, flag = "cmd", "/C"
	}

	cmd := exec.CommandContext(ctx, shell, flag, command)
	cmd.Env = r.Env
	cmd.Dir = r.Dir
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if r.Log != nil {
		r.Log.Info("Running command", "command", command)
	}
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return exitErr.ExitCode(), nil
	}
	if ctx.Err() != nil {
		return -1, fmt.Errorf("command %q interrupted: %w", command, ctx.Err())
	}
	return -1, fmt.Errorf("failed to run %q: %w", command, err)
}
