package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/aserranoh/pimage/internal/utils/logger"
)

// Result captures the outcome of a single command invocation. A non-zero
// ExitCode is a normal, inspectable result; Run only returns an error when
// the command could not be executed at all.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes external commands. Kernel-facing packages take a Runner so
// tests can substitute a fake instead of touching host state.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands directly on the host. When Sudo is set every
// command is prefixed with sudo, for the privileged mount/losetup/mkfs calls.
type ExecRunner struct {
	Sudo bool
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	log := logger.Logger()

	if r.Sudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}
	log.Debugf("Exec: [%s %s]", name, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			log.Debugf("Exec: [%s] exited with status %d", name, res.ExitCode)
			return res, nil
		}
		return res, fmt.Errorf("failed to exec %s: %w", name, err)
	}
	return res, nil
}

// Output runs a command and returns its trimmed stdout, treating a non-zero
// exit status as an error carrying the command's stderr.
func Output(ctx context.Context, r Runner, name string, args ...string) (string, error) {
	res, err := r.Run(ctx, name, args...)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &ExitError{
			Command:  name,
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(res.Stderr),
		}
	}
	return strings.TrimSpace(res.Stdout), nil
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// IsCommandExist checks if a command is available on the host.
func IsCommandExist(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
