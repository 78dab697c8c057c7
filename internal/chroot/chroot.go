package chroot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/aserranoh/pimage/internal/utils/logger"
)

// PermissionError reports that changing the execution root was denied;
// entering a chroot generally requires elevated privilege.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied entering chroot: %v", e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// RootInvalidError reports a root path that is not a fully assembled mount
// tree.
type RootInvalidError struct {
	Root   string
	Reason string
}

func (e *RootInvalidError) Error() string {
	return fmt.Sprintf("invalid chroot root %s: %s", e.Root, e.Reason)
}

// Result is the inspectable outcome of one command run inside the chroot.
// A non-zero ExitCode is a normal result, not a session failure.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Sysops is the narrow kernel interface used to switch the execution root,
// substitutable by a fake in tests.
type Sysops interface {
	Chroot(path string) error
	Chdir(path string) error
	OpenRoot() (int, error)
	Fchdir(fd int) error
	Close(fd int) error
}

// UnixSysops switches roots through the real syscalls.
type UnixSysops struct{}

func (UnixSysops) Chroot(path string) error { return unix.Chroot(path) }
func (UnixSysops) Chdir(path string) error  { return unix.Chdir(path) }
func (UnixSysops) OpenRoot() (int, error) {
	return unix.Open("/", unix.O_RDONLY|unix.O_CLOEXEC, 0)
}
func (UnixSysops) Fchdir(fd int) error { return unix.Fchdir(fd) }
func (UnixSysops) Close(fd int) error  { return unix.Close(fd) }

// Session is an entered chroot. Leave restores the prior execution root and
// is idempotent, so it is safe to call from teardown even after an explicit
// leave.
type Session struct {
	Root string

	sys    Sysops
	rootFD int
	prevWd string

	mu   sync.Mutex
	left bool
}

// Enter switches the execution root to the given fully assembled mount tree.
func Enter(root string) (*Session, error) {
	return EnterWith(root, UnixSysops{})
}

// EnterWith is Enter with an explicit Sysops implementation.
func EnterWith(root string, sys Sysops) (*Session, error) {
	if err := validateRoot(root); err != nil {
		return nil, err
	}

	prevWd, err := os.Getwd()
	if err != nil {
		prevWd = "/"
	}

	fd, err := sys.OpenRoot()
	if err != nil {
		return nil, fmt.Errorf("failed to open current root: %w", err)
	}

	if err := sys.Chroot(root); err != nil {
		sys.Close(fd)
		if errors.Is(err, unix.EPERM) {
			return nil, &PermissionError{Err: err}
		}
		return nil, fmt.Errorf("failed to chroot into %s: %w", root, err)
	}
	if err := sys.Chdir("/"); err != nil {
		// Try to back out before reporting.
		restoreRoot(sys, fd)
		sys.Close(fd)
		return nil, fmt.Errorf("failed to enter chroot root directory: %w", err)
	}

	logger.Logger().Debugf("Entered chroot %s", root)
	return &Session{Root: root, sys: sys, rootFD: fd, prevWd: prevWd}, nil
}

// validateRoot checks the path looks like an assembled tree: an existing
// directory with the pseudo-filesystems already mounted into it.
func validateRoot(root string) error {
	fi, err := os.Stat(root)
	if err != nil || !fi.IsDir() {
		return &RootInvalidError{Root: root, Reason: "not an existing directory"}
	}
	if _, err := os.Stat(filepath.Join(root, "proc", "self")); err != nil {
		return &RootInvalidError{Root: root, Reason: "/proc is not mounted inside the tree"}
	}
	if _, err := os.Stat(filepath.Join(root, "dev", "null")); err != nil {
		return &RootInvalidError{Root: root, Reason: "/dev is not mounted inside the tree"}
	}
	return nil
}

// Run executes a command inside the chroot, capturing output and the numeric
// exit status. A non-zero exit is returned as a Result, never as an error.
// A cancelled context kills the command but the session remains usable for
// Leave.
func (s *Session) Run(ctx context.Context, name string, args ...string) (Result, error) {
	s.mu.Lock()
	left := s.left
	s.mu.Unlock()
	if left {
		return Result{}, fmt.Errorf("chroot session for %s already left", s.Root)
	}

	log := logger.Logger()
	log.Infof("Chroot %s: running %s", filepath.Base(s.Root), name)

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			log.Debugf("Chroot command %s exited with status %d", name, res.ExitCode)
			return res, nil
		}
		return res, fmt.Errorf("failed to run %s in chroot: %w", name, err)
	}
	return res, nil
}

// Leave restores the prior execution root. Calling it twice is a no-op.
func (s *Session) Leave() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left {
		return nil
	}
	s.left = true

	defer s.sys.Close(s.rootFD)
	if err := restoreRoot(s.sys, s.rootFD); err != nil {
		return fmt.Errorf("failed to leave chroot %s: %w", s.Root, err)
	}
	if err := s.sys.Chdir(s.prevWd); err != nil {
		// Root is restored; a lost working directory is not fatal.
		logger.Logger().Warnf("Failed to restore working directory %s: %v", s.prevWd, err)
	}
	logger.Logger().Debugf("Left chroot %s", s.Root)
	return nil
}

func restoreRoot(sys Sysops, fd int) error {
	if err := sys.Fchdir(fd); err != nil {
		return err
	}
	return sys.Chroot(".")
}
