package chroot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

// fakeSysops records root-switching calls without touching the kernel.
type fakeSysops struct {
	chroots   []string
	chdirs    []string
	fchdirs   []int
	closed    []int
	chrootErr error
}

func (f *fakeSysops) Chroot(path string) error {
	if f.chrootErr != nil && path != "." {
		return f.chrootErr
	}
	f.chroots = append(f.chroots, path)
	return nil
}

func (f *fakeSysops) Chdir(path string) error {
	f.chdirs = append(f.chdirs, path)
	return nil
}

func (f *fakeSysops) OpenRoot() (int, error) { return 42, nil }

func (f *fakeSysops) Fchdir(fd int) error {
	f.fchdirs = append(f.fchdirs, fd)
	return nil
}

func (f *fakeSysops) Close(fd int) error {
	f.closed = append(f.closed, fd)
	return nil
}

// assembledRoot fabricates a directory that passes root validation.
func assembledRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"proc/self", "dev"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "dev", "null"), nil, 0o666); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestEnterAndLeave(t *testing.T) {
	sys := &fakeSysops{}
	root := assembledRoot(t)

	s, err := EnterWith(root, sys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sys.chroots) != 1 || sys.chroots[0] != root {
		t.Errorf("expected chroot into %s, got %v", root, sys.chroots)
	}

	if err := s.Leave(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Leaving restores via the saved root fd and a chroot(".").
	if len(sys.fchdirs) != 1 || sys.fchdirs[0] != 42 {
		t.Errorf("expected fchdir to saved root fd, got %v", sys.fchdirs)
	}
	if len(sys.chroots) != 2 || sys.chroots[1] != "." {
		t.Errorf("expected chroot(\".\") on leave, got %v", sys.chroots)
	}
	if len(sys.closed) != 1 || sys.closed[0] != 42 {
		t.Errorf("expected the saved root fd to be closed, got %v", sys.closed)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	sys := &fakeSysops{}
	s, err := EnterWith(assembledRoot(t), sys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.Leave(); err != nil {
		t.Fatalf("first leave failed: %v", err)
	}
	if err := s.Leave(); err != nil {
		t.Fatalf("second leave must be a no-op, got %v", err)
	}
	if len(sys.fchdirs) != 1 {
		t.Errorf("expected a single root restore, got %d", len(sys.fchdirs))
	}
}

func TestEnterRejectsUnassembledRoot(t *testing.T) {
	tests := []struct {
		name string
		root func(t *testing.T) string
	}{
		{
			name: "missing directory",
			root: func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope") },
		},
		{
			name: "no proc mounted",
			root: func(t *testing.T) string {
				root := t.TempDir()
				os.MkdirAll(filepath.Join(root, "dev"), 0o755)
				os.WriteFile(filepath.Join(root, "dev", "null"), nil, 0o666)
				return root
			},
		},
		{
			name: "no dev mounted",
			root: func(t *testing.T) string {
				root := t.TempDir()
				os.MkdirAll(filepath.Join(root, "proc", "self"), 0o755)
				return root
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EnterWith(tt.root(t), &fakeSysops{})
			var invalid *RootInvalidError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected RootInvalidError, got %v", err)
			}
		})
	}
}

func TestEnterPermissionDenied(t *testing.T) {
	sys := &fakeSysops{chrootErr: unix.EPERM}

	_, err := EnterWith(assembledRoot(t), sys)
	var permErr *PermissionError
	if !errors.As(err, &permErr) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	// The saved root fd must not leak on a failed enter.
	if len(sys.closed) != 1 {
		t.Errorf("expected the saved root fd to be closed, got %v", sys.closed)
	}
}

func TestRunReportsExitStatusAsResult(t *testing.T) {
	sys := &fakeSysops{}
	s, err := EnterWith(assembledRoot(t), sys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Leave()

	res, err := s.Run(context.Background(), "sh", "-c", "echo out; echo err >&2; exit 3")
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", res.ExitCode)
	}
	if res.Stdout != "out\n" {
		t.Errorf("unexpected stdout %q", res.Stdout)
	}
	if res.Stderr != "err\n" {
		t.Errorf("unexpected stderr %q", res.Stderr)
	}
}

func TestRunSuccess(t *testing.T) {
	sys := &fakeSysops{}
	s, err := EnterWith(assembledRoot(t), sys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Leave()

	res, err := s.Run(context.Background(), "true")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", res.ExitCode)
	}
}

func TestRunAfterLeaveFails(t *testing.T) {
	sys := &fakeSysops{}
	s, err := EnterWith(assembledRoot(t), sys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Leave(); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Run(context.Background(), "true"); err == nil {
		t.Fatal("expected an error running in a left session")
	}
}
