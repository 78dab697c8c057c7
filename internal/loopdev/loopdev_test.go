package loopdev

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aserranoh/pimage/internal/session"
	"github.com/aserranoh/pimage/internal/utils/shell"
)

// fakeRunner replays scripted losetup results and records every invocation.
type fakeRunner struct {
	calls   [][]string
	results []shell.Result
	errs    []error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (shell.Result, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	i := len(f.calls) - 1
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], err
	}
	return shell.Result{}, err
}

func (f *fakeRunner) lastCall() []string {
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func TestAttachTracksHandleAndBuildsArgs(t *testing.T) {
	runner := &fakeRunner{results: []shell.Result{{Stdout: "/dev/loop3\n"}}}
	m := NewManager(runner)
	sess := session.New("disk.img", nil)

	l, err := m.Attach(context.Background(), sess, "disk.img", 1048576, 67108864)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.Device != "/dev/loop3" {
		t.Errorf("expected /dev/loop3, got %q", l.Device)
	}
	if sess.Live() != 1 {
		t.Errorf("expected 1 tracked handle, got %d", sess.Live())
	}

	call := strings.Join(runner.lastCall(), " ")
	for _, want := range []string{"losetup", "--show", "--find", "--offset 1048576", "--sizelimit 67108864", "disk.img"} {
		if !strings.Contains(call, want) {
			t.Errorf("losetup invocation %q missing %q", call, want)
		}
	}
}

func TestAttachDiskUsesPartitionScan(t *testing.T) {
	runner := &fakeRunner{results: []shell.Result{{Stdout: "/dev/loop0"}}}
	m := NewManager(runner)
	sess := session.New("disk.img", nil)

	if _, err := m.AttachDisk(context.Background(), sess, "disk.img"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	call := strings.Join(runner.lastCall(), " ")
	if !strings.Contains(call, "--partscan") {
		t.Errorf("expected --partscan in %q", call)
	}
}

func TestAttachRetriesExhaustedPool(t *testing.T) {
	runner := &fakeRunner{
		results: []shell.Result{
			{ExitCode: 1, Stderr: "losetup: cannot find an unused loop device"},
			{ExitCode: 1, Stderr: "losetup: cannot find an unused loop device"},
			{Stdout: "/dev/loop7"},
		},
	}
	m := NewManager(runner)
	m.Retry = RetryPolicy{Attempts: 3, Delay: time.Millisecond}
	sess := session.New("disk.img", nil)

	l, err := m.Attach(context.Background(), sess, "disk.img", 0, 0)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if l.Device != "/dev/loop7" {
		t.Errorf("expected /dev/loop7, got %q", l.Device)
	}
	if len(runner.calls) != 3 {
		t.Errorf("expected 3 losetup attempts, got %d", len(runner.calls))
	}
}

func TestAttachGivesUpAfterRetryBudget(t *testing.T) {
	busy := shell.Result{ExitCode: 1, Stderr: "losetup: /dev/loop0: device is busy"}
	runner := &fakeRunner{results: []shell.Result{busy, busy, busy}}
	m := NewManager(runner)
	m.Retry = RetryPolicy{Attempts: 3, Delay: time.Millisecond}
	sess := session.New("disk.img", nil)

	_, err := m.Attach(context.Background(), sess, "disk.img", 0, 0)
	if err == nil {
		t.Fatal("expected attach to fail")
	}
	var attachErr *AttachError
	if !errors.As(err, &attachErr) {
		t.Fatalf("expected AttachError, got %T", err)
	}
	if !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy in chain, got %v", err)
	}
	if len(runner.calls) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(runner.calls))
	}
	if sess.Live() != 0 {
		t.Errorf("failed attach must not track a handle, got %d live", sess.Live())
	}
}

func TestAttachDoesNotRetryHardFailures(t *testing.T) {
	runner := &fakeRunner{
		results: []shell.Result{{ExitCode: 1, Stderr: "losetup: disk.img: failed to set up loop device: Permission denied"}},
	}
	m := NewManager(runner)
	m.Retry = RetryPolicy{Attempts: 5, Delay: time.Millisecond}
	sess := session.New("disk.img", nil)

	_, err := m.Attach(context.Background(), sess, "disk.img", 0, 0)
	if err == nil {
		t.Fatal("expected attach to fail")
	}
	if len(runner.calls) != 1 {
		t.Errorf("hard failure must not be retried, got %d attempts", len(runner.calls))
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	runner := &fakeRunner{results: []shell.Result{{Stdout: "/dev/loop2"}, {}}}
	m := NewManager(runner)
	sess := session.New("disk.img", nil)

	l, err := m.Attach(context.Background(), sess, "disk.img", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := l.Detach(context.Background()); err != nil {
		t.Fatalf("first detach failed: %v", err)
	}
	if err := l.Detach(context.Background()); err != nil {
		t.Fatalf("second detach must be a no-op, got %v", err)
	}
	// Attach plus exactly one detach invocation.
	if len(runner.calls) != 2 {
		t.Errorf("expected 2 losetup invocations, got %d", len(runner.calls))
	}
}

func TestDetachTreatsGoneDeviceAsDetached(t *testing.T) {
	runner := &fakeRunner{
		results: []shell.Result{
			{Stdout: "/dev/loop2"},
			{ExitCode: 1, Stderr: "losetup: /dev/loop2: detach failed: No such device or address"},
		},
	}
	m := NewManager(runner)
	sess := session.New("disk.img", nil)

	l, err := m.Attach(context.Background(), sess, "disk.img", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Detach(context.Background()); err != nil {
		t.Errorf("vanished device should detach cleanly, got %v", err)
	}
}

func TestUnwindDetachesTrackedLoop(t *testing.T) {
	runner := &fakeRunner{results: []shell.Result{{Stdout: "/dev/loop1"}, {}}}
	m := NewManager(runner)
	sess := session.New("disk.img", nil)

	if _, err := m.Attach(context.Background(), sess, "disk.img", 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report := sess.Unwind()
	if !report.Clean() || report.Released != 1 {
		t.Fatalf("expected clean unwind of 1 handle, got %+v", report)
	}
	call := strings.Join(runner.lastCall(), " ")
	if !strings.Contains(call, "--detach /dev/loop1") {
		t.Errorf("expected detach invocation, got %q", call)
	}
}

func TestPartitionPath(t *testing.T) {
	tests := []struct {
		device   string
		n        int
		expected string
	}{
		{"/dev/loop0", 1, "/dev/loop0p1"},
		{"/dev/loop12", 3, "/dev/loop12p3"},
		{"/dev/sda", 2, "/dev/sda2"},
		{"", 1, ""},
	}
	for _, tt := range tests {
		if got := PartitionPath(tt.device, tt.n); got != tt.expected {
			t.Errorf("PartitionPath(%q, %d) = %q, want %q", tt.device, tt.n, got, tt.expected)
		}
	}
}
