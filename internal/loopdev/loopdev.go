package loopdev

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aserranoh/pimage/internal/session"
	"github.com/aserranoh/pimage/internal/utils/logger"
	"github.com/aserranoh/pimage/internal/utils/shell"
)

// ErrNoFreeDevice indicates the kernel's loop device pool is exhausted.
// The manager retries it per its RetryPolicy before surfacing it.
var ErrNoFreeDevice = errors.New("no free loop device")

// ErrBusy indicates the target file region is already bound to a device.
var ErrBusy = errors.New("loop device busy")

// AttachError wraps an attach failure with the file region it concerned.
type AttachError struct {
	File   string
	Offset uint64
	Size   uint64
	Err    error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("failed to attach %s (offset %d, size %d) to a loop device: %v",
		e.File, e.Offset, e.Size, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// RetryPolicy bounds how often transient attach failures (busy pool,
// exhausted pool) are retried before they surface to the caller.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetry is used when the caller does not configure a policy.
var DefaultRetry = RetryPolicy{Attempts: 3, Delay: 500 * time.Millisecond}

// Manager binds backing file regions to kernel loop devices. The kernel's
// own free-device allocation (losetup --find) is the only lock: concurrent
// sessions contend through it, not through a private mutex.
type Manager struct {
	Runner shell.Runner
	Retry  RetryPolicy
}

// NewManager returns a manager executing losetup through the given runner.
func NewManager(r shell.Runner) *Manager {
	return &Manager{Runner: r, Retry: DefaultRetry}
}

// Loop is an attached loop device. Detach is idempotent.
type Loop struct {
	Device string
	File   string
	Offset uint64
	Size   uint64

	m        *Manager
	mu       sync.Mutex
	detached bool
}

// Attach binds a region of the backing file to a free loop device and
// registers the detach on the session ledger before returning, so the
// bookkeeping happens in the same step as the acquisition.
func (m *Manager) Attach(ctx context.Context, sess *session.Session, file string, offset, size uint64) (*Loop, error) {
	log := logger.Logger()

	args := []string{"--show", "--find"}
	if offset > 0 {
		args = append(args, "--offset", strconv.FormatUint(offset, 10))
	}
	if size > 0 {
		args = append(args, "--sizelimit", strconv.FormatUint(size, 10))
	}
	args = append(args, file)

	device, err := m.attachWithRetry(ctx, file, offset, size, args)
	if err != nil {
		return nil, err
	}

	l := &Loop{Device: device, File: file, Offset: offset, Size: size, m: m}
	sess.Track(session.KindLoopDevice, device, func() error {
		return l.Detach(context.Background())
	})
	log.Debugf("Attached %s (offset %d, size %d) to %s", file, offset, size, device)
	return l, nil
}

// AttachDisk binds the whole backing file to a loop device with partition
// scanning enabled, so loopXpN device nodes appear for each table entry.
func (m *Manager) AttachDisk(ctx context.Context, sess *session.Session, file string) (*Loop, error) {
	log := logger.Logger()

	device, err := m.attachWithRetry(ctx, file, 0, 0, []string{"--show", "--find", "--partscan", file})
	if err != nil {
		return nil, err
	}

	l := &Loop{Device: device, File: file, m: m}
	sess.Track(session.KindLoopDevice, device, func() error {
		return l.Detach(context.Background())
	})
	log.Debugf("Attached %s to %s with partition scan", file, device)
	return l, nil
}

func (m *Manager) attachWithRetry(ctx context.Context, file string, offset, size uint64, args []string) (string, error) {
	log := logger.Logger()
	retry := m.Retry
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retry.Attempts; attempt++ {
		out, err := shell.Output(ctx, m.Runner, "losetup", args...)
		if err == nil {
			return strings.TrimSpace(out), nil
		}

		lastErr = classifyAttachError(err)
		if !errors.Is(lastErr, ErrNoFreeDevice) && !errors.Is(lastErr, ErrBusy) {
			break
		}
		if attempt < retry.Attempts {
			log.Warnf("Loop attach of %s failed (%v), retrying in %s", file, lastErr, retry.Delay)
			select {
			case <-ctx.Done():
				return "", &AttachError{File: file, Offset: offset, Size: size, Err: ctx.Err()}
			case <-time.After(retry.Delay):
			}
		}
	}
	return "", &AttachError{File: file, Offset: offset, Size: size, Err: lastErr}
}

func classifyAttachError(err error) error {
	var exitErr *shell.ExitError
	if !errors.As(err, &exitErr) {
		return err
	}
	stderr := strings.ToLower(exitErr.Stderr)
	switch {
	case strings.Contains(stderr, "unused loop device") || strings.Contains(stderr, "no free loop"):
		return fmt.Errorf("%w: %s", ErrNoFreeDevice, exitErr.Stderr)
	case strings.Contains(stderr, "busy"):
		return fmt.Errorf("%w: %s", ErrBusy, exitErr.Stderr)
	default:
		return err
	}
}

// Detach unbinds the loop device. Detaching an already detached device is a
// no-op, which keeps teardown simple.
func (l *Loop) Detach(ctx context.Context) error {
	l.mu.Lock()
	if l.detached {
		l.mu.Unlock()
		return nil
	}
	l.detached = true
	l.mu.Unlock()

	_, err := shell.Output(ctx, l.m.Runner, "losetup", "--detach", l.Device)
	if err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) && strings.Contains(strings.ToLower(exitErr.Stderr), "no such device") {
			// Already gone, treat as detached.
			return nil
		}
		return fmt.Errorf("failed to detach %s: %w", l.Device, err)
	}
	return nil
}

// PartitionPath returns the device node of the n-th partition (1-based) of
// a partition-scanned loop device, e.g. /dev/loop0 -> /dev/loop0p1.
func PartitionPath(device string, n int) string {
	if device == "" {
		return ""
	}
	last := device[len(device)-1]
	if last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", device, n)
	}
	return fmt.Sprintf("%s%d", device, n)
}

// WaitForDevice polls until the device node exists, for freshly scanned
// partition devices that udev may still be populating.
func WaitForDevice(ctx context.Context, path string) error {
	delay := 100 * time.Millisecond
	for i := 0; i < 10; i++ {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("timed out waiting for device %s to appear", path)
}
