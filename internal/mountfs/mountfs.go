package mountfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aserranoh/pimage/internal/session"
	"github.com/aserranoh/pimage/internal/utils/logger"
)

// Syscalls is the narrow kernel interface the assembler mounts through, so
// tests can substitute a fake instead of requiring privileges.
type Syscalls interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
}

// UnixSyscalls mounts through the real kernel interface.
type UnixSyscalls struct{}

func (UnixSyscalls) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (UnixSyscalls) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

// TargetMissingError reports a mount point directory that does not exist in
// the already-mounted parent tree.
type TargetMissingError struct {
	Target string
}

func (e *TargetMissingError) Error() string {
	return fmt.Sprintf("mount point %s does not exist", e.Target)
}

// KernelMountError wraps a failed mount syscall with its context.
type KernelMountError struct {
	Source string
	Target string
	FSType string
	Err    error
}

func (e *KernelMountError) Error() string {
	return fmt.Sprintf("failed to mount %s on %s (%s): %v", e.Source, e.Target, e.FSType, e.Err)
}

func (e *KernelMountError) Unwrap() error { return e.Err }

// Node is one mount in the tree. Children are mounted only after their
// parent, and their targets must already exist inside the parent's mounted
// tree (MkdirTarget creates them first when the seed root lacks them).
type Node struct {
	Source      string
	Target      string
	FSType      string
	Flags       uintptr
	Data        string
	MkdirTarget bool
	Children    []*Node
}

// Assembler mounts node trees in strict parent-before-child order and
// registers each mount on the session ledger, where teardown unmounts them
// child-before-parent.
type Assembler struct {
	Sys Syscalls

	// BusyRetryDelay is waited before the single lazy-unmount fallback when
	// a target is still transiently busy after a chroot session exits.
	BusyRetryDelay time.Duration
}

// NewAssembler returns an assembler using the real kernel mount interface.
func NewAssembler() *Assembler {
	return &Assembler{Sys: UnixSyscalls{}, BusyRetryDelay: time.Second}
}

// Assemble mounts the node and then its children, depth-first. Every
// successful mount is tracked on the session before the next one is
// attempted, so a failure midway unwinds exactly the mounts made so far.
func (a *Assembler) Assemble(sess *session.Session, node *Node) error {
	log := logger.Logger()

	if node.MkdirTarget {
		if err := os.MkdirAll(node.Target, 0o755); err != nil {
			return fmt.Errorf("failed to create mount point %s: %w", node.Target, err)
		}
	}
	if fi, err := os.Stat(node.Target); err != nil || !fi.IsDir() {
		return &TargetMissingError{Target: node.Target}
	}

	if err := a.Sys.Mount(node.Source, node.Target, node.FSType, node.Flags, node.Data); err != nil {
		return &KernelMountError{Source: node.Source, Target: node.Target, FSType: node.FSType, Err: err}
	}
	log.Debugf("Mounted %s on %s (%s)", node.Source, node.Target, node.FSType)

	target := node.Target
	sess.Track(session.KindMountPoint, target, func() error {
		return a.unmount(target)
	})

	for _, child := range node.Children {
		if err := a.Assemble(sess, child); err != nil {
			return err
		}
	}
	return nil
}

// unmount detaches a single mount point. A busy target is retried once with
// a lazy detach, since a process may still hold a file open transiently
// after the chroot session exits.
func (a *Assembler) unmount(target string) error {
	log := logger.Logger()

	err := a.Sys.Unmount(target, 0)
	if err == nil {
		log.Debugf("Unmounted %s", target)
		return nil
	}
	if errors.Is(err, unix.EINVAL) {
		// Not mounted (already unmounted), nothing to do.
		return nil
	}
	if !errors.Is(err, unix.EBUSY) {
		return fmt.Errorf("failed to unmount %s: %w", target, err)
	}

	log.Warnf("Mount %s is busy, retrying with lazy detach", target)
	if a.BusyRetryDelay > 0 {
		time.Sleep(a.BusyRetryDelay)
	}
	if err := a.Sys.Unmount(target, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("failed to lazily unmount %s: %w", target, err)
	}
	log.Debugf("Lazily unmounted %s", target)
	return nil
}

// KernelFSType maps a plan filesystem name to the kernel driver name.
func KernelFSType(fs string) string {
	switch fs {
	case "fat32", "vfat":
		return "vfat"
	default:
		return fs
	}
}

// PseudoNodes returns the pseudo-filesystem mounts a working chroot needs,
// to be attached as children of the root mount: /proc, /sys, a bind of the
// host /dev and a bind of /dev/pts under it.
func PseudoNodes(root string) []*Node {
	return []*Node{
		{Source: "proc", Target: filepath.Join(root, "proc"), FSType: "proc", MkdirTarget: true},
		{Source: "sysfs", Target: filepath.Join(root, "sys"), FSType: "sysfs", MkdirTarget: true},
		{
			Source:      "/dev",
			Target:      filepath.Join(root, "dev"),
			Flags:       unix.MS_BIND,
			MkdirTarget: true,
			Children: []*Node{
				{Source: "/dev/pts", Target: filepath.Join(root, "dev", "pts"), Flags: unix.MS_BIND, MkdirTarget: true},
			},
		},
	}
}
