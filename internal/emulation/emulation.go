package emulation

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aserranoh/pimage/internal/session"
	"github.com/aserranoh/pimage/internal/utils/logger"
)

// DefaultTableDir is where the kernel exposes the binfmt_misc registration
// table.
const DefaultTableDir = "/proc/sys/fs/binfmt_misc"

// UnsupportedArchError reports a target architecture with no known binfmt
// signature.
type UnsupportedArchError struct {
	Arch string
}

func (e *UnsupportedArchError) Error() string {
	return fmt.Sprintf("no binfmt signature known for architecture %q", e.Arch)
}

// RegisterError wraps a failed interpreter registration.
type RegisterError struct {
	Name string
	Err  error
}

func (e *RegisterError) Error() string {
	return fmt.Sprintf("failed to register binfmt interpreter %s: %v", e.Name, e.Err)
}

func (e *RegisterError) Unwrap() error { return e.Err }

// Table is the host's interpreter registration table. The kernel-backed
// implementation is ProcTable; tests substitute a fake.
type Table interface {
	Registered(name string) (bool, error)
	Register(spec string) error
	Deregister(name string) error
}

// ProcTable registers interpreters through the binfmt_misc procfs files.
type ProcTable struct {
	Dir string
}

func (t ProcTable) Registered(name string) (bool, error) {
	_, err := os.Stat(filepath.Join(t.Dir, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (t ProcTable) Register(spec string) error {
	return os.WriteFile(filepath.Join(t.Dir, "register"), []byte(spec), 0o200)
}

func (t ProcTable) Deregister(name string) error {
	err := os.WriteFile(filepath.Join(t.Dir, name), []byte("-1"), 0o200)
	if os.IsNotExist(err) {
		// Someone else already removed it.
		return nil
	}
	return err
}

// signature is the ELF header magic/mask pair binfmt_misc matches on.
type signature struct {
	name  string
	magic []byte
	mask  []byte
}

var signatures = map[string]signature{
	"arm": {
		name: "qemu-arm",
		magic: []byte{0x7f, 0x45, 0x4c, 0x46, 0x01, 0x01, 0x01, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 0x28, 0x00},
		mask: []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00, 0xff, 0xff,
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xfe, 0xff, 0xff, 0xff},
	},
	"aarch64": {
		name: "qemu-aarch64",
		magic: []byte{0x7f, 0x45, 0x4c, 0x46, 0x02, 0x01, 0x01, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 0xb7, 0x00},
		mask: []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00, 0xff, 0xff,
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xfe, 0xff, 0xff, 0xff},
	},
}

// Registration is a live, refcounted hold on an interpreter registration.
type Registration struct {
	Name        string
	Interpreter string
}

// Registrar installs foreign-architecture interpreter registrations and
// reference-counts them across sessions, so deregistration only happens when
// the last session holding an architecture releases it.
type Registrar struct {
	Table Table

	mu   sync.Mutex
	refs map[string]int
}

// NewRegistrar returns a registrar backed by the kernel's binfmt_misc table.
func NewRegistrar() *Registrar {
	return &Registrar{Table: ProcTable{Dir: DefaultTableDir}}
}

// Register installs the interpreter registration for the target architecture
// and copies the static interpreter binary into the chroot root so the
// registered path resolves inside it. Registering an architecture that is
// already present is a no-op success. The release (refcount decrement,
// interpreter removal and, at zero, deregistration) is tracked on the
// session ledger.
func (r *Registrar) Register(sess *session.Session, arch, interpreter, chrootRoot string) (*Registration, error) {
	log := logger.Logger()

	sig, ok := signatures[normalizeArch(arch)]
	if !ok {
		return nil, &UnsupportedArchError{Arch: arch}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs == nil {
		r.refs = make(map[string]int)
	}

	if r.refs[sig.name] == 0 {
		registered, err := r.Table.Registered(sig.name)
		if err != nil {
			return nil, &RegisterError{Name: sig.name, Err: err}
		}
		if registered {
			log.Debugf("binfmt interpreter %s already registered", sig.name)
		} else {
			if err := r.Table.Register(registerSpec(sig, interpreter)); err != nil {
				return nil, &RegisterError{Name: sig.name, Err: err}
			}
			log.Infof("Registered binfmt interpreter %s -> %s", sig.name, interpreter)
		}
	}
	r.refs[sig.name]++

	installed, err := installInterpreter(interpreter, chrootRoot)
	if err != nil {
		r.refs[sig.name]--
		if r.refs[sig.name] == 0 {
			if derr := r.Table.Deregister(sig.name); derr != nil {
				log.Warnf("Failed to roll back binfmt registration %s: %v", sig.name, derr)
			}
		}
		return nil, &RegisterError{Name: sig.name, Err: err}
	}

	reg := &Registration{Name: sig.name, Interpreter: interpreter}
	sess.Track(session.KindEmulationRegistration, sig.name, func() error {
		return r.release(sig.name, installed)
	})
	return reg, nil
}

// release drops one reference. The kernel registration is removed only when
// no live session depends on it anymore.
func (r *Registrar) release(name, installedPath string) error {
	log := logger.Logger()

	var errs []error
	if installedPath != "" {
		if err := os.Remove(installedPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("failed to remove interpreter copy %s: %w", installedPath, err))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs[name] == 0 {
		// Already released, keep teardown idempotent.
		return errors.Join(errs...)
	}
	r.refs[name]--
	if r.refs[name] == 0 {
		if err := r.Table.Deregister(name); err != nil {
			errs = append(errs, fmt.Errorf("failed to deregister %s: %w", name, err))
		} else {
			log.Infof("Deregistered binfmt interpreter %s", name)
		}
	}
	return errors.Join(errs...)
}

// registerSpec builds the binfmt_misc register string
// (:name:M:offset:magic:mask:interpreter:flags).
func registerSpec(sig signature, interpreter string) string {
	return fmt.Sprintf(":%s:M::%s:%s:%s:OC",
		sig.name, escapeBytes(sig.magic), escapeBytes(sig.mask), interpreter)
}

func escapeBytes(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		fmt.Fprintf(&sb, `\x%02x`, c)
	}
	return sb.String()
}

// installInterpreter copies the static interpreter binary into the chroot at
// the same path it is registered under, so the kernel can resolve it once a
// process has entered the chroot. Returns the installed path.
func installInterpreter(interpreter, chrootRoot string) (string, error) {
	if chrootRoot == "" {
		return "", nil
	}
	dest := filepath.Join(chrootRoot, interpreter)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}

	src, err := os.Open(interpreter)
	if err != nil {
		return "", fmt.Errorf("failed to open interpreter %s: %w", interpreter, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dest)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}

func normalizeArch(arch string) string {
	switch arch {
	case "arm", "armv6l", "armv7l", "armhf", "armel":
		return "arm"
	case "aarch64", "arm64":
		return "aarch64"
	default:
		return arch
	}
}
