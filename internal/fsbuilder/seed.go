package fsbuilder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/aserranoh/pimage/internal/utils/logger"
	"github.com/aserranoh/pimage/internal/utils/shell"
)

// CorruptArchiveError reports a seed archive whose compressed stream could
// not be decoded or whose extraction failed.
type CorruptArchiveError struct {
	Path string
	Err  error
}

func (e *CorruptArchiveError) Error() string {
	return fmt.Sprintf("corrupt seed archive %s: %v", e.Path, e.Err)
}

func (e *CorruptArchiveError) Unwrap() error { return e.Err }

// BootstrapError reports a failed base-system bootstrap.
type BootstrapError struct {
	Reason string
	Err    error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("base system bootstrap failed: %s: %v", e.Reason, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// ArchiveSeed populates the root from a tar archive, optionally compressed
// with gzip, xz or zstd. Extraction preserves ownership, permissions,
// symlinks and device nodes.
type ArchiveSeed struct {
	Path string
}

func (s ArchiveSeed) String() string {
	return fmt.Sprintf("archive %s", s.Path)
}

func (s ArchiveSeed) Populate(ctx context.Context, b *Builder, mountPath string) error {
	tarPath, cleanup, err := decompressToTar(s.Path)
	if err != nil {
		return &CorruptArchiveError{Path: s.Path, Err: err}
	}
	defer cleanup()

	// tar keeps device nodes and exact ownership; --numeric-owner avoids
	// remapping uids through the host's passwd.
	_, err = shell.Output(ctx, b.Runner, "tar",
		"--numeric-owner", "-xpf", tarPath, "-C", mountPath)
	if err != nil {
		return &CorruptArchiveError{Path: s.Path, Err: formatToolError("tar", err)}
	}
	return nil
}

// decompressToTar decodes a compressed seed archive into a temporary plain
// tar file, validating the compressed stream in the process. Plain tar
// archives are used as-is.
func decompressToTar(path string) (tarPath string, cleanup func(), err error) {
	noop := func() {}

	f, err := os.Open(path)
	if err != nil {
		return "", noop, err
	}
	defer f.Close()

	magic := make([]byte, 6)
	n, err := io.ReadFull(f, magic)
	if err != nil && n == 0 {
		return "", noop, fmt.Errorf("empty archive")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", noop, err
	}

	var reader io.Reader
	switch {
	case bytes.HasPrefix(magic, []byte{0x1f, 0x8b}):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return "", noop, err
		}
		defer gz.Close()
		reader = gz
	case bytes.HasPrefix(magic, []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}):
		xzr, err := xz.NewReader(f)
		if err != nil {
			return "", noop, err
		}
		reader = xzr
	case bytes.HasPrefix(magic, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return "", noop, err
		}
		defer zr.Close()
		reader = zr
	default:
		// Not compressed, feed the file straight to tar.
		return path, noop, nil
	}

	tmp, err := os.CreateTemp("", "pimage-seed-*.tar")
	if err != nil {
		return "", noop, err
	}
	cleanup = func() { os.Remove(tmp.Name()) }

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		cleanup()
		return "", noop, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", noop, err
	}
	return tmp.Name(), cleanup, nil
}

// BootstrapSeed populates the root by bootstrapping a base system with
// debootstrap. Only the first (host-side) stage runs here; the second stage
// is executed later inside the emulated chroot.
type BootstrapSeed struct {
	Suite   string
	Mirror  string
	Arch    string
	Include []string
}

func (s BootstrapSeed) String() string {
	return fmt.Sprintf("debootstrap %s/%s (%s)", s.Suite, s.Arch, s.Mirror)
}

func (s BootstrapSeed) Populate(ctx context.Context, b *Builder, mountPath string) error {
	log := logger.Logger()

	args := []string{"--foreign", "--arch=" + s.Arch}
	if len(s.Include) > 0 {
		args = append(args, "--include="+strings.Join(s.Include, ","))
	}
	args = append(args, s.Suite, mountPath, s.Mirror)

	log.Infof("Bootstrapping %s (%s) into %s", s.Suite, s.Arch, mountPath)
	if _, err := shell.Output(ctx, b.Runner, "debootstrap", args...); err != nil {
		return &BootstrapError{Reason: fmt.Sprintf("first stage for suite %s", s.Suite), Err: err}
	}
	return nil
}

// SecondStage reports whether the seed needs a second bootstrap stage inside
// the chroot, and the command to run for it.
func (s BootstrapSeed) SecondStage() (string, []string) {
	return "/debootstrap/debootstrap", []string{"--second-stage"}
}

// SeedFromPath builds an ArchiveSeed after checking the file exists.
func SeedFromPath(path string) (Seed, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("seed archive not found: %w", err)
	}
	return ArchiveSeed{Path: abs}, nil
}
