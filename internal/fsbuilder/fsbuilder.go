package fsbuilder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aserranoh/pimage/internal/utils/logger"
	"github.com/aserranoh/pimage/internal/utils/shell"
)

// UnsupportedTypeError reports a filesystem type with no known formatter.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported filesystem type: %q", e.Type)
}

// ToolError reports an external formatter or extractor that exited non-zero.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s failed with exit status %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s failed with exit status %d: %s", e.Tool, e.ExitCode, e.Stderr)
}

// Builder formats partitions and populates them from a seed source.
type Builder struct {
	Runner shell.Runner
}

// NewBuilder returns a builder executing the filesystem tools through the
// given runner.
func NewBuilder(r shell.Runner) *Builder {
	return &Builder{Runner: r}
}

// Format creates the requested filesystem on the device. Label may be empty.
func (b *Builder) Format(ctx context.Context, device, fstype, label string) error {
	log := logger.Logger()

	var tool string
	var args []string
	switch fstype {
	case "fat32", "vfat":
		tool = "mkfs.vfat"
		args = []string{"-F", "32"}
		if label != "" {
			args = append(args, "-n", strings.ToUpper(label))
		}
	case "ext4":
		tool = "mkfs.ext4"
		args = []string{"-q", "-F"}
		if label != "" {
			args = append(args, "-L", label)
		}
	case "xfs":
		tool = "mkfs.xfs"
		args = []string{"-q", "-f"}
		if label != "" {
			args = append(args, "-L", label)
		}
	default:
		return &UnsupportedTypeError{Type: fstype}
	}
	args = append(args, device)

	log.Infof("Formatting %s as %s", device, fstype)
	if _, err := shell.Output(ctx, b.Runner, tool, args...); err != nil {
		return formatToolError(tool, err)
	}
	return nil
}

func formatToolError(tool string, err error) error {
	var exitErr *shell.ExitError
	if errors.As(err, &exitErr) {
		return &ToolError{Tool: tool, ExitCode: exitErr.ExitCode, Stderr: exitErr.Stderr}
	}
	return fmt.Errorf("failed to run %s: %w", tool, err)
}

// Seed is a source the root filesystem is populated from.
type Seed interface {
	// Populate fills mountPath. On failure the mount point is left in an
	// undefined state; the caller still unmounts it through the session.
	Populate(ctx context.Context, b *Builder, mountPath string) error
	fmt.Stringer
}

// Populate fills the mounted filesystem from the seed source.
func (b *Builder) Populate(ctx context.Context, mountPath string, seed Seed) error {
	logger.Logger().Infof("Populating %s from %s", mountPath, seed)
	return seed.Populate(ctx, b, mountPath)
}
