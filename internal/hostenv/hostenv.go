package hostenv

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/aserranoh/pimage/internal/utils/logger"
	"github.com/aserranoh/pimage/internal/utils/shell"
)

// Error lists everything the host is missing for the requested build.
type Error struct {
	MissingTools []string
	Reasons      []string
}

func (e *Error) Error() string {
	var parts []string
	if len(e.MissingTools) > 0 {
		parts = append(parts, fmt.Sprintf("missing tools: %s", strings.Join(e.MissingTools, ", ")))
	}
	parts = append(parts, e.Reasons...)
	return "host environment not ready: " + strings.Join(parts, "; ")
}

// Check describes what a build needs from the host before it starts, so a
// half-built image is never the way the user finds out a tool is missing.
type Check struct {
	// Tools are external commands the pipeline will invoke.
	Tools []string

	// Interpreter is the user-mode emulation binary; checked as an existing
	// file when set.
	Interpreter string

	// BinfmtDir is the kernel's binfmt_misc table directory; its register
	// file is checked when set.
	BinfmtDir string
}

// Run verifies the host, collecting every problem instead of stopping at the
// first one.
func (c Check) Run() error {
	log := logger.Logger()

	result := &Error{}
	for _, tool := range c.Tools {
		if !shell.IsCommandExist(tool) {
			result.MissingTools = append(result.MissingTools, tool)
		}
	}

	if c.Interpreter != "" {
		if _, err := os.Stat(c.Interpreter); err != nil {
			result.Reasons = append(result.Reasons,
				fmt.Sprintf("emulation interpreter %s not found", c.Interpreter))
		}
	}

	if c.BinfmtDir != "" {
		if _, err := os.Stat(filepath.Join(c.BinfmtDir, "register")); err != nil {
			result.Reasons = append(result.Reasons,
				fmt.Sprintf("binfmt_misc not available at %s", c.BinfmtDir))
		}
	}

	if len(result.MissingTools) > 0 || len(result.Reasons) > 0 {
		return result
	}
	log.Debugf("Host environment check passed (%d tools)", len(c.Tools))
	return nil
}

// NeedsEmulation reports whether running target-architecture binaries on
// this host requires user-mode emulation.
func NeedsEmulation(target string) bool {
	switch runtime.GOARCH {
	case "arm":
		switch target {
		case "arm", "armv6l", "armv7l", "armhf", "armel":
			return false
		}
	case "arm64":
		switch target {
		case "aarch64", "arm64":
			return false
		}
	}
	return true
}

// FormatTool returns the mkfs command for a plan filesystem type, or "" for
// an unknown one (the formatter rejects those itself).
func FormatTool(fs string) string {
	switch fs {
	case "fat32", "vfat":
		return "mkfs.vfat"
	case "ext4":
		return "mkfs.ext4"
	case "xfs":
		return "mkfs.xfs"
	default:
		return ""
	}
}
