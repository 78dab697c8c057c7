package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aserranoh/pimage/internal/builder"
	"github.com/aserranoh/pimage/internal/chroot"
	"github.com/aserranoh/pimage/internal/emulation"
	"github.com/aserranoh/pimage/internal/fsbuilder"
	"github.com/aserranoh/pimage/internal/image"
	"github.com/aserranoh/pimage/internal/loopdev"
	"github.com/aserranoh/pimage/internal/mountfs"
	"github.com/aserranoh/pimage/internal/plan"
	"github.com/aserranoh/pimage/internal/utils/logger"
)

// Exit codes, one per error taxonomy category.
const (
	exitOK        = 0
	exitFailure   = 1
	exitPlan      = 2
	exitAllocate  = 3
	exitLoop      = 4
	exitFormat    = 5
	exitPopulate  = 6
	exitMount     = 7
	exitEmulation = 8
	exitChroot    = 9
)

var logLevel string

func createRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "pimage",
		Short:         "create and manage bootable ARM disk images",
		Long:          "pimage builds bootable disk images for single-board ARM computers\nand customizes them through an emulated chroot, without target hardware.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(createCreateCommand())
	root.AddCommand(createCustomizeCommand())
	root.AddCommand(createInspectCommand())
	root.AddCommand(createInstallCommand())

	attachLoggingHooks(root)
	return root
}

// attachLoggingHooks initializes the logger before any subcommand runs.
func attachLoggingHooks(root *cobra.Command) {
	for _, cmd := range root.Commands() {
		cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
			return logger.Init(resolveRequestedLogLevel(cmd))
		}
	}
}

// resolveRequestedLogLevel prefers an explicit --log-level and falls back to
// --verbose.
func resolveRequestedLogLevel(cmd *cobra.Command) string {
	if logLevel != "" {
		return logLevel
	}
	if cmd != nil {
		if verbose, err := cmd.Flags().GetBool("verbose"); err == nil && verbose {
			return "debug"
		}
	}
	return ""
}

// exitCode maps an error to its taxonomy category's exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var stepErr *builder.StepError
	if errors.As(err, &stepErr) {
		switch stepErr.Step {
		case builder.StepAllocate:
			return exitAllocate
		case builder.StepLoop:
			return exitLoop
		case builder.StepFormat:
			return exitFormat
		case builder.StepPopulate:
			return exitPopulate
		case builder.StepMount:
			return exitMount
		case builder.StepEmulation:
			return exitEmulation
		case builder.StepChroot:
			return exitChroot
		}
	}

	var (
		planOversized *plan.OversizedError
		planBootFlag  *plan.InvalidBootFlagError
		allocSpace    *image.InsufficientSpaceError
		allocWrite    *image.WriteError
		loopAttach    *loopdev.AttachError
		mountMissing  *mountfs.TargetMissingError
		mountKernel   *mountfs.KernelMountError
		emuRegister   *emulation.RegisterError
		emuArch       *emulation.UnsupportedArchError
		chrootPerm    *chroot.PermissionError
		chrootRoot    *chroot.RootInvalidError
		fsUnsupported *fsbuilder.UnsupportedTypeError
		fsTool        *fsbuilder.ToolError
		fsCorrupt     *fsbuilder.CorruptArchiveError
		fsBootstrap   *fsbuilder.BootstrapError
	)
	switch {
	case errors.As(err, &planOversized), errors.As(err, &planBootFlag):
		return exitPlan
	case errors.As(err, &allocSpace), errors.As(err, &allocWrite):
		return exitAllocate
	case errors.As(err, &loopAttach),
		errors.Is(err, loopdev.ErrNoFreeDevice),
		errors.Is(err, loopdev.ErrBusy):
		return exitLoop
	case errors.As(err, &fsUnsupported), errors.As(err, &fsTool):
		return exitFormat
	case errors.As(err, &fsCorrupt), errors.As(err, &fsBootstrap):
		return exitPopulate
	case errors.As(err, &mountMissing), errors.As(err, &mountKernel):
		return exitMount
	case errors.As(err, &emuRegister), errors.As(err, &emuArch):
		return exitEmulation
	case errors.As(err, &chrootPerm), errors.As(err, &chrootRoot):
		return exitChroot
	default:
		return exitFailure
	}
}

// finishBuild prints the final report and converts it to an error for the
// command's RunE.
func finishBuild(report *builder.Report) error {
	log := logger.Logger()
	log.Infof("%s", report)

	if !report.Clean() {
		for _, f := range report.Cleanup.Failures {
			log.Errorf("Resource needs manual cleanup: %s %s: %v", f.Kind, f.ID, f.Err)
		}
	}
	return report.Err
}

func main() {
	root := createRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pimage: %v\n", err)
		os.Exit(exitCode(err))
	}
}
