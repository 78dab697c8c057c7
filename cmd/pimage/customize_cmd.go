package main

import (
	"github.com/spf13/cobra"

	"github.com/aserranoh/pimage/internal/builder"
	"github.com/aserranoh/pimage/internal/emulation"
	"github.com/aserranoh/pimage/internal/hostenv"
)

var (
	customizeArch        string
	customizeInterpreter string
	customizeSudo        bool
)

func createCustomizeCommand() *cobra.Command {
	customizeCmd := &cobra.Command{
		Use:   "customize [flags] IMAGE SCRIPT...",
		Short: "runs scripts inside an existing image",
		Long: `Customize attaches an existing image's partitions to loop devices,
mounts them, registers the emulation interpreter and executes each script
inside the chroot. All resources are released even when a script fails.`,
		Args: cobra.MinimumNArgs(2),
		RunE: executeCustomize,
	}

	customizeCmd.Flags().StringVar(&customizeArch, "arch", "arm",
		"target architecture (arm, aarch64)")
	customizeCmd.Flags().StringVar(&customizeInterpreter, "interpreter", "/usr/bin/qemu-arm-static",
		"user-mode emulation binary registered for the target architecture")
	customizeCmd.Flags().BoolVar(&customizeSudo, "sudo", false,
		"run privileged host commands through sudo")
	return customizeCmd
}

func executeCustomize(cmd *cobra.Command, args []string) error {
	imageFile, scripts := args[0], args[1:]

	check := hostenv.Check{Tools: []string{"losetup"}}
	if hostenv.NeedsEmulation(customizeArch) {
		check.Interpreter = customizeInterpreter
		check.BinfmtDir = emulation.DefaultTableDir
	}
	if err := check.Run(); err != nil {
		return err
	}

	b := builder.New(customizeSudo)
	b.Arch = customizeArch
	b.Interpreter = customizeInterpreter

	return finishBuild(b.Customize(cmd.Context(), imageFile, scripts))
}
