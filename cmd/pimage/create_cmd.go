package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aserranoh/pimage/internal/builder"
	"github.com/aserranoh/pimage/internal/emulation"
	"github.com/aserranoh/pimage/internal/fsbuilder"
	"github.com/aserranoh/pimage/internal/hostenv"
	"github.com/aserranoh/pimage/internal/plan"
)

var (
	createSeedArchive      string
	createBootstrapSuite   string
	createBootstrapMirror  string
	createBootstrapInclude []string
	createArch             string
	createInterpreter      string
	createSudo             bool
)

func createCreateCommand() *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create [flags] PLAN_FILE OUTPUT_IMAGE",
		Short: "builds a bootable image from a partition plan",
		Long: `Create allocates a sparse image, writes its partition table, formats
and populates the filesystems from a seed archive or a debootstrap base
system, and runs the bootstrap second stage under user-mode emulation.`,
		Args: cobra.ExactArgs(2),
		RunE: executeCreate,
	}

	createCmd.Flags().StringVar(&createSeedArchive, "seed", "",
		"tar archive (optionally gzip/xz/zstd compressed) to populate the root from")
	createCmd.Flags().StringVar(&createBootstrapSuite, "bootstrap-suite", "",
		"debootstrap suite to bootstrap the root from (alternative to --seed)")
	createCmd.Flags().StringVar(&createBootstrapMirror, "bootstrap-mirror",
		"http://deb.debian.org/debian", "mirror for --bootstrap-suite")
	createCmd.Flags().StringSliceVar(&createBootstrapInclude, "bootstrap-include", nil,
		"extra packages for --bootstrap-suite")
	createCmd.Flags().StringVar(&createArch, "arch", "arm",
		"target architecture (arm, aarch64)")
	createCmd.Flags().StringVar(&createInterpreter, "interpreter", "/usr/bin/qemu-arm-static",
		"user-mode emulation binary registered for the target architecture")
	createCmd.Flags().BoolVar(&createSudo, "sudo", false,
		"run privileged host commands through sudo")
	return createCmd
}

func executeCreate(cmd *cobra.Command, args []string) error {
	planFile, outputImage := args[0], args[1]

	p, err := plan.Load(planFile)
	if err != nil {
		return err
	}

	var seed fsbuilder.Seed
	switch {
	case createSeedArchive != "" && createBootstrapSuite != "":
		return fmt.Errorf("--seed and --bootstrap-suite are mutually exclusive")
	case createSeedArchive != "":
		seed, err = fsbuilder.SeedFromPath(createSeedArchive)
		if err != nil {
			return err
		}
	case createBootstrapSuite != "":
		seed = fsbuilder.BootstrapSeed{
			Suite:   createBootstrapSuite,
			Mirror:  createBootstrapMirror,
			Arch:    debArch(createArch),
			Include: createBootstrapInclude,
		}
	default:
		return fmt.Errorf("either --seed or --bootstrap-suite is required")
	}

	check := hostenv.Check{Tools: []string{"losetup"}}
	seen := map[string]bool{}
	for _, part := range p.Partitions {
		if tool := hostenv.FormatTool(part.Filesystem); tool != "" && !seen[tool] {
			check.Tools = append(check.Tools, tool)
			seen[tool] = true
		}
	}
	if createSeedArchive != "" {
		check.Tools = append(check.Tools, "tar")
	} else {
		check.Tools = append(check.Tools, "debootstrap")
	}
	if hostenv.NeedsEmulation(createArch) {
		check.Interpreter = createInterpreter
		check.BinfmtDir = emulation.DefaultTableDir
	}
	if err := check.Run(); err != nil {
		return err
	}

	b := builder.New(createSudo)
	b.Arch = createArch
	b.Interpreter = createInterpreter

	return finishBuild(b.Create(cmd.Context(), p, outputImage, seed, nil))
}

// debArch maps a kernel architecture name to its Debian port name.
func debArch(arch string) string {
	switch arch {
	case "arm", "armv6l", "armv7l":
		return "armhf"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}
