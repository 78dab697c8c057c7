package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aserranoh/pimage/internal/media"
)

var installYes bool

func createInstallCommand() *cobra.Command {
	installCmd := &cobra.Command{
		Use:   "install [flags] IMAGE DEVICE",
		Short: "writes an image to removable media",
		Long: `Install copies an image file onto a block device, decompressing
gzip/xz/zstd images on the fly, and syncs the device before returning.`,
		Args: cobra.ExactArgs(2),
		RunE: executeInstall,
	}

	installCmd.Flags().BoolVarP(&installYes, "yes", "y", false,
		"skip the confirmation prompt")
	return installCmd
}

func executeInstall(cmd *cobra.Command, args []string) error {
	imageFile, device := args[0], args[1]

	fi, err := os.Stat(device)
	if err != nil {
		return fmt.Errorf("cannot stat device %s: %w", device, err)
	}
	if fi.Mode().IsRegular() {
		return fmt.Errorf("%s is a regular file, not a block device", device)
	}

	if !installYes {
		fmt.Fprintf(cmd.OutOrStdout(), "About to overwrite %s with %s. Continue? [y/N] ", device, imageFile)
		var answer string
		fmt.Fscanln(cmd.InOrStdin(), &answer)
		if answer != "y" && answer != "Y" && answer != "yes" {
			return fmt.Errorf("aborted")
		}
	}

	return media.Install(cmd.Context(), imageFile, device)
}
