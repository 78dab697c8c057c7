package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aserranoh/pimage/internal/image"
)

func createInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect IMAGE",
		Short: "prints the partition table of an image",
		Args:  cobra.ExactArgs(1),
		RunE:  executeInspect,
	}
}

func executeInspect(cmd *cobra.Command, args []string) error {
	layout, err := image.ReadLayout(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "table: %s\nsize:  %d bytes\n", layout.Table, layout.TotalBytes)
	for _, e := range layout.Entries {
		boot := ""
		if e.Boot {
			boot = " boot"
		}
		name := ""
		if e.Name != "" {
			name = fmt.Sprintf(" name=%q", e.Name)
		}
		fmt.Fprintf(out, "  %d: start=%d size=%d type=%s%s%s\n",
			e.Index, e.StartBytes, e.SizeBytes, e.Type, name, boot)
	}
	return nil
}
