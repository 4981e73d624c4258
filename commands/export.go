package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/c360studio/matterstack/export"
)

func newExportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Export a run's evidence as a portable bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(args[0])
			if err != nil {
				return err
			}
			defer eng.Close()

			dest := out
			if dest == "" {
				dest = filepath.Join(eng.Run.Root, "export")
			}
			bundle, err := export.Write(cmdContext(), eng.Store, eng.Run, dest)
			if err != nil {
				return err
			}
			fmt.Printf("Exported %d task(s) to %s\n", len(bundle.Tasks), dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Destination directory (default <run-root>/export)")
	return cmd
}
