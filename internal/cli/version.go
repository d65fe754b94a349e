package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fixer version",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput() {
			return writeJSON(cmd, map[string]string{"version": version, "go": runtime.Version()})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "fixer %s (%s)\n", version, runtime.Version())
		return nil
	},
}
