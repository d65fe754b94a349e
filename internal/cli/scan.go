package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/marius-posa/codeql-devin-fixer/internal/orchestrator"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Trigger scan workflows for repositories that are due",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		// The host is still needed on dry runs for commit-velocity checks.
		a, cleanup, err := openApp(cmd, appOpts{host: true})
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := a.orch.Scan(cmd.Context(), orchestrator.ScanOpts{Repo: repo, DryRun: dryRun})
		if err != nil {
			return err
		}
		if jsonOutput() {
			return writeJSON(cmd, res)
		}
		return printScan(cmd.OutOrStdout(), res)
	},
}

func printScan(out io.Writer, res *orchestrator.ScanResult) error {
	if len(res.Decisions) == 0 {
		fmt.Fprintln(out, "No repositories configured.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REPO\tDUE\tREASON\tLAST SCAN\tNEXT SCAN\tRESULT")
	for _, d := range res.Decisions {
		result := "-"
		switch {
		case d.Error != "":
			result = "error: " + truncate(d.Error, 50)
		case d.Triggered:
			result = "triggered"
		case d.Due && res.DryRun:
			result = "would trigger"
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\t%s\n",
			d.Repo, d.Due, d.Reason, fmtTime(d.LastScanAt), fmtTime(d.NextScanAt), result)
	}
	return w.Flush()
}

func init() {
	scanCmd.Flags().String("repo", "", "only consider this repository")
	scanCmd.Flags().Bool("dry-run", false, "report due repositories without triggering workflows")
}
