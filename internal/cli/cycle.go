package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marius-posa/codeql-devin-fixer/internal/orchestrator"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one full cycle: scan due repositories, then dispatch",
	Long: `Trigger due scans, poll sessions and pull requests, and dispatch new
batches. Designed to be called on a schedule (e.g. hourly from cron or CI).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, cleanup, err := openApp(cmd, appOpts{agent: !dryRun, host: true})
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := a.orch.Cycle(cmd.Context(), orchestrator.CycleOpts{Repo: repo, DryRun: dryRun})
		if err != nil {
			return err
		}
		if jsonOutput() {
			return writeJSON(cmd, res)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "== scan ==")
		if err := printScan(out, res.Scan); err != nil {
			return err
		}
		fmt.Fprintln(out, "\n== dispatch ==")
		if err := printDispatch(cmd, res.Dispatch); err != nil {
			return err
		}
		for _, o := range res.NewlyMet {
			fmt.Fprintf(out, "Objective met: %s <= %d\n", o.TargetSeverity, o.TargetCount)
		}
		return nil
	},
}

func init() {
	cycleCmd.Flags().String("repo", "", "only consider this repository")
	cycleCmd.Flags().Bool("dry-run", false, "evaluate without triggering scans or creating sessions")
}
