package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/marius-posa/codeql-devin-fixer/internal/batch"
	"github.com/marius-posa/codeql-devin-fixer/internal/eligibility"
	"github.com/marius-posa/codeql-devin-fixer/internal/orchestrator"
	"github.com/marius-posa/codeql-devin-fixer/internal/ratelimit"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Preview eligible findings, skips and the batches a dispatch would create",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		a, cleanup, err := openApp(cmd, appOpts{})
		if err != nil {
			return err
		}
		defer cleanup()

		plan, err := a.orch.Plan(cmd.Context(), repo)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return writeJSON(cmd, plan)
		}
		return printPlan(cmd.OutOrStdout(), plan)
	},
}

func printPlan(out io.Writer, plan *orchestrator.PlanResult) error {
	printRateLimit(out, plan.RateLimit)
	fmt.Fprintf(out, "Capacity this cycle: %d\n", plan.Capacity)
	fmt.Fprintf(out, "Eligible: %d   Skipped: %d\n\n", len(plan.Eligible), len(plan.Skipped))

	if len(plan.Skipped) > 0 {
		printSkipCounts(out, plan.SkipCounts)
		fmt.Fprintln(out)
	}
	if len(plan.Planned) == 0 {
		fmt.Fprintln(out, "No batches planned.")
		return nil
	}
	return printBatches(out, plan.Planned)
}

func printBatches(out io.Writer, batches []batch.Batch) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tREPO\tFAMILY\tSEVERITY\tSCORE\tFINDINGS")
	for _, b := range batches {
		ids := make([]string, 0, len(b.Members))
		for _, m := range b.Members {
			id := m.Finding.LatestTrackingID
			if id == "" {
				id = m.Finding.Fingerprint
			}
			ids = append(ids, id)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.4f\t%s\n",
			shortID(b.ID), b.TargetRepo, b.Family, b.Severity, b.MaxScore, truncate(strings.Join(ids, ","), 60))
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printSkipCounts(out io.Writer, counts map[eligibility.Reason]int) {
	reasons := make([]string, 0, len(counts))
	for r := range counts {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	fmt.Fprintln(out, "Skip reasons:")
	for _, r := range reasons {
		fmt.Fprintf(out, "  %-34s %d\n", r, counts[eligibility.Reason(r)])
	}
}

func printRateLimit(out io.Writer, rl ratelimit.Snapshot) {
	fmt.Fprintf(out, "Rate limit: %d/%d used in %.0fh window, %d remaining\n",
		rl.InWindow, rl.MaxSessions, rl.PeriodHours, rl.Remaining)
}

func init() {
	planCmd.Flags().String("repo", "", "only consider this repository")
}
