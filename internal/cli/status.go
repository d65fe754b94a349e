package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marius-posa/codeql-devin-fixer/internal/lifecycle"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show finding states, sessions, rate-limit headroom and objectives",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		a, cleanup, err := openApp(cmd, appOpts{})
		if err != nil {
			return err
		}
		defer cleanup()

		st, err := a.orch.Status(cmd.Context(), repo)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return writeJSON(cmd, st)
		}

		out := cmd.OutOrStdout()
		printRateLimit(out, st.RateLimit)
		if st.LastCycle != "" {
			fmt.Fprintf(out, "Last cycle: %s\n", st.LastCycle)
		}
		fmt.Fprintf(out, "Fix rate: %.1f%%\n\n", st.FixRatePct)

		fmt.Fprintln(out, "Findings by state:")
		for _, s := range lifecycle.AllStates {
			fmt.Fprintf(out, "  %-20s %d\n", s, st.StateCounts[s])
		}

		if len(st.SessionCounts) > 0 {
			fmt.Fprintln(out, "\nSessions by status:")
			for s, n := range st.SessionCounts {
				fmt.Fprintf(out, "  %-20s %d\n", s, n)
			}
		}

		if len(st.Objectives) > 0 {
			fmt.Fprintln(out, "\nObjectives:")
			for _, o := range st.Objectives {
				mark := "unmet"
				if o.Met {
					mark = "met"
				}
				fmt.Fprintf(out, "  %s <= %d: %d open (%s)\n", o.TargetSeverity, o.TargetCount, o.Open, mark)
			}
		}

		if len(st.Repos) == 0 {
			return nil
		}
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "REPO\tCONFIGURED\tFINDINGS\tOPEN\tLAST SCAN\tNEXT SCAN")
		for _, r := range st.Repos {
			fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%s\t%s\n",
				r.URL, r.Configured, r.Findings, r.Open, fmtTime(r.LastScanAt), fmtTime(r.NextScanAt))
		}
		return w.Flush()
	},
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func init() {
	statusCmd.Flags().String("repo", "", "only report on this repository")
}
