package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/marius-posa/codeql-devin-fixer/internal/orchestrator"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Poll sessions, then create agent sessions for the planned batches",
	Long: `Refresh session statuses and pull requests, re-evaluate eligibility and
create one remediation session per planned batch. With --dry-run nothing is
written and no remote service is called.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		maxSessions, _ := cmd.Flags().GetInt("max-sessions")
		if maxSessions < 0 {
			return fmt.Errorf("--max-sessions must not be negative")
		}

		a, cleanup, err := openApp(cmd, appOpts{agent: !dryRun, host: !dryRun})
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := a.orch.Dispatch(cmd.Context(), orchestrator.DispatchOpts{
			Repo:        repo,
			DryRun:      dryRun,
			MaxSessions: maxSessions,
		})
		if err != nil {
			return err
		}
		if jsonOutput() {
			return writeJSON(cmd, res)
		}
		return printDispatch(cmd, res)
	},
}

func printDispatch(cmd *cobra.Command, res *orchestrator.DispatchResult) error {
	out := cmd.OutOrStdout()
	if res.Refresh != nil {
		fmt.Fprintf(out, "Polled %d session(s), %d failure(s) charged, %d pull request(s) synced\n",
			res.Refresh.Polled, res.Refresh.FailureCharged, res.Refresh.PullRequests)
	}
	if len(res.SkipCounts) > 0 {
		printSkipCounts(out, res.SkipCounts)
	}
	if len(res.Results) == 0 {
		fmt.Fprintln(out, "Nothing to dispatch.")
		printRateLimit(out, res.RateLimit)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tREPO\tFAMILY\tFINDINGS\tSTATUS\tSESSION")
	for _, r := range res.Results {
		session := r.SessionURL
		if session == "" {
			session = r.SessionID
		}
		if r.Error != "" {
			session = truncate(r.Error, 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(r.BatchID), r.TargetRepo, r.Family, len(r.Fingerprints), r.Status, session)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nCreated %d, failed %d.\n", res.SessionsCreated, res.SessionsFailed)
	printRateLimit(out, res.RateLimit)
	return nil
}

func init() {
	dispatchCmd.Flags().String("repo", "", "only dispatch findings of this repository")
	dispatchCmd.Flags().Bool("dry-run", false, "plan and render prompts without creating sessions")
	dispatchCmd.Flags().Int("max-sessions", 0, "cap sessions created by this run (0 = no extra cap)")
}
