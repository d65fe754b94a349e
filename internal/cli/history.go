package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and reset per-finding dispatch history",
}

var historyResetCmd = &cobra.Command{
	Use:   "reset <fingerprint>",
	Short: "Clear attempts and failures for a finding after human review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := openApp(cmd, appOpts{})
		if err != nil {
			return err
		}
		defer cleanup()

		fp := args[0]
		attemptsOnly, _ := cmd.Flags().GetBool("attempts-only")
		reset := a.db.ResetHistory
		if attemptsOnly {
			reset = a.db.ResetAttempts
		}
		found, err := reset(cmd.Context(), fp)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no dispatch history for %s", fp)
		}
		a.log.Info().Str("fingerprint", fp).Bool("attempts_only", attemptsOnly).Msg("dispatch history reset")
		if attemptsOnly {
			cmd.Printf("Reset dispatch attempts for %s; failure streak kept.\n", fp)
			return nil
		}
		cmd.Printf("Reset dispatch history for %s.\n", fp)
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show [fingerprint]",
	Short: "Show dispatch history, optionally for one finding",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := openApp(cmd, appOpts{})
		if err != nil {
			return err
		}
		defer cleanup()

		history, err := a.db.History(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 1 {
			h, ok := history[args[0]]
			if !ok {
				return fmt.Errorf("no dispatch history for %s", args[0])
			}
			if jsonOutput() {
				return writeJSON(cmd, h)
			}
			cmd.Printf("%s: %d dispatch(es), %d consecutive failure(s), last %s (%s)\n",
				args[0], h.DispatchCount, h.ConsecutiveFailures, fmtTime(h.LastDispatchedAt), h.LastSessionID)
			return nil
		}
		return writeJSON(cmd, history)
	},
}

func init() {
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyResetCmd)

	historyResetCmd.Flags().Bool("attempts-only", false, "zero the dispatch count but keep consecutive failures")
}
