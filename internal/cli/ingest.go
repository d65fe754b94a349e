package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/marius-posa/codeql-devin-fixer/internal/orchestrator"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <run.json>...",
	Short: "Record scan runs and rebuild tracked findings",
	Long: `Ingest one or more scan-run payloads (any schema version). Use "-" to
read a payload from stdin. Re-ingesting a run that is already recorded
changes nothing.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceRoot, _ := cmd.Flags().GetString("source-root")
		a, cleanup, err := openApp(cmd, appOpts{sourceRoot: sourceRoot})
		if err != nil {
			return err
		}
		defer cleanup()

		var results []*orchestrator.IngestResult
		for _, path := range args {
			data, err := readPayload(cmd, path)
			if err != nil {
				return err
			}
			res, err := a.orch.Ingest(cmd.Context(), data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results = append(results, res)
		}

		if jsonOutput() {
			return writeJSON(cmd, results)
		}
		w := cmd.OutOrStdout()
		for _, r := range results {
			if r.Duplicate {
				fmt.Fprintf(w, "%s run %s: already ingested\n", r.TargetRepo, r.RunID)
				continue
			}
			fmt.Fprintf(w, "%s run %s: %d observation(s), %d tracked finding(s), %d verified fix(es)\n",
				r.TargetRepo, r.RunID, r.Observations, r.Findings, r.Verified)
		}
		return nil
	},
}

func readPayload(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func init() {
	ingestCmd.Flags().String("source-root", "", "checkout used to resolve source lines for findings without a stable hash or message")
}
