package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile   string
	outputFormat string
	logLevel     string
	dbOverride   string
)

var rootCmd = &cobra.Command{
	Use:   "fixer",
	Short: "fixer: CodeQL remediation orchestrator",
	Long: `fixer tracks CodeQL findings across scan runs, decides which ones are
eligible for automated remediation, and dispatches them in batches to a
remediation agent under a global rate limit.

State lives in SQLite (~/.fixer/fixer.db) or PostgreSQL. Secrets such as
DEVIN_API_KEY are read from the environment or a .env file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine; a malformed one is not.
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	},
}

// Execute runs the root command; SIGINT and SIGTERM cancel its context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "path to fixer config file (default ./fixer.yaml or ~/.fixer/config.yaml)")
	pf.StringVar(&outputFormat, "format", "text", "output format: text or json")
	pf.StringVar(&logLevel, "log-level", "", "log level override: debug, info, warn, error")
	pf.StringVar(&dbOverride, "db", "", "database path or postgres:// DSN (overrides config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(historyCmd)
}
