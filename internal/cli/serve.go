package cli

import (
	"github.com/spf13/cobra"

	"github.com/marius-posa/codeql-devin-fixer/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only HTTP API",
	Long: `Serve plan and status as JSON plus Prometheus metrics:

  GET /health
  GET /api/status?repo=
  GET /api/plan?repo=
  GET /metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := openApp(cmd, appOpts{})
		if err != nil {
			return err
		}
		defer cleanup()

		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = a.cfg.Fixer.Server.Port
		}
		srv := web.NewServer(a.orch, port, a.log)
		srv.AllowOrigins(a.cfg.Fixer.Server.AllowedOrigins...)
		return srv.Start(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "port to listen on (default from config, 8080)")
}
