package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"patchline/internal/config"
	"patchline/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run API server",
	Long: `Start the HTTP server: POST work items to /api/runs, follow progress on
/api/runs/{id}/events over SSE, and scrape /metrics for Prometheus.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadDefault()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			cfg.Patchline.Server.Port = port
		}

		svc, err := buildServices(cfg)
		if err != nil {
			return err
		}
		defer svc.close()

		server := web.NewServer(svc.orch, svc.registry, svc.broker, svc.gh, web.Opts{
			Port:          cfg.Patchline.Server.Port,
			Retention:     cfg.Patchline.Runs.RetentionDuration(),
			SweepInterval: cfg.Patchline.Runs.SweepIntervalDuration(),
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return server.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
}
