package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/anime-embed-crawler/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API and Prometheus metrics",
		Long: `Starts the HTTP API on server.port: health and readiness checks,
/metrics, JSON progress, queue and worker views, the text report and stored
embed lookups. The monitor loop runs alongside so alerts keep firing.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			needs := server.Needs{Catalog: catalogConfigured(cmd), Events: true}
			return withApp(cmd, needs, func(ctx context.Context, app *server.App) error {
				return app.Serve(ctx)
			})
		},
	}
}
