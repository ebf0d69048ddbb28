package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/anime-embed-crawler/internal/server"
)

func newReportCmd() *cobra.Command {
	var archive bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the operator report",
		Long: `Prints progress, throughput, queue counts, live workers, failure
categories, recommended actions and the unrecoverable jobs. With --archive
the report is also written to the configured report store.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, server.Needs{Reports: archive}, func(ctx context.Context, app *server.App) error {
				report, uri, err := app.Report(ctx, archive)
				if len(report) > 0 {
					if _, werr := cmd.OutOrStdout().Write(report); werr != nil {
						return werr
					}
				}
				if err != nil {
					return err
				}
				if uri != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), "archived to", uri)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", false, "store the report in report.backend")
	return cmd
}
