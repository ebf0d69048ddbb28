package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/anime-embed-crawler/internal/recovery"
	"github.com/JakeFAU/anime-embed-crawler/internal/server"
)

func newRecoverCmd() *cobra.Command {
	var (
		ids          []int
		resetMapping bool
		priority     int
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Requeue failed and stalled jobs",
		Long: `Without --ids, requeues stalled jobs and re-plans every failed job that is
not unrecoverable. With --ids, the listed anime get a fresh start whatever
their failure history.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, server.Needs{Catalog: true}, func(ctx context.Context, app *server.App) error {
				var (
					rep recovery.Report
					err error
				)
				if len(ids) > 0 {
					rep, err = app.Recovery.RecoverIDs(ctx, ids, recovery.RecoverOptions{
						ResetMapping: resetMapping,
						Priority:     priority,
					})
				} else {
					rep, err = app.Recovery.AutoRecover(ctx)
				}
				if err != nil {
					return err
				}
				printRecovery(cmd.OutOrStdout(), rep)
				return nil
			})
		},
	}
	cmd.Flags().IntSliceVar(&ids, "ids", nil, "anime ids to recover, e.g. --ids 1,2")
	cmd.Flags().BoolVar(&resetMapping, "reset-mapping", false, "drop cached provider mappings of the listed ids")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority of the requeued jobs")
	return cmd
}

func printRecovery(w io.Writer, rep recovery.Report) {
	fmt.Fprintf(w, "stalled requeued: %d\n", rep.Stalled)
	fmt.Fprintf(w, "requeued: %d %s\n", len(rep.Requeued), joinInts(rep.Requeued))
	fmt.Fprintf(w, "abandoned: %d %s\n", len(rep.Abandoned), joinInts(rep.Abandoned))
	for _, s := range rep.Skipped {
		fmt.Fprintf(w, "skipped: %s\n", s)
	}
}

func newCleanupCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "List or purge unrecoverable jobs",
		Long: `Lists unrecoverable jobs. With --force they are removed from the queue,
and anime that vanished from the catalog also lose their stored embeds.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, server.Needs{Catalog: catalogConfigured(cmd)}, func(ctx context.Context, app *server.App) error {
				res, err := app.Recovery.Cleanup(ctx, force)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, j := range res.Jobs {
					fmt.Fprintln(w, recovery.Describe(j))
				}
				if res.DryRun {
					fmt.Fprintf(w, "%d unrecoverable jobs (dry run, pass --force to remove)\n", len(res.Jobs))
				} else {
					fmt.Fprintf(w, "removed %d unrecoverable jobs\n", res.Removed)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove the jobs instead of listing them")
	return cmd
}

func joinInts(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
