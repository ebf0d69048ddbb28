package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/anime-embed-crawler/internal/server"
)

func newStartCmd() *cobra.Command {
	var opts server.CrawlOptions
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Discover anime and scrape their embeds",
		Long: `Runs a discovery pass over the catalog, enqueues every eligible anime
and processes the queue with a pool of workers. The run ends when the queue
drains, or on SIGINT/SIGTERM after in-flight jobs are released.

Exits 2 when failed or unrecoverable jobs remain.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, server.Needs{Catalog: true, Provider: true, Events: true},
				func(ctx context.Context, app *server.App) error {
					out, err := app.Crawl(ctx, opts)
					if err != nil {
						return err
					}
					printOutcome(cmd.OutOrStdout(), out)
					if out.Partial() {
						return fmt.Errorf("%d jobs failed (%d unrecoverable): %w",
							out.Snapshot.Queue.Failed, out.Snapshot.Queue.Unrecoverable, ErrPartial)
					}
					return nil
				})
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.Workers, "workers", "w", 0, "number of workers (default worker.concurrency)")
	f.BoolVar(&opts.Resume, "resume", false, "continue discovery from the saved cursor")
	f.StringVar(&opts.Strategy, "strategy", "", "priority strategy: balanced, airing or popularity")
	f.BoolVar(&opts.Follow, "follow", false, "keep workers running when the queue is empty")
	f.BoolVar(&opts.SkipDiscovery, "skip-discovery", false, "only process jobs already queued")
	return cmd
}

func printOutcome(w io.Writer, out server.Outcome) {
	d := out.Discovery
	fmt.Fprintf(w, "discovery: %s scanned, %s enqueued, %s already covered, %s duplicates\n",
		humanize.Comma(int64(d.Scanned)), humanize.Comma(int64(d.Enqueued)),
		humanize.Comma(int64(d.Covered)), humanize.Comma(int64(d.Duplicates)))
	for _, hb := range out.Workers {
		fmt.Fprintf(w, "worker %s: %d processed, %d failed\n", hb.WorkerID, hb.Processed, hb.Failed)
	}
	q := out.Snapshot.Queue
	fmt.Fprintf(w, "queue: %d completed, %d failed, %d pending\n", q.Completed, q.Failed, q.Pending())
}
