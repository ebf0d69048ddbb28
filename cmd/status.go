package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/anime-embed-crawler/internal/monitor"
	"github.com/JakeFAU/anime-embed-crawler/internal/server"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print progress, queue and worker state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, server.Needs{}, func(ctx context.Context, app *server.App) error {
				snap, err := app.Monitor.Collect(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(snap)
				}
				printStatus(cmd.OutOrStdout(), snap)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func newMonitorCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print a status line every interval until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			if interval > 0 {
				s.cfg.Monitor.Interval = interval
			}
			return withApp(cmd, server.Needs{Events: true}, func(ctx context.Context, app *server.App) error {
				return app.Monitor.Run(ctx, func(snap monitor.Snapshot) {
					printStatus(cmd.OutOrStdout(), snap)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "refresh interval (default monitor.interval)")
	return cmd
}

func printStatus(w io.Writer, snap monitor.Snapshot) {
	p, q := snap.Progress, snap.Queue
	fmt.Fprintf(w, "[%s] %s  anime %s/%s done, %s failed  queue %d waiting %d delayed %d active %d failed  workers %d  %.1f/h",
		snap.At.Format(time.TimeOnly),
		strings.ToUpper(string(snap.Health.Level)),
		humanize.Comma(int64(p.Completed)), humanize.Comma(int64(p.TotalAnime)),
		humanize.Comma(int64(p.Failed)),
		q.Waiting, q.Delayed, q.Active, q.Failed,
		len(snap.Workers),
		snap.Throughput,
	)
	if q.Paused {
		fmt.Fprint(w, "  PAUSED")
	}
	if p.EstimatedCompletion != nil {
		fmt.Fprintf(w, "  eta %s", humanize.RelTime(*p.EstimatedCompletion, snap.At, "ago", "from now"))
	}
	fmt.Fprintln(w)
	for _, a := range snap.Alerts {
		fmt.Fprintf(w, "  ! %s: %s\n", a.Level, a.Message)
	}
}
