package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/anime-embed-crawler/internal/server"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop workers from claiming new jobs",
		Long:  "In-flight jobs finish; queued jobs wait until resume.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, server.Needs{}, func(ctx context.Context, app *server.App) error {
				if err := app.Queue.Pause(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "queue paused")
				return nil
			})
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Let workers claim jobs again",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, server.Needs{}, func(ctx context.Context, app *server.App) error {
				if err := app.Queue.Resume(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "queue resumed")
				return nil
			})
		},
	}
}

func newClearCmd() *cobra.Command {
	var yes, checkpoints bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Empty the queue and reset progress",
		Long: `Removes every queued, active and failed job and resets progress counters,
error statistics and the discovery cursor. Stored embeds and mappings are
kept. With --checkpoints the per-episode task state is dropped as well.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to clear state without --yes")
			}
			return withApp(cmd, server.Needs{}, func(ctx context.Context, app *server.App) error {
				res, err := app.Clear(ctx, checkpoints)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d queue keys, %d progress records, %d episode tasks\n",
					res.QueueKeys, res.Progress, res.Checkpoints)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	cmd.Flags().BoolVar(&checkpoints, "checkpoints", false, "also drop episode task checkpoints")
	return cmd
}
