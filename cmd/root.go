// Package cmd defines and implements the CLI commands for the embed crawler.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/config"
	"github.com/JakeFAU/anime-embed-crawler/internal/logging"
	"github.com/JakeFAU/anime-embed-crawler/internal/server"
)

// Exit codes reported to the shell.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitPartial = 2
)

// ErrPartial marks a run that finished with failed or unrecoverable jobs.
var ErrPartial = errors.New("finished with failed jobs remaining")

// sessionKeyType is the key for storing the session in the context.
type sessionKeyType string

const sessionKey sessionKeyType = "session"

// skipConfig is set on commands that must run without a valid config.
const skipConfig = "skip-config"

// session holds what the root command loads before any subcommand runs.
type session struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

func (s *session) sync() {
	if s.logger != nil {
		_ = s.logger.Sync()
	}
}

// newApp is the application factory. It's a variable so tests can swap it.
var newApp = server.Build

// newRootCmd creates and configures the root command.
func newRootCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embedcrawler",
		Short: "Fault-tolerant anime embed scraper.",
		Long: `embedcrawler walks the anime catalog, resolves each title on the
streaming provider and stores the embed links of every episode. Work is kept
in a durable queue so runs survive crashes, restarts and provider outages.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfig] == "true" {
				s.logger = zap.NewNop()
			} else {
				cfg, err := config.Load(s.cfgFile)
				if err != nil {
					return err
				}
				logger, err := logging.New(logging.Options{
					Development: cfg.Logging.Development,
					Level:       cfg.Logging.Level,
				})
				if err != nil {
					return fmt.Errorf("logger init failed: %w", err)
				}
				zap.ReplaceGlobals(logger)
				s.cfg, s.logger = cfg, logger
			}
			cmd.SetContext(context.WithValue(cmd.Context(), sessionKey, s))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&s.cfgFile, "config", "", "config file (default: defaults plus EMBEDCRAWLER_* environment)")

	cmd.AddCommand(
		newStartCmd(),
		newStatusCmd(),
		newMonitorCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newRecoverCmd(),
		newCleanupCmd(),
		newReportCmd(),
		newClearCmd(),
		newConfigCmd(),
		newServeCmd(),
	)
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	s := &session{}
	defer s.sync()

	root := newRootCmd(s)
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	switch code {
	case ExitPartial:
		fmt.Fprintln(errOut, "warning:", err)
	case ExitFailure:
		fmt.Fprintln(errOut, "error:", err)
	}
	return code
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrPartial):
		return ExitPartial
	default:
		return ExitFailure
	}
}

func resolveSession(ctx context.Context) (*session, error) {
	s, ok := ctx.Value(sessionKey).(*session)
	if !ok || s == nil {
		return nil, errors.New("application services not initialized")
	}
	return s, nil
}

// catalogConfigured reports whether catalog.dsn is set, for commands that
// can run without the catalog.
func catalogConfigured(cmd *cobra.Command) bool {
	s, err := resolveSession(cmd.Context())
	return err == nil && s.cfg.Catalog.DSN != ""
}

// withApp builds the App for one command and closes it afterwards.
func withApp(cmd *cobra.Command, needs server.Needs, fn func(ctx context.Context, app *server.App) error) error {
	ctx := cmd.Context()
	s, err := resolveSession(ctx)
	if err != nil {
		return err
	}
	app, err := newApp(ctx, s.cfg, s.logger, needs)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			s.logger.Warn("close failed", zap.Error(cerr))
		}
	}()
	return fn(ctx, app)
}
