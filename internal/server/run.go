package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/anime-embed-crawler/internal/api"
	"github.com/JakeFAU/anime-embed-crawler/internal/discovery"
	"github.com/JakeFAU/anime-embed-crawler/internal/embeds"
	"github.com/JakeFAU/anime-embed-crawler/internal/id/uuid"
	"github.com/JakeFAU/anime-embed-crawler/internal/monitor"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
	"github.com/JakeFAU/anime-embed-crawler/internal/storage"
	"github.com/JakeFAU/anime-embed-crawler/internal/worker"
)

// Discoverer builds a discovery pass for strategy. An empty strategy uses
// the configured one.
func (a *App) Discoverer(strategy string) (*discovery.Discoverer, error) {
	if a.Catalog == nil {
		return nil, ErrNoCatalog
	}
	if strategy == "" {
		strategy = a.Cfg.Discovery.Strategy
	}
	s, err := discovery.ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	d := a.Cfg.Discovery
	return discovery.New(a.Catalog, a.Queue, a.Checkpoints, a.Checkpoints, a.Tracker, discovery.Config{
		Strategy:      s,
		PageSize:      d.PageSize,
		BatchSize:     d.BatchSize,
		BatchPause:    d.BatchPause,
		MinPopularity: d.MinPopularity,
		MinScore:      d.MinScore,
		Jitter:        d.Jitter,
	}, a.Logger, discovery.WithEpisodeTotals(a.Mappings)), nil
}

// Pool builds n workers sharing this App's collaborators.
func (a *App) Pool(n int, follow bool) (*worker.Pool, error) {
	if a.Catalog == nil {
		return nil, ErrNoCatalog
	}
	if a.source == nil {
		return nil, ErrNoProvider
	}
	if n <= 0 {
		n = a.Cfg.Worker.Concurrency
	}
	var ids scrape.IDGenerator = uuid.New("worker")
	deps := worker.Deps{
		Queue:       a.Queue,
		Catalog:     a.Catalog,
		Resolver:    a.Mappings,
		Source:      a.source,
		Checkpoints: a.Checkpoints,
		Embeds:      a.Embeds,
		Progress:    a.Tracker,
		Recovery:    a.Recovery,
		Events:      a.Events,
		Clock:       a.Clock,
	}
	wcfg := worker.Config{LeaseTTL: a.Cfg.Worker.LeaseTTL, VerifySample: a.Cfg.Worker.VerifySample}
	workers := make([]*worker.Worker, 0, n)
	for range n {
		id, err := ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate worker id: %w", err)
		}
		workers = append(workers, worker.New(id, deps, wcfg, a.Logger))
	}
	return worker.NewPool(workers, a.Queue, a.Heartbeats, a.Checkpoints, worker.PoolConfig{
		HeartbeatInterval: a.Cfg.Worker.HeartbeatInterval,
		StalledInterval:   a.Cfg.Worker.StalledInterval,
		DrainTimeout:      a.Cfg.Worker.DrainTimeout,
		Follow:            follow,
	}, a.Logger), nil
}

// CrawlOptions are the start command's flags.
type CrawlOptions struct {
	Workers       int
	Resume        bool
	Strategy      string
	Follow        bool
	SkipDiscovery bool
}

// Outcome summarises a crawl.
type Outcome struct {
	Discovery discovery.Result
	Workers   []scrape.WorkerHeartbeat
	Snapshot  monitor.Snapshot
}

// Partial reports whether failed or unrecoverable jobs remain.
func (o Outcome) Partial() bool {
	return o.Snapshot.Queue.Failed > 0
}

// Crawl discovers work, then runs the pool until the queue drains or ctx
// ends. The monitor observes throughout so alerts are raised during the run.
func (a *App) Crawl(ctx context.Context, opts CrawlOptions) (Outcome, error) {
	var out Outcome
	pool, err := a.Pool(opts.Workers, opts.Follow)
	if err != nil {
		return out, err
	}

	monCtx, stopMonitor := context.WithCancel(context.WithoutCancel(ctx))
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		_ = a.Monitor.Run(monCtx, nil)
	}()
	defer func() {
		stopMonitor()
		<-monDone
	}()

	if !opts.SkipDiscovery {
		d, err := a.Discoverer(opts.Strategy)
		if err != nil {
			return out, err
		}
		out.Discovery, err = d.Run(ctx, opts.Resume)
		if err != nil && ctx.Err() == nil {
			return out, fmt.Errorf("discovery: %w", err)
		}
		a.Logger.Info("discovery finished",
			zap.Int("scanned", out.Discovery.Scanned),
			zap.Int("enqueued", out.Discovery.Enqueued),
			zap.Int("covered", out.Discovery.Covered),
		)
	}

	if ctx.Err() == nil {
		if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return out, fmt.Errorf("worker pool: %w", err)
		}
	}
	out.Workers = pool.Statuses()

	final := context.WithoutCancel(ctx)
	snap, err := a.Monitor.Collect(final)
	if err != nil {
		return out, fmt.Errorf("final snapshot: %w", err)
	}
	a.Monitor.Observe(snap)
	out.Snapshot = snap
	return out, nil
}

// API builds the HTTP server.
func (a *App) API() *api.Server {
	checks := map[string]api.ReadyCheck{
		"kv": func(ctx context.Context) error {
			_, err := a.Queue.Paused(ctx)
			return err
		},
	}
	if a.Catalog != nil {
		checks["catalog"] = func(ctx context.Context) error {
			_, err := a.Catalog.Candidates(ctx, scrape.Criteria{Limit: 1})
			return err
		}
	}
	return api.NewServer(a.Monitor, a.Embeds, api.Options{
		APIKey:      a.Cfg.Server.APIKey,
		ReadyChecks: checks,
		NotFound:    func(err error) bool { return errors.Is(err, embeds.ErrNotFound) },
	}, a.Logger)
}

// Serve runs the HTTP API and the monitor loop until ctx ends.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Cfg.Server.Addr(),
		Handler:           a.API().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.Monitor.Run(gctx, nil)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutdown initiated")
		timeout := a.Cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Report renders the operator report, archiving it when a report store is
// configured. uri is empty when nothing was archived.
func (a *App) Report(ctx context.Context, archive bool) (report []byte, uri string, err error) {
	snap, err := a.Monitor.Collect(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("collect snapshot: %w", err)
	}
	var buf bytes.Buffer
	if err := monitor.WriteReport(&buf, snap); err != nil {
		return nil, "", fmt.Errorf("render report: %w", err)
	}
	if !archive {
		return buf.Bytes(), "", nil
	}
	uri, err = storage.Archive(ctx, a.Reports, a.Cfg.Report.Prefix, snap.At, buf.Bytes())
	if err != nil {
		return buf.Bytes(), "", err
	}
	a.Logger.Info("report archived", zap.String("uri", uri))
	return buf.Bytes(), uri, nil
}

// ClearResult counts what Clear removed.
type ClearResult struct {
	QueueKeys   int `json:"queueKeys"`
	Progress    int `json:"progress"`
	Checkpoints int `json:"checkpoints"`
}

// Clear empties the queue and resets progress, stats and the run cursor.
// With checkpoints set, episode tasks are dropped too so every anime is
// scraped again; stored embeds and mappings are kept.
func (a *App) Clear(ctx context.Context, checkpoints bool) (ClearResult, error) {
	var res ClearResult
	var err error
	if res.QueueKeys, err = a.Queue.Clear(ctx); err != nil {
		return res, err
	}
	if res.Progress, err = a.Tracker.Reset(ctx); err != nil {
		return res, err
	}
	if err := a.Stats.Reset(ctx); err != nil {
		return res, err
	}
	if err := a.Checkpoints.ResetCursor(ctx); err != nil {
		return res, err
	}
	if checkpoints {
		if res.Checkpoints, err = a.Checkpoints.ClearAll(ctx); err != nil {
			return res, err
		}
	}
	a.Logger.Info("state cleared",
		zap.Int("queue_keys", res.QueueKeys),
		zap.Int("progress_records", res.Progress),
		zap.Int("tasks", res.Checkpoints),
	)
	return res, nil
}
