// Package server builds the application's dependencies from configuration
// and runs its long-lived loops.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/catalog"
	"github.com/JakeFAU/anime-embed-crawler/internal/checkpoint"
	"github.com/JakeFAU/anime-embed-crawler/internal/clock/system"
	"github.com/JakeFAU/anime-embed-crawler/internal/config"
	"github.com/JakeFAU/anime-embed-crawler/internal/embeds"
	"github.com/JakeFAU/anime-embed-crawler/internal/events"
	"github.com/JakeFAU/anime-embed-crawler/internal/events/sinks"
	collyfetcher "github.com/JakeFAU/anime-embed-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/anime-embed-crawler/internal/fetcher/throttled"
	"github.com/JakeFAU/anime-embed-crawler/internal/hash/sha256"
	"github.com/JakeFAU/anime-embed-crawler/internal/kv"
	"github.com/JakeFAU/anime-embed-crawler/internal/mapping"
	"github.com/JakeFAU/anime-embed-crawler/internal/metrics"
	"github.com/JakeFAU/anime-embed-crawler/internal/monitor"
	"github.com/JakeFAU/anime-embed-crawler/internal/policy/backoff"
	"github.com/JakeFAU/anime-embed-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/anime-embed-crawler/internal/progress"
	"github.com/JakeFAU/anime-embed-crawler/internal/provider"
	memorypublisher "github.com/JakeFAU/anime-embed-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/anime-embed-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/anime-embed-crawler/internal/queue"
	"github.com/JakeFAU/anime-embed-crawler/internal/recovery"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
	gcsstorage "github.com/JakeFAU/anime-embed-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/anime-embed-crawler/internal/storage/local"
	"github.com/JakeFAU/anime-embed-crawler/internal/worker"
)

// ErrNoCatalog is returned by operations that need the catalog when
// catalog.dsn is empty.
var ErrNoCatalog = errors.New("catalog.dsn is not configured")

// ErrNoProvider is returned when provider.base_url is empty.
var ErrNoProvider = errors.New("provider.base_url is not configured")

// Needs selects the optional collaborators Build connects to.
type Needs struct {
	Catalog  bool
	Provider bool
	// Events starts the event hub with its sinks (and the publisher).
	Events bool
	Reports bool
}

// App contains the application's dependencies.
type App struct {
	Cfg    config.Config
	Logger *zap.Logger
	Clock  scrape.Clock

	KV          kv.Store
	Catalog     scrape.CatalogStore
	Queue       *queue.Queue
	Checkpoints *checkpoint.Store
	Mappings    *mapping.Resolver
	Embeds      *embeds.Repository
	Tracker     *progress.Tracker
	Stats       *progress.StatsStore
	Heartbeats  *worker.Heartbeats
	Recovery    *recovery.Recoverer
	Monitor     *monitor.Monitor
	Events      events.Emitter
	Reports     scrape.BlobStore
	Publisher   scrape.Publisher

	client *provider.Client
	source *provider.EmbedFetcher
	hub    *events.Hub

	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Build creates the application's dependencies. On error everything opened
// so far is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, needs Needs) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{Cfg: cfg, Logger: logger, Clock: system.New(), Events: events.Discard}
	if err := app.build(ctx, needs); err != nil {
		_ = app.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, needs Needs) error {
	cfg, logger := a.Cfg, a.Logger
	logger.Info("building application dependencies",
		zap.String("kv_backend", cfg.KV.Backend),
		zap.Bool("catalog", needs.Catalog),
		zap.Bool("provider", needs.Provider),
	)
	if err := a.setupKV(ctx); err != nil {
		return err
	}
	if needs.Catalog {
		if err := a.setupCatalog(ctx); err != nil {
			return err
		}
	}
	if needs.Provider {
		if err := a.setupProvider(); err != nil {
			return err
		}
	}
	if needs.Reports {
		if err := a.setupReports(ctx); err != nil {
			return err
		}
	}

	a.Queue = queue.New(a.KV, queue.Config{
		LeaseTTL:     cfg.Worker.LeaseTTL,
		PollInterval: cfg.Worker.PollInterval,
	}, logger)
	a.onClose("queue", func(context.Context) error { a.Queue.Close(); return nil })

	a.Checkpoints = checkpoint.New(a.KV, logger,
		checkpoint.WithClock(a.Clock),
		checkpoint.WithCoveragePolicy(checkpoint.CoveragePolicy{MinEpisodesAnyTrack: cfg.Coverage.MinEpisodesAnyTrack}),
	)
	var searcher mapping.Searcher
	if a.client != nil {
		searcher = a.client
	}
	a.Mappings = mapping.NewResolver(a.KV, searcher, mapping.Config{
		Threshold:  cfg.Mapping.SimilarityThreshold,
		MaxQueries: cfg.Mapping.MaxQueries,
	}, a.Clock, logger)
	a.Embeds = embeds.NewRepository(a.KV, sha256.New())
	a.Tracker = progress.NewTracker(a.KV, a.Clock)
	a.Stats = progress.NewStatsStore(a.KV)
	host, _ := os.Hostname()
	a.Heartbeats = worker.NewHeartbeats(a.KV, cfg.Worker.HeartbeatTTL, host)

	if needs.Events {
		if err := a.setupEvents(ctx); err != nil {
			return err
		}
	}

	a.Recovery = recovery.New(a.Queue, a.catalogOrMissing(), a.Checkpoints, a.Mappings, a.Embeds, a.Tracker,
		RecoveryConfig(cfg.Recovery), logger)
	a.Monitor = monitor.New(a.Tracker, a.Stats, a.Queue, a.Heartbeats, a.Events, monitor.Config{
		Interval:     cfg.Monitor.Interval,
		Thresholds:   Thresholds(cfg.Monitor),
		MemoryLimit:  cfg.Monitor.MemoryLimitMB << 20,
		WorkerMaxAge: cfg.Worker.HeartbeatTTL,
	}, logger)
	return nil
}

func (a *App) setupKV(ctx context.Context) error {
	switch a.Cfg.KV.Backend {
	case config.KVPostgres:
		store, err := kv.OpenPostgres(ctx, kv.PostgresOptions{
			DSN:      a.Cfg.KV.Postgres.DSN,
			MaxConns: a.Cfg.KV.Postgres.MaxConns,
		}, a.Logger)
		if err != nil {
			return fmt.Errorf("kv postgres init failed: %w", err)
		}
		a.KV = store
	default:
		store, err := kv.OpenBadger(kv.BadgerOptions{
			Path:     a.Cfg.KV.Badger.Path,
			InMemory: a.Cfg.KV.Badger.InMemory,
		}, a.Logger)
		if err != nil {
			return fmt.Errorf("kv badger init failed: %w", err)
		}
		a.KV = store
	}
	a.onClose("kv", func(context.Context) error { return a.KV.Close() })
	return nil
}

func (a *App) setupCatalog(ctx context.Context) error {
	if a.Cfg.Catalog.DSN == "" {
		return ErrNoCatalog
	}
	store, err := catalog.NewStore(ctx, catalog.Config{
		DSN:      a.Cfg.Catalog.DSN,
		Table:    a.Cfg.Catalog.Table,
		MaxConns: a.Cfg.Catalog.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("catalog init failed: %w", err)
	}
	a.Catalog = store
	a.onClose("catalog", func(context.Context) error { store.Close(); return nil })
	a.Logger.Info("catalog store initialized", zap.String("table", a.Cfg.Catalog.Table))
	return nil
}

func (a *App) setupProvider() error {
	p := a.Cfg.Provider
	if p.BaseURL == "" {
		return ErrNoProvider
	}
	limiter := ratelimit.New(ratelimit.Config{MinInterval: p.MinInterval})
	fetcher := throttled.New(
		collyfetcher.New(collyfetcher.Config{UserAgent: p.UserAgent, Timeout: p.RequestTimeout}),
		limiter,
		throttled.Config{
			MaxRetries:     p.MaxRetries,
			Backoff:        backoff.Exponential{Base: p.BackoffBase, Max: p.BackoffMax, Jitter: true},
			RequestTimeout: p.RequestTimeout,
		},
		a.Logger,
	)
	client, err := provider.NewClient(fetcher, p.BaseURL, a.Logger)
	if err != nil {
		return fmt.Errorf("provider client init failed: %w", err)
	}
	a.client = client
	a.source = provider.NewEmbedFetcher(client, provider.EmbedFetcherConfig{
		MaxServers:  p.MaxServers,
		Parallelism: p.Parallelism,
	}, a.Logger)
	a.Logger.Info("provider client initialized",
		zap.String("base_url", p.BaseURL),
		zap.Duration("min_interval", p.MinInterval),
		zap.Int("max_retries", p.MaxRetries),
	)
	return nil
}

func (a *App) setupReports(ctx context.Context) error {
	r := a.Cfg.Report
	switch r.Backend {
	case config.ReportLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: r.Dir})
		if err != nil {
			return fmt.Errorf("local report store init failed: %w", err)
		}
		a.Reports = store
	case config.ReportGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: r.Bucket})
		if err != nil {
			return fmt.Errorf("gcs report store init failed: %w", err)
		}
		a.Reports = store
		a.onClose("gcs", func(context.Context) error { return store.Close() })
	default:
		a.Logger.Debug("report archival disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	p := a.Cfg.Publisher
	switch p.Backend {
	case config.PublisherPubSub:
		pub, err := gcppublisher.New(ctx, p.ProjectID, a.Logger)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.Publisher = pub
		a.onClose("pubsub", func(context.Context) error { return pub.Close() })
		a.Logger.Info("Pub/Sub publisher initialized",
			zap.String("project", p.ProjectID),
			zap.String("completed_topic", p.CompletedTopic),
			zap.String("alerts_topic", p.AlertsTopic),
		)
	case config.PublisherMemory:
		a.Publisher = memorypublisher.New()
	default:
		a.Logger.Debug("event publishing disabled")
	}
	return nil
}

func (a *App) setupEvents(ctx context.Context) error {
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	sinkList := []events.Sink{
		sinks.NewStatsSink(a.Stats, a.Logger),
		sinks.NewMetricsSink(),
		sinks.NewLogSink(a.Logger),
	}
	if a.Publisher != nil {
		sinkList = append(sinkList, sinks.NewPublishSink(a.Publisher, sinks.Topics{
			Completed: a.Cfg.Publisher.CompletedTopic,
			Alerts:    a.Cfg.Publisher.AlertsTopic,
		}))
	}
	a.hub = events.NewHub(events.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.Logger,
	}, sinkList...)
	a.Events = a.hub
	// Registered after the publisher so the hub drains before it closes.
	a.onClose("events", a.hub.Close)
	return nil
}

// catalogOrMissing returns the catalog, or a stand-in that reports it as
// unconfigured so recovery still works for queue-only commands.
func (a *App) catalogOrMissing() scrape.CatalogStore {
	if a.Catalog != nil {
		return a.Catalog
	}
	return missingCatalog{}
}

type missingCatalog struct{}

func (missingCatalog) Get(context.Context, int) (scrape.CatalogEntry, error) {
	return scrape.CatalogEntry{}, ErrNoCatalog
}

func (missingCatalog) Candidates(context.Context, scrape.Criteria) ([]scrape.CatalogEntry, error) {
	return nil, ErrNoCatalog
}

// Close releases resources in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.Logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// RecoveryConfig maps configuration onto the strategy table.
func RecoveryConfig(c config.RecoveryConfig) recovery.Config {
	return recovery.Config{
		RateLimitBase:     c.RateLimitBase,
		RateLimitMax:      c.RateLimitMax,
		RateLimitPenalty:  c.RateLimitPenalty,
		MappingDelay:      c.MappingDelay,
		MappingPenalty:    c.MappingPenalty,
		NetworkBase:       c.NetworkBase,
		NetworkMax:        c.NetworkMax,
		NetworkMaxRetries: c.NetworkMaxRetries,
		ParseDelay:        c.ParseDelay,
		ParseMaxRetries:   c.ParseMaxRetries,
		MissingDelay:      c.MissingDelay,
		MissingMaxRetries: c.MissingMaxRetries,
		GenericStep:       c.GenericStep,
		GenericMaxRetries: c.GenericMaxRetries,
		GlobalMaxRetries:  c.GlobalMaxRetries,
	}
}

// Thresholds maps configuration onto alert limits.
func Thresholds(c config.MonitorConfig) monitor.Thresholds {
	return monitor.Thresholds{
		FailureWarning:  c.FailureWarning,
		FailureCritical: c.FailureCritical,
		MemoryWarning:   c.MemoryWarning,
		MemoryCritical:  c.MemoryCritical,
		StalledWarning:  c.StalledWarning,
		StalledCritical: c.StalledCritical,
	}
}

