// Package discovery finds catalog entries that still need embeds, scores
// them, and enqueues jobs in bounded batches. It never touches checkpoint
// task state; only the run cursor advances.
package discovery

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/checkpoint"
	"github.com/JakeFAU/anime-embed-crawler/internal/queue"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

// Enqueuer accepts jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job scrape.ScrapeJob, opts queue.EnqueueOptions) (bool, error)
}

// CoverageChecker reports whether an anime needs no more scraping.
type CoverageChecker interface {
	Covered(ctx context.Context, externalID, total int) (bool, error)
}

// CursorStore persists the scan position.
type CursorStore interface {
	StartRun(ctx context.Context, strategy string, resume bool) (checkpoint.Cursor, error)
	SaveOffset(ctx context.Context, offset int) error
}

// EpisodeTotals supplies the total coverage is measured against when it
// differs from the catalog count.
type EpisodeTotals interface {
	KnownEpisodeTotal(ctx context.Context, entry scrape.CatalogEntry) (int, error)
}

// Registrar counts enqueued anime toward the progress total.
type Registrar interface {
	Register(ctx context.Context, id int) (bool, error)
}

// Config tunes a discovery run.
type Config struct {
	Strategy      Strategy
	PageSize      int
	BatchSize     int
	BatchPause    time.Duration
	MinPopularity int
	MinScore      int
	// Jitter is the exclusive upper bound of the random priority bonus.
	Jitter int
	// MaxPages stops the scan early; zero scans the whole catalog.
	MaxPages int
}

// Result summarizes a run.
type Result struct {
	Pages      int `json:"pages"`
	Scanned    int `json:"scanned"`
	Ineligible int `json:"ineligible"`
	Covered    int `json:"covered"`
	Enqueued   int `json:"enqueued"`
	Duplicates int `json:"duplicates"`
	Offset     int `json:"offset"`
}

// Discoverer runs discovery passes.
type Discoverer struct {
	catalog  scrape.CatalogStore
	queue    Enqueuer
	coverage CoverageChecker
	cursor   CursorStore
	tracker  Registrar
	totals   EpisodeTotals
	cfg      Config
	jitter   func(n int) int
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

// Option customises a Discoverer.
type Option func(*Discoverer)

// WithJitter replaces the random source.
func WithJitter(fn func(n int) int) Option {
	return func(d *Discoverer) { d.jitter = fn }
}

// WithEpisodeTotals checks coverage against totals settled by earlier scrapes
// instead of the raw catalog episode count.
func WithEpisodeTotals(t EpisodeTotals) Option {
	return func(d *Discoverer) { d.totals = t }
}

// WithSleep replaces the inter-batch sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Discoverer) { d.sleep = fn }
}

// New builds a Discoverer.
func New(
	catalog scrape.CatalogStore,
	q Enqueuer,
	coverage CoverageChecker,
	cursor CursorStore,
	tracker Registrar,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Discoverer {
	if cfg.Strategy == "" {
		cfg.Strategy = Balanced
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Discoverer{
		catalog:  catalog,
		queue:    q,
		coverage: coverage,
		cursor:   cursor,
		tracker:  tracker,
		cfg:      cfg,
		jitter:   rand.IntN,
		sleep:    sleepCtx,
		logger:   logger.Named("discovery"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Score computes the priority of entry under the configured strategy.
func (d *Discoverer) Score(entry scrape.CatalogEntry) int {
	score := d.cfg.Strategy.BaseScore(entry)
	if d.cfg.Jitter > 0 {
		score += d.jitter(d.cfg.Jitter)
	}
	return score
}

// Run scans the catalog from the cursor (or from zero without resume) and
// enqueues every eligible, uncovered entry.
func (d *Discoverer) Run(ctx context.Context, resume bool) (Result, error) {
	cur, err := d.cursor.StartRun(ctx, string(d.cfg.Strategy), resume)
	if err != nil {
		return Result{}, err
	}
	res := Result{Offset: cur.Offset}
	d.logger.Info("discovery started",
		zap.String("strategy", string(d.cfg.Strategy)),
		zap.Bool("resume", resume),
		zap.Int("offset", cur.Offset))

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		criteria := scrape.Criteria{
			MinPopularity: d.cfg.MinPopularity,
			MinScore:      d.cfg.MinScore,
			Limit:         d.cfg.PageSize,
			Offset:        res.Offset,
		}
		entries, err := d.catalog.Candidates(ctx, criteria)
		if err != nil {
			return res, fmt.Errorf("load candidates at offset %d: %w", res.Offset, err)
		}
		if len(entries) == 0 {
			break
		}
		res.Pages++
		res.Scanned += len(entries)

		jobs, err := d.selectJobs(ctx, criteria, entries, &res)
		if err != nil {
			return res, err
		}
		if err := d.enqueueBatches(ctx, jobs, &res); err != nil {
			return res, err
		}

		res.Offset += len(entries)
		if err := d.cursor.SaveOffset(ctx, res.Offset); err != nil {
			return res, err
		}
		if len(entries) < d.cfg.PageSize || (d.cfg.MaxPages > 0 && res.Pages >= d.cfg.MaxPages) {
			break
		}
	}
	d.logger.Info("discovery finished",
		zap.Int("scanned", res.Scanned),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("covered", res.Covered),
		zap.Int("duplicates", res.Duplicates))
	return res, nil
}

// selectJobs re-applies criteria so a catalog backend that ignores the
// floors still yields only entries that need scraping.
func (d *Discoverer) selectJobs(ctx context.Context, criteria scrape.Criteria, entries []scrape.CatalogEntry, res *Result) ([]scrape.ScrapeJob, error) {
	jobs := make([]scrape.ScrapeJob, 0, len(entries))
	for _, entry := range entries {
		if entry.ExternalID <= 0 || !criteria.Matches(entry) || !d.cfg.Strategy.Eligible(entry) {
			res.Ineligible++
			continue
		}
		total := entry.Episodes
		if d.totals != nil {
			known, err := d.totals.KnownEpisodeTotal(ctx, entry)
			if err != nil {
				return nil, fmt.Errorf("load episode total of %d: %w", entry.ExternalID, err)
			}
			total = known
		}
		covered, err := d.coverage.Covered(ctx, entry.ExternalID, total)
		if err != nil {
			return nil, fmt.Errorf("check coverage of %d: %w", entry.ExternalID, err)
		}
		if covered {
			res.Covered++
			continue
		}
		jobs = append(jobs, scrape.ScrapeJob{
			ExternalID:       entry.ExternalID,
			Title:            entry.Titles.Preferred(),
			EpisodeCountHint: max(entry.Episodes, 0),
			Priority:         d.Score(entry),
		})
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].Priority > jobs[j].Priority })
	return jobs, nil
}

func (d *Discoverer) enqueueBatches(ctx context.Context, jobs []scrape.ScrapeJob, res *Result) error {
	for start := 0; start < len(jobs); start += d.cfg.BatchSize {
		if start > 0 {
			if err := d.sleep(ctx, d.cfg.BatchPause); err != nil {
				return err
			}
		}
		end := min(start+d.cfg.BatchSize, len(jobs))
		for _, job := range jobs[start:end] {
			added, err := d.queue.Enqueue(ctx, job, queue.EnqueueOptions{})
			if err != nil {
				return fmt.Errorf("enqueue %d: %w", job.ExternalID, err)
			}
			if !added {
				res.Duplicates++
				continue
			}
			res.Enqueued++
			if d.tracker != nil {
				if _, err := d.tracker.Register(ctx, job.ExternalID); err != nil {
					return err
				}
			}
		}
		d.logger.Debug("batch enqueued", zap.Int("from", start), zap.Int("to", end))
	}
	return nil
}
