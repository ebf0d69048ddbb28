// Package recovery decides what happens to failed jobs: automatic retries per
// failure category, explicit operator recovery, and cleanup of unrecoverable
// jobs.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/failure"
	"github.com/JakeFAU/anime-embed-crawler/internal/metrics"
	"github.com/JakeFAU/anime-embed-crawler/internal/queue"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

// Queue is the subset of the job queue recovery drives.
type Queue interface {
	Enqueue(ctx context.Context, job scrape.ScrapeJob, opts queue.EnqueueOptions) (bool, error)
	Get(ctx context.Context, id string) (queue.Job, error)
	Retry(ctx context.Context, id, workerID string, delay time.Duration, priority int, cause string) (queue.Job, error)
	Fail(ctx context.Context, id, workerID, category, cause string, unrecoverable bool) (queue.Job, error)
	Requeue(ctx context.Context, id string, priority int) (queue.Job, error)
	ListFailed(ctx context.Context, unrecoverableOnly bool) ([]queue.Job, error)
	Remove(ctx context.Context, id string) error
	RequeueStalled(ctx context.Context) (int, error)
}

// Checkpoints resets task state.
type Checkpoints interface {
	ResetFailed(ctx context.Context, externalID int) (int, error)
	ClearAnime(ctx context.Context, externalID int) (int, error)
	AddFailed(ctx context.Context, id int) error
}

// Mappings drops cached provider mappings.
type Mappings interface {
	Invalidate(ctx context.Context, externalID int) error
}

// Embeds drops stored embed records.
type Embeds interface {
	DeleteAnime(ctx context.Context, externalID int) (int, error)
}

// Progress moves anime between pending and failed.
type Progress interface {
	MarkFailed(ctx context.Context, id int, reason string) error
	MarkPending(ctx context.Context, id int) error
}

// Recoverer applies recovery decisions.
type Recoverer struct {
	queue       Queue
	catalog     scrape.CatalogStore
	checkpoints Checkpoints
	mappings    Mappings
	embeds      Embeds
	progress    Progress
	cfg         Config
	logger      *zap.Logger
}

// New builds a Recoverer.
func New(
	q Queue,
	catalog scrape.CatalogStore,
	checkpoints Checkpoints,
	mappings Mappings,
	embeds Embeds,
	progress Progress,
	cfg Config,
	logger *zap.Logger,
) *Recoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recoverer{
		queue:       q,
		catalog:     catalog,
		checkpoints: checkpoints,
		mappings:    mappings,
		embeds:      embeds,
		progress:    progress,
		cfg:         cfg.withDefaults(),
		logger:      logger.Named("recovery"),
	}
}

// Decide plans recovery of job after cause. Missing resources are checked
// against the catalog.
func (r *Recoverer) Decide(ctx context.Context, job queue.Job, cause error) (Decision, error) {
	in := Input{
		Category:   failure.Classify(cause),
		Retries:    job.Payload.RetryCount,
		Priority:   job.Payload.Priority,
		Terminal:   failure.IsTerminal(cause),
		RetryAfter: failure.RetryAfterOf(cause),
	}
	if in.Category == failure.MissingResource && !in.Terminal {
		exists, err := r.exists(ctx, job.Payload.ExternalID)
		if err != nil {
			return Decision{}, err
		}
		in.Exists = exists
	}
	return Plan(r.cfg, in), nil
}

func (r *Recoverer) exists(ctx context.Context, id int) (bool, error) {
	if r.catalog == nil {
		return true, nil
	}
	_, err := r.catalog.Get(ctx, id)
	if errors.Is(err, failure.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check catalog for %d: %w", id, err)
	}
	return true, nil
}

// HandleFailure decides and applies recovery for a job that just failed.
// job must still be leased to job.LockedBy; otherwise queue.ErrLeaseLost is
// returned and nothing is changed.
func (r *Recoverer) HandleFailure(ctx context.Context, job queue.Job, cause error) (Decision, error) {
	if err := r.stillLeased(ctx, job); err != nil {
		return Decision{}, err
	}
	d, err := r.Decide(ctx, job, cause)
	if err != nil {
		return d, err
	}
	return d, r.apply(ctx, job, d, cause.Error())
}

func (r *Recoverer) stillLeased(ctx context.Context, job queue.Job) error {
	cur, err := r.queue.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	if cur.State != queue.StateActive || cur.LockedBy != job.LockedBy {
		return fmt.Errorf("%s now held by %q: %w", job.ID, cur.LockedBy, queue.ErrLeaseLost)
	}
	return nil
}

func (r *Recoverer) apply(ctx context.Context, job queue.Job, d Decision, cause string) error {
	id := job.Payload.ExternalID
	logger := r.logger.With(
		zap.Int("anime_id", id),
		zap.String("category", string(d.Category)),
		zap.Int("retries", job.Payload.RetryCount),
		zap.String("action", string(d.Action)))
	metrics.ObserveRecovery(string(d.Category), string(d.Action))

	if !d.Retry() {
		if _, err := r.queue.Fail(ctx, job.ID, job.LockedBy, string(d.Category), cause, true); err != nil {
			return err
		}
		if err := r.progress.MarkFailed(ctx, id, d.Reason+": "+cause); err != nil {
			return err
		}
		if err := r.checkpoints.AddFailed(ctx, id); err != nil {
			return err
		}
		logger.Warn("job unrecoverable", zap.String("reason", d.Reason), zap.String("error", cause))
		return nil
	}

	if d.InvalidateMapping {
		if err := r.mappings.Invalidate(ctx, id); err != nil {
			return err
		}
	}
	if d.ClearEmbeds {
		if _, err := r.embeds.DeleteAnime(ctx, id); err != nil {
			return err
		}
		if _, err := r.checkpoints.ClearAnime(ctx, id); err != nil {
			return err
		}
	} else if _, err := r.checkpoints.ResetFailed(ctx, id); err != nil {
		return err
	}
	if _, err := r.queue.Retry(ctx, job.ID, job.LockedBy, d.Delay, d.Priority, cause); err != nil {
		return err
	}
	logger.Info("job rescheduled", zap.Duration("delay", d.Delay), zap.Int("priority", d.Priority))
	return nil
}

// Report summarizes a recovery pass.
type Report struct {
	Stalled   int      `json:"stalled"`
	Requeued  []int    `json:"requeued"`
	Abandoned []int    `json:"abandoned"`
	Skipped   []string `json:"skipped"`
}

// AutoRecover requeues stalled jobs and re-plans every failed job that is
// not marked unrecoverable.
func (r *Recoverer) AutoRecover(ctx context.Context) (Report, error) {
	var rep Report
	stalled, err := r.queue.RequeueStalled(ctx)
	if err != nil {
		return rep, err
	}
	rep.Stalled = stalled

	jobs, err := r.queue.ListFailed(ctx, false)
	if err != nil {
		return rep, err
	}
	for _, job := range jobs {
		if job.Unrecoverable {
			continue
		}
		cause := failure.New(failure.ParseCategory(job.Category), "previous attempt", errors.New(job.LastError))
		d, err := r.Decide(ctx, job, cause)
		if err != nil {
			return rep, err
		}
		if err := r.apply(ctx, job, d, job.LastError); err != nil {
			return rep, err
		}
		if d.Retry() {
			if err := r.progress.MarkPending(ctx, job.Payload.ExternalID); err != nil {
				return rep, err
			}
			rep.Requeued = append(rep.Requeued, job.Payload.ExternalID)
		} else {
			rep.Abandoned = append(rep.Abandoned, job.Payload.ExternalID)
		}
	}
	return rep, nil
}

// RecoverOptions tunes explicit recovery.
type RecoverOptions struct {
	// ResetMapping forces mapping regeneration.
	ResetMapping bool
	// Priority of the requeued jobs.
	Priority int
}

// RecoverIDs gives the listed anime a fresh start regardless of their
// failure history: failed tasks are reset and the job is requeued with a new
// retry budget, or enqueued when the queue no longer holds it.
func (r *Recoverer) RecoverIDs(ctx context.Context, ids []int, opts RecoverOptions) (Report, error) {
	var rep Report
	for _, id := range ids {
		skip, err := r.recoverOne(ctx, id, opts)
		if err != nil {
			return rep, fmt.Errorf("recover %d: %w", id, err)
		}
		if skip != "" {
			rep.Skipped = append(rep.Skipped, fmt.Sprintf("%d: %s", id, skip))
			continue
		}
		rep.Requeued = append(rep.Requeued, id)
	}
	return rep, nil
}

func (r *Recoverer) recoverOne(ctx context.Context, id int, opts RecoverOptions) (string, error) {
	key := scrape.JobKey(id)
	job, err := r.queue.Get(ctx, key)
	switch {
	case err == nil && job.State == queue.StateActive:
		return "job is running", nil
	case err == nil && job.State != queue.StateFailed:
		return "job already queued", nil
	case err != nil && !errors.Is(err, queue.ErrNotFound):
		return "", err
	}
	found := err == nil

	var entry scrape.CatalogEntry
	if !found {
		if r.catalog == nil {
			return "no job and no catalog", nil
		}
		entry, err = r.catalog.Get(ctx, id)
		if errors.Is(err, failure.ErrNotFound) {
			return "not in catalog", nil
		}
		if err != nil {
			return "", err
		}
	}

	if _, err := r.checkpoints.ResetFailed(ctx, id); err != nil {
		return "", err
	}
	if opts.ResetMapping {
		if err := r.mappings.Invalidate(ctx, id); err != nil {
			return "", err
		}
	}
	if err := r.progress.MarkPending(ctx, id); err != nil {
		return "", err
	}
	if found {
		_, err = r.queue.Requeue(ctx, key, opts.Priority)
	} else {
		_, err = r.queue.Enqueue(ctx, scrape.ScrapeJob{
			ExternalID:       id,
			Title:            entry.Titles.Preferred(),
			EpisodeCountHint: max(entry.Episodes, 0),
			Priority:         opts.Priority,
		}, queue.EnqueueOptions{})
	}
	if err != nil {
		return "", err
	}
	metrics.ObserveRecovery("manual", string(ActionRetry))
	r.logger.Info("job recovered", zap.Int("anime_id", id), zap.Bool("reset_mapping", opts.ResetMapping))
	return "", nil
}

// ListUnrecoverable returns jobs awaiting operator attention.
func (r *Recoverer) ListUnrecoverable(ctx context.Context) ([]queue.Job, error) {
	return r.queue.ListFailed(ctx, true)
}

// CleanupResult lists what cleanup found and what it removed.
type CleanupResult struct {
	Jobs    []queue.Job `json:"jobs"`
	Removed int         `json:"removed"`
	DryRun  bool        `json:"dryRun"`
}

// Cleanup purges unrecoverable jobs. Without force it only lists them. Anime
// that vanished from the catalog also lose their embeds and task state.
func (r *Recoverer) Cleanup(ctx context.Context, force bool) (CleanupResult, error) {
	jobs, err := r.ListUnrecoverable(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	res := CleanupResult{Jobs: jobs, DryRun: !force}
	if !force {
		return res, nil
	}
	for _, job := range jobs {
		if err := r.queue.Remove(ctx, job.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
			return res, err
		}
		if job.Category == string(failure.MissingResource) {
			id := job.Payload.ExternalID
			if _, err := r.embeds.DeleteAnime(ctx, id); err != nil {
				return res, err
			}
			if _, err := r.checkpoints.ClearAnime(ctx, id); err != nil {
				return res, err
			}
		}
		res.Removed++
	}
	r.logger.Info("unrecoverable jobs removed", zap.Int("count", res.Removed))
	return res, nil
}

// Describe renders a job for operator listings.
func Describe(job queue.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %q retries=%d category=%s", job.Payload.ExternalID, job.Payload.Title,
		job.Payload.RetryCount, job.Category)
	if job.LastError != "" {
		fmt.Fprintf(&b, " error=%q", job.LastError)
	}
	return b.String()
}
