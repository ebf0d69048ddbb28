// Package queue is the durable, deduplicated priority queue shared by every
// worker. It lives entirely in the KV store so that several processes can
// consume it when the Postgres backend is configured.
//
// Layout:
//
//	queue:job:{id}                  job record
//	queue:ready:{rank}:{seq}:{id}   runnable, ordered by priority then age
//	queue:delayed:{runAt}:{id}      waiting for runAt
//	queue:active:{id}               leased by a worker
//	queue:failed:{id}               failed, awaiting recovery or cleanup
//	queue:paused                    present while consumption is paused
//	queue:counters                  completed count
//
// Delivery is at-least-once: a lease that is not renewed expires and
// RequeueStalled makes the job runnable again.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/kv"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

var (
	// ErrQueueClosed is returned by Dequeue after Close.
	ErrQueueClosed = errors.New("queue closed")
	// ErrNotFound is returned when the job id is unknown.
	ErrNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when a worker settles a job it no longer
	// holds, or when an unleased path touches a job a worker holds.
	ErrLeaseLost = errors.New("job lease lost")
)

const (
	prefix        = "queue:"
	jobPrefix     = "queue:job:"
	readyPrefix   = "queue:ready:"
	delayedPrefix = "queue:delayed:"
	activePrefix  = "queue:active:"
	failedPrefix  = "queue:failed:"
	pausedKey     = "queue:paused"
	countersKey   = "queue:counters"

	rankOffset = 1_000_000
	rankMax    = 2*rankOffset - 1
	claimBatch = 16
)

// Config tunes leases and polling.
type Config struct {
	LeaseTTL     time.Duration
	PollInterval time.Duration
}

// EnqueueOptions modifies a single enqueue.
type EnqueueOptions struct {
	Delay time.Duration
}

type counters struct {
	Completed int `json:"completed"`
}

// Queue implements the job queue over a kv.Store.
type Queue struct {
	store  kv.Store
	cfg    Config
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
	closed atomic.Bool
}

// Option customises a Queue.
type Option func(*Queue)

// WithClock overrides time for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
		if sleep != nil {
			q.sleep = sleep
		}
	}
}

// New builds a Queue.
func New(store kv.Store, cfg Config, logger *zap.Logger, opts ...Option) *Queue {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{store: store, cfg: cfg, now: time.Now, sleep: sleepCtx, logger: logger.Named("queue")}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func jobKey(id string) string { return jobPrefix + id }

func readyKey(priority int, enqueued time.Time, id string) string {
	rank := min(max(rankOffset-priority, 0), rankMax)
	return fmt.Sprintf("%s%07d:%019d:%s", readyPrefix, rank, enqueued.UnixNano(), id)
}

func delayedKey(runAt time.Time, id string) string {
	return fmt.Sprintf("%s%019d:%s", delayedPrefix, runAt.UnixNano(), id)
}

// Enqueue adds job unless a job with the same dedup key is waiting, delayed,
// active or failed. added is false for a duplicate.
func (q *Queue) Enqueue(ctx context.Context, job scrape.ScrapeJob, opts EnqueueOptions) (bool, error) {
	if err := scrape.Validate(job); err != nil {
		return false, err
	}
	id := job.Key()
	added := false
	err := q.store.Update(ctx, func(tx kv.Txn) error {
		var existing Job
		found, err := kv.TxGetJSON(tx, jobKey(id), &existing)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		now := q.now().UTC()
		rec := Job{ID: id, Payload: job, EnqueuedAt: now, RunAt: now}
		if err := q.place(tx, &rec, opts.Delay); err != nil {
			return err
		}
		added = true
		return kv.TxPutJSON(tx, jobKey(id), rec, 0)
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", id, err)
	}
	return added, nil
}

// place indexes rec as waiting or delayed; rec is not written.
func (q *Queue) place(tx kv.Txn, rec *Job, delay time.Duration) error {
	if rec.IndexKey != "" {
		if err := tx.Delete(rec.IndexKey); err != nil {
			return err
		}
	}
	now := q.now().UTC()
	rec.LockedBy, rec.LockedTill = "", time.Time{}
	if delay > 0 {
		rec.State = StateDelayed
		rec.RunAt = now.Add(delay)
		rec.IndexKey = delayedKey(rec.RunAt, rec.ID)
	} else {
		rec.State = StateWaiting
		rec.RunAt = now
		rec.IndexKey = readyKey(rec.Payload.Priority, now, rec.ID)
	}
	return tx.Put(rec.IndexKey, []byte(rec.ID), 0)
}

// Dequeue blocks until a job can be leased to workerID, ctx ends, or the
// queue is closed. Nothing is handed out while the queue is paused.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (Job, error) {
	for {
		if q.closed.Load() {
			return Job{}, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		job, ok, err := q.TryDequeue(ctx, workerID)
		if err != nil {
			return Job{}, err
		}
		if ok {
			return job, nil
		}
		if err := q.sleep(ctx, q.cfg.PollInterval); err != nil {
			return Job{}, err
		}
	}
}

// TryDequeue leases the highest-priority runnable job without blocking.
func (q *Queue) TryDequeue(ctx context.Context, workerID string) (Job, bool, error) {
	paused, err := q.Paused(ctx)
	if err != nil || paused {
		return Job{}, false, err
	}
	if _, err := q.PromoteDue(ctx); err != nil {
		return Job{}, false, err
	}
	pairs, err := q.store.Scan(ctx, readyPrefix, claimBatch)
	if err != nil {
		return Job{}, false, fmt.Errorf("scan ready jobs: %w", err)
	}
	for _, p := range pairs {
		job, ok, err := q.claim(ctx, p.Key, string(p.Value), workerID)
		if err != nil {
			return Job{}, false, err
		}
		if ok {
			return job, true, nil
		}
	}
	return Job{}, false, nil
}

func (q *Queue) claim(ctx context.Context, index, id, workerID string) (Job, bool, error) {
	var claimed Job
	ok := false
	err := q.store.Update(ctx, func(tx kv.Txn) error {
		ok = false
		if _, err := tx.Get(index); errors.Is(err, kv.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		var rec Job
		found, err := kv.TxGetJSON(tx, jobKey(id), &rec)
		if err != nil {
			return err
		}
		if !found || rec.State != StateWaiting || rec.IndexKey != index {
			// Orphaned index entry.
			return tx.Delete(index)
		}
		if err := tx.Delete(index); err != nil {
			return err
		}
		now := q.now().UTC()
		rec.State = StateActive
		rec.Deliveries++
		rec.StartedAt = now
		rec.LockedBy = workerID
		rec.LockedTill = now.Add(q.cfg.LeaseTTL)
		rec.IndexKey = activePrefix + id
		if err := tx.Put(rec.IndexKey, []byte(id), 0); err != nil {
			return err
		}
		claimed, ok = rec, true
		return kv.TxPutJSON(tx, jobKey(id), rec, 0)
	})
	if err != nil {
		return Job{}, false, fmt.Errorf("claim %s: %w", id, err)
	}
	return claimed, ok, nil
}

// PromoteDue moves delayed jobs whose run time has passed to the ready index.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	pairs, err := q.store.Scan(ctx, delayedPrefix, 0)
	if err != nil {
		return 0, fmt.Errorf("scan delayed jobs: %w", err)
	}
	now := q.now().UTC()
	promoted := 0
	for _, p := range pairs {
		runAt, ok := parseRunAt(p.Key)
		if !ok {
			continue
		}
		if runAt.After(now) {
			break
		}
		id := string(p.Value)
		moved := false
		err := q.store.Update(ctx, func(tx kv.Txn) error {
			moved = false
			var rec Job
			found, err := kv.TxGetJSON(tx, jobKey(id), &rec)
			if err != nil {
				return err
			}
			if !found || rec.State != StateDelayed || rec.IndexKey != p.Key {
				return tx.Delete(p.Key)
			}
			if err := q.place(tx, &rec, 0); err != nil {
				return err
			}
			moved = true
			return kv.TxPutJSON(tx, jobKey(id), rec, 0)
		})
		if err != nil {
			return promoted, fmt.Errorf("promote %s: %w", id, err)
		}
		if moved {
			promoted++
		}
	}
	return promoted, nil
}

func parseRunAt(key string) (time.Time, bool) {
	rest := strings.TrimPrefix(key, delayedPrefix)
	raw, _, found := strings.Cut(rest, ":")
	if !found {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos).UTC(), true
}

// Renew extends the lease held by workerID.
func (q *Queue) Renew(ctx context.Context, id, workerID string) error {
	return q.mutate(ctx, id, func(tx kv.Txn, rec *Job) error {
		if rec.State != StateActive || rec.LockedBy != workerID {
			return ErrLeaseLost
		}
		rec.LockedTill = q.now().UTC().Add(q.cfg.LeaseTTL)
		return nil
	})
}

// checkOwner allows workerID to settle rec only while it holds the lease.
// An empty workerID is the unleased path used for failed jobs; it may not
// touch a job some worker holds.
func checkOwner(rec *Job, workerID string) error {
	if workerID == "" {
		if rec.State == StateActive {
			return fmt.Errorf("leased by %s: %w", rec.LockedBy, ErrLeaseLost)
		}
		return nil
	}
	if rec.State != StateActive || rec.LockedBy != workerID {
		return ErrLeaseLost
	}
	return nil
}

// Complete removes a finished job leased by workerID and counts it.
func (q *Queue) Complete(ctx context.Context, id, workerID string) error {
	err := q.store.Update(ctx, func(tx kv.Txn) error {
		var rec Job
		found, err := kv.TxGetJSON(tx, jobKey(id), &rec)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if err := checkOwner(&rec, workerID); err != nil {
			return err
		}
		if rec.IndexKey != "" {
			if err := tx.Delete(rec.IndexKey); err != nil {
				return err
			}
		}
		if err := tx.Delete(jobKey(id)); err != nil {
			return err
		}
		var c counters
		if _, err := kv.TxGetJSON(tx, countersKey, &c); err != nil {
			return err
		}
		c.Completed++
		return kv.TxPutJSON(tx, countersKey, c, 0)
	})
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return nil
}

// Retry re-queues a job with a new priority after delay and bumps its retry
// count. workerID must hold the lease, or be empty for a failed job.
func (q *Queue) Retry(ctx context.Context, id, workerID string, delay time.Duration, priority int, cause string) (Job, error) {
	var out Job
	err := q.mutate(ctx, id, func(tx kv.Txn, rec *Job) error {
		if err := checkOwner(rec, workerID); err != nil {
			return err
		}
		rec.Payload.RetryCount++
		rec.Payload.Priority = priority
		rec.LastError = cause
		rec.Unrecoverable = false
		rec.FailedAt = time.Time{}
		if err := q.place(tx, rec, delay); err != nil {
			return err
		}
		out = *rec
		return nil
	})
	return out, err
}

// Release hands a leased job back to the ready index without counting a
// retry, as a worker does when it stops mid-job.
func (q *Queue) Release(ctx context.Context, id, workerID string) error {
	return q.mutate(ctx, id, func(tx kv.Txn, rec *Job) error {
		if rec.State != StateActive || rec.LockedBy != workerID {
			return ErrLeaseLost
		}
		return q.place(tx, rec, 0)
	})
}

// Requeue returns a job to the ready index with a fresh retry budget. It is
// the operator path for failed and unrecoverable jobs.
func (q *Queue) Requeue(ctx context.Context, id string, priority int) (Job, error) {
	var out Job
	err := q.mutate(ctx, id, func(tx kv.Txn, rec *Job) error {
		if rec.State == StateActive {
			return fmt.Errorf("job is leased by %s", rec.LockedBy)
		}
		rec.Payload.RetryCount = 0
		rec.Payload.Priority = priority
		rec.Unrecoverable = false
		rec.FailedAt = time.Time{}
		rec.Category = ""
		if err := q.place(tx, rec, 0); err != nil {
			return err
		}
		out = *rec
		return nil
	})
	return out, err
}

// Fail parks a job in the failed set with its last error preserved. The
// owner rules are those of Retry.
func (q *Queue) Fail(ctx context.Context, id, workerID, category, cause string, unrecoverable bool) (Job, error) {
	var out Job
	err := q.mutate(ctx, id, func(tx kv.Txn, rec *Job) error {
		if err := checkOwner(rec, workerID); err != nil {
			return err
		}
		if rec.IndexKey != "" {
			if err := tx.Delete(rec.IndexKey); err != nil {
				return err
			}
		}
		rec.State = StateFailed
		rec.Category = category
		rec.LastError = cause
		rec.Unrecoverable = unrecoverable
		rec.FailedAt = q.now().UTC()
		rec.LockedBy, rec.LockedTill = "", time.Time{}
		rec.IndexKey = failedPrefix + rec.ID
		out = *rec
		return tx.Put(rec.IndexKey, []byte(rec.ID), 0)
	})
	return out, err
}

func (q *Queue) mutate(ctx context.Context, id string, fn func(tx kv.Txn, rec *Job) error) error {
	err := q.store.Update(ctx, func(tx kv.Txn) error {
		var rec Job
		found, err := kv.TxGetJSON(tx, jobKey(id), &rec)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if err := fn(tx, &rec); err != nil {
			return err
		}
		return kv.TxPutJSON(tx, jobKey(id), rec, 0)
	})
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	return nil
}

// RequeueStalled returns active jobs with expired leases to the ready index.
func (q *Queue) RequeueStalled(ctx context.Context) (int, error) {
	pairs, err := q.store.Scan(ctx, activePrefix, 0)
	if err != nil {
		return 0, fmt.Errorf("scan active jobs: %w", err)
	}
	requeued := 0
	for _, p := range pairs {
		id := string(p.Value)
		moved := false
		err := q.mutate(ctx, id, func(tx kv.Txn, rec *Job) error {
			moved = false
			if rec.State != StateActive || !q.now().After(rec.LockedTill) {
				return nil
			}
			q.logger.Warn("requeueing stalled job",
				zap.String("job_id", id),
				zap.String("locked_by", rec.LockedBy),
				zap.Time("locked_until", rec.LockedTill))
			rec.Stalls++
			moved = true
			return q.place(tx, rec, 0)
		})
		if errors.Is(err, ErrNotFound) {
			_ = q.store.Delete(ctx, p.Key)
			continue
		}
		if err != nil {
			return requeued, err
		}
		if moved {
			requeued++
		}
	}
	return requeued, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	var rec Job
	err := kv.GetJSON(ctx, q.store, jobKey(id), &rec)
	if errors.Is(err, kv.ErrNotFound) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	return rec, nil
}

// ListFailed returns failed jobs, optionally only the unrecoverable ones.
func (q *Queue) ListFailed(ctx context.Context, unrecoverableOnly bool) ([]Job, error) {
	jobs, err := q.listIndex(ctx, failedPrefix)
	if err != nil {
		return nil, err
	}
	if !unrecoverableOnly {
		return jobs, nil
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.Unrecoverable {
			out = append(out, j)
		}
	}
	return out, nil
}

// ListActive returns leased jobs.
func (q *Queue) ListActive(ctx context.Context) ([]Job, error) {
	return q.listIndex(ctx, activePrefix)
}

func (q *Queue) listIndex(ctx context.Context, index string) ([]Job, error) {
	pairs, err := q.store.Scan(ctx, index, 0)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", index, err)
	}
	out := make([]Job, 0, len(pairs))
	for _, p := range pairs {
		job, err := q.Get(ctx, string(p.Value))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// Remove deletes a job in any state.
func (q *Queue) Remove(ctx context.Context, id string) error {
	err := q.store.Update(ctx, func(tx kv.Txn) error {
		var rec Job
		found, err := kv.TxGetJSON(tx, jobKey(id), &rec)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if rec.IndexKey != "" {
			if err := tx.Delete(rec.IndexKey); err != nil {
				return err
			}
		}
		return tx.Delete(jobKey(id))
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// Clear drops every queue key, the pause flag and counters included.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	n, err := q.store.DeletePrefix(ctx, prefix)
	if err != nil {
		return n, fmt.Errorf("clear queue: %w", err)
	}
	q.logger.Info("queue cleared", zap.Int("keys", n))
	return n, nil
}

// Stats counts jobs per state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	counts := []struct {
		prefix string
		dest   *int
	}{
		{readyPrefix, &s.Waiting},
		{delayedPrefix, &s.Delayed},
		{activePrefix, &s.Active},
	}
	for _, c := range counts {
		pairs, err := q.store.Scan(ctx, c.prefix, 0)
		if err != nil {
			return Stats{}, fmt.Errorf("scan %s: %w", c.prefix, err)
		}
		*c.dest = len(pairs)
	}
	failed, err := q.ListFailed(ctx, false)
	if err != nil {
		return Stats{}, err
	}
	s.Failed = len(failed)
	for _, j := range failed {
		if j.Unrecoverable {
			s.Unrecoverable++
		}
	}
	var c counters
	if err := kv.GetJSON(ctx, q.store, countersKey, &c); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return Stats{}, err
	}
	s.Completed = c.Completed
	if s.Paused, err = q.Paused(ctx); err != nil {
		return Stats{}, err
	}
	return s, nil
}

// Pause stops Dequeue from handing out jobs. Active jobs keep running.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.store.Put(ctx, pausedKey, []byte(q.now().UTC().Format(time.RFC3339)), 0); err != nil {
		return fmt.Errorf("pause queue: %w", err)
	}
	return nil
}

// Resume re-enables Dequeue.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.store.Delete(ctx, pausedKey); err != nil {
		return fmt.Errorf("resume queue: %w", err)
	}
	return nil
}

// Paused reports whether the pause flag is set.
func (q *Queue) Paused(ctx context.Context) (bool, error) {
	_, err := q.store.Get(ctx, pausedKey)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pause flag: %w", err)
	}
	return true, nil
}

// Close makes subsequent Dequeue calls return ErrQueueClosed.
func (q *Queue) Close() {
	q.closed.Store(true)
}
