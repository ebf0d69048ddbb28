// Package progress keeps the global ProgressSnapshot and per-category error
// statistics in the shared store. Counters change only through atomic
// read-modify-write transactions, and per-anime state records make every
// transition idempotent.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/anime-embed-crawler/internal/kv"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

// Keys in the shared store.
const (
	SnapshotKey    = "progress"
	animeKeyPrefix = "progress:anime:"
)

// AnimeState is the per-anime position in the run.
type AnimeState string

// Anime states.
const (
	AnimePending   AnimeState = "pending"
	AnimeCompleted AnimeState = "completed"
	AnimeFailed    AnimeState = "failed"
)

type animeRecord struct {
	State     AnimeState `json:"state"`
	Reason    string     `json:"reason,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Tracker maintains the ProgressSnapshot.
type Tracker struct {
	store kv.Store
	now   func() time.Time
}

// NewTracker builds a Tracker. clock may be nil.
func NewTracker(store kv.Store, clock scrape.Clock) *Tracker {
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Tracker{store: store, now: now}
}

func animeKey(id int) string {
	return fmt.Sprintf("%s%d", animeKeyPrefix, id)
}

// Register counts id toward totalAnime. Registering twice is a no-op.
func (t *Tracker) Register(ctx context.Context, id int) (bool, error) {
	added := false
	err := t.apply(ctx, id, func(rec *animeRecord, found bool, snap *scrape.ProgressSnapshot) bool {
		added = false
		if found {
			return false
		}
		rec.State = AnimePending
		snap.TotalAnime++
		added = true
		return true
	})
	return added, err
}

// MarkCompleted moves id to completed, registering it first if needed.
func (t *Tracker) MarkCompleted(ctx context.Context, id int) error {
	return t.transition(ctx, id, AnimeCompleted, "")
}

// MarkFailed moves id to failed. A completed anime stays completed.
func (t *Tracker) MarkFailed(ctx context.Context, id int, reason string) error {
	return t.transition(ctx, id, AnimeFailed, reason)
}

// MarkPending returns a failed anime to pending, as recovery does when it
// re-enqueues the job.
func (t *Tracker) MarkPending(ctx context.Context, id int) error {
	return t.transition(ctx, id, AnimePending, "")
}

func (t *Tracker) transition(ctx context.Context, id int, to AnimeState, reason string) error {
	return t.apply(ctx, id, func(rec *animeRecord, found bool, snap *scrape.ProgressSnapshot) bool {
		if !found {
			snap.TotalAnime++
			rec.State = AnimePending
		}
		from := rec.State
		if from == to && rec.Reason == reason {
			return !found
		}
		if from == AnimeCompleted && to == AnimeFailed {
			return !found
		}
		switch from {
		case AnimeCompleted:
			snap.Completed--
		case AnimeFailed:
			snap.Failed--
		}
		switch to {
		case AnimeCompleted:
			snap.Completed++
		case AnimeFailed:
			snap.Failed++
		}
		rec.State = to
		rec.Reason = reason
		return true
	})
}

// apply runs fn against the anime record and the snapshot in one transaction.
// fn reports whether anything changed.
func (t *Tracker) apply(
	ctx context.Context,
	id int,
	fn func(rec *animeRecord, found bool, snap *scrape.ProgressSnapshot) bool,
) error {
	err := t.store.Update(ctx, func(tx kv.Txn) error {
		var rec animeRecord
		found, err := kv.TxGetJSON(tx, animeKey(id), &rec)
		if err != nil {
			return err
		}
		var snap scrape.ProgressSnapshot
		if _, err := kv.TxGetJSON(tx, SnapshotKey, &snap); err != nil {
			return err
		}
		if !fn(&rec, found, &snap) {
			return nil
		}
		now := t.now().UTC()
		if snap.StartTime.IsZero() {
			snap.StartTime = now
		}
		snap.Version++
		snap.UpdatedAt = now
		rec.UpdatedAt = now
		if err := kv.TxPutJSON(tx, animeKey(id), rec, 0); err != nil {
			return err
		}
		return kv.TxPutJSON(tx, SnapshotKey, snap, 0)
	})
	if err != nil {
		return fmt.Errorf("update progress for %d: %w", id, err)
	}
	return nil
}

// State returns the recorded state of id, or "" when unregistered.
func (t *Tracker) State(ctx context.Context, id int) (AnimeState, error) {
	var rec animeRecord
	err := kv.GetJSON(ctx, t.store, animeKey(id), &rec)
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

// Snapshot reads the snapshot and reconciles derived fields: pending is
// recomputed so completed+failed+pending always equals totalAnime.
func (t *Tracker) Snapshot(ctx context.Context) (scrape.ProgressSnapshot, error) {
	var snap scrape.ProgressSnapshot
	err := kv.GetJSON(ctx, t.store, SnapshotKey, &snap)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return scrape.ProgressSnapshot{}, fmt.Errorf("load progress: %w", err)
	}
	return Reconcile(snap, t.now()), nil
}

// Reconcile clamps counters, derives pending and success rate, and
// extrapolates an ETA from the completion rate since StartTime.
func Reconcile(snap scrape.ProgressSnapshot, now time.Time) scrape.ProgressSnapshot {
	snap.TotalAnime = max(snap.TotalAnime, 0)
	snap.Completed = min(max(snap.Completed, 0), snap.TotalAnime)
	snap.Failed = min(max(snap.Failed, 0), snap.TotalAnime-snap.Completed)
	snap.Pending = snap.TotalAnime - snap.Completed - snap.Failed

	snap.SuccessRate = 0
	if done := snap.Completed + snap.Failed; done > 0 {
		snap.SuccessRate = float64(snap.Completed) / float64(done) * 100
	}

	snap.EstimatedCompletion = nil
	elapsed := now.Sub(snap.StartTime)
	if !snap.StartTime.IsZero() && elapsed > 0 && snap.Completed > 0 && snap.Pending > 0 {
		perItem := elapsed / time.Duration(snap.Completed)
		eta := now.Add(perItem * time.Duration(snap.Pending)).UTC()
		snap.EstimatedCompletion = &eta
	}
	return snap
}

// Throughput returns completed anime per hour since StartTime.
func Throughput(snap scrape.ProgressSnapshot, now time.Time) float64 {
	elapsed := now.Sub(snap.StartTime)
	if snap.StartTime.IsZero() || elapsed <= 0 {
		return 0
	}
	return float64(snap.Completed) / elapsed.Hours()
}

// Reset deletes the snapshot and every per-anime record.
func (t *Tracker) Reset(ctx context.Context) (int, error) {
	n, err := t.store.DeletePrefix(ctx, SnapshotKey)
	if err != nil {
		return n, fmt.Errorf("reset progress: %w", err)
	}
	return n, nil
}
