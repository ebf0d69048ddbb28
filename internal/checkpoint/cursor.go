package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/JakeFAU/anime-embed-crawler/internal/kv"
)

// CursorKey holds the discovery run cursor.
const CursorKey = "checkpoint"

// Cursor lets a full run resume without rescanning the catalog from zero.
type Cursor struct {
	Offset    int       `json:"offset"`
	Strategy  string    `json:"strategy,omitempty"`
	Processed []int     `json:"processed"`
	Failed    []int     `json:"failed"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasProcessed reports whether id finished successfully in this run.
func (c Cursor) HasProcessed(id int) bool {
	_, ok := slices.BinarySearch(c.Processed, id)
	return ok
}

// HasFailed reports whether id failed in this run.
func (c Cursor) HasFailed(id int) bool {
	_, ok := slices.BinarySearch(c.Failed, id)
	return ok
}

// LoadCursor returns the stored cursor, or a zero cursor when none exists.
func (s *Store) LoadCursor(ctx context.Context) (Cursor, error) {
	var c Cursor
	err := kv.GetJSON(ctx, s.kv, CursorKey, &c)
	if errors.Is(err, kv.ErrNotFound) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("load cursor: %w", err)
	}
	return c, nil
}

// StartRun resets the cursor unless resume is set and a cursor exists.
func (s *Store) StartRun(ctx context.Context, strategy string, resume bool) (Cursor, error) {
	var out Cursor
	err := s.updateCursor(ctx, func(c *Cursor, found bool) {
		if resume && found {
			if c.StartedAt.IsZero() {
				c.StartedAt = s.now().UTC()
			}
			out = *c
			return
		}
		*c = Cursor{Strategy: strategy, StartedAt: s.now().UTC(), Processed: []int{}, Failed: []int{}}
		out = *c
	})
	return out, err
}

// SaveOffset advances the catalog scan offset. The offset never moves backwards.
func (s *Store) SaveOffset(ctx context.Context, offset int) error {
	return s.updateCursor(ctx, func(c *Cursor, _ bool) {
		c.Offset = max(c.Offset, offset)
	})
}

// AddProcessed records id as finished in this run.
func (s *Store) AddProcessed(ctx context.Context, id int) error {
	return s.updateCursor(ctx, func(c *Cursor, _ bool) {
		c.Failed = removeSorted(c.Failed, id)
		c.Processed = insertSorted(c.Processed, id)
	})
}

// AddFailed records id as failed in this run.
func (s *Store) AddFailed(ctx context.Context, id int) error {
	return s.updateCursor(ctx, func(c *Cursor, _ bool) {
		if _, done := slices.BinarySearch(c.Processed, id); done {
			return
		}
		c.Failed = insertSorted(c.Failed, id)
	})
}

// ResetCursor deletes the run cursor.
func (s *Store) ResetCursor(ctx context.Context) error {
	if err := s.kv.Delete(ctx, CursorKey); err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}
	return nil
}

func (s *Store) updateCursor(ctx context.Context, fn func(c *Cursor, found bool)) error {
	err := s.kv.Update(ctx, func(tx kv.Txn) error {
		var c Cursor
		found, err := kv.TxGetJSON(tx, CursorKey, &c)
		if err != nil {
			return err
		}
		fn(&c, found)
		c.UpdatedAt = s.now().UTC()
		return kv.TxPutJSON(tx, CursorKey, c, 0)
	})
	if err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}
	return nil
}

func insertSorted(list []int, id int) []int {
	i, found := slices.BinarySearch(list, id)
	if found {
		return list
	}
	return slices.Insert(list, i, id)
}

func removeSorted(list []int, id int) []int {
	i, found := slices.BinarySearch(list, id)
	if !found {
		return list
	}
	return slices.Delete(list, i, i+1)
}
