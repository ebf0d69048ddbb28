package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/anime-embed-crawler/internal/kv"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

const (
	heartbeatPrefix = "worker:"
	heartbeatSuffix = ":status"
)

// HeartbeatKey is the store key of a worker's liveness record.
func HeartbeatKey(workerID string) string {
	return heartbeatPrefix + workerID + heartbeatSuffix
}

// Heartbeats persists WorkerHeartbeat records with a TTL so crashed workers
// disappear on their own.
type Heartbeats struct {
	store kv.Store
	ttl   time.Duration
	host  string
}

// NewHeartbeats builds a Heartbeats store.
func NewHeartbeats(store kv.Store, ttl time.Duration, host string) *Heartbeats {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Heartbeats{store: store, ttl: ttl, host: host}
}

// Beat writes hb and refreshes its TTL. BeatAt is stamped when unset.
func (h *Heartbeats) Beat(ctx context.Context, hb scrape.WorkerHeartbeat) error {
	if hb.Host == "" {
		hb.Host = h.host
	}
	if hb.BeatAt.IsZero() {
		hb.BeatAt = time.Now().UTC()
	}
	if err := kv.PutJSON(ctx, h.store, HeartbeatKey(hb.WorkerID), hb, h.ttl); err != nil {
		return fmt.Errorf("write heartbeat %s: %w", hb.WorkerID, err)
	}
	return nil
}

// List returns every live heartbeat, ordered by worker id.
func (h *Heartbeats) List(ctx context.Context) ([]scrape.WorkerHeartbeat, error) {
	pairs, err := h.store.Scan(ctx, heartbeatPrefix, 0)
	if err != nil {
		return nil, fmt.Errorf("scan heartbeats: %w", err)
	}
	out := make([]scrape.WorkerHeartbeat, 0, len(pairs))
	for _, p := range pairs {
		if !strings.HasSuffix(p.Key, heartbeatSuffix) {
			continue
		}
		var hb scrape.WorkerHeartbeat
		if err := json.Unmarshal(p.Value, &hb); err != nil {
			continue
		}
		out = append(out, hb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// Live filters heartbeats that beat within maxAge of now. A worker busy on
// one long job still beats, so its LastActivity may be much older.
func Live(hbs []scrape.WorkerHeartbeat, now time.Time, maxAge time.Duration) []scrape.WorkerHeartbeat {
	out := make([]scrape.WorkerHeartbeat, 0, len(hbs))
	for _, hb := range hbs {
		seen := hb.BeatAt
		if seen.IsZero() {
			seen = hb.LastActivity
		}
		if hb.Status != scrape.WorkerOffline && now.Sub(seen) <= maxAge {
			out = append(out, hb)
		}
	}
	return out
}
