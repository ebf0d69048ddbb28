// Package embeds persists scraped EmbedRecords under
// anime:{externalId}:{track}:{episode}.
package embeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/anime-embed-crawler/internal/failure"
	"github.com/JakeFAU/anime-embed-crawler/internal/kv"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

// ErrNotFound is returned when no record exists for the episode/track.
var ErrNotFound = errors.New("embed record not found")

// Repository reads and writes embed records.
type Repository struct {
	store  kv.Store
	hasher scrape.Hasher
}

// NewRepository builds a Repository.
func NewRepository(store kv.Store, hasher scrape.Hasher) *Repository {
	return &Repository{store: store, hasher: hasher}
}

// Key is the store key for one record.
func Key(externalID int, track scrape.AudioTrack, episode int) string {
	return fmt.Sprintf("anime:%d:%s:%d", externalID, track, episode)
}

func animePrefix(externalID int) string {
	return fmt.Sprintf("anime:%d:", externalID)
}

// Put validates and writes rec, returning the digest of what was stored.
func (r *Repository) Put(ctx context.Context, rec scrape.EmbedRecord) (string, error) {
	if err := scrape.Validate(rec); err != nil {
		return "", failure.New(failure.InvalidData, "store embeds", fmt.Errorf("%w: %v", failure.ErrInvalidData, err))
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode embed record: %w", err)
	}
	if err := r.store.Put(ctx, Key(rec.ExternalID, rec.AudioTrack, rec.EpisodeNumber), raw, 0); err != nil {
		return "", fmt.Errorf("store embed record: %w", err)
	}
	return r.hasher.Hash(raw)
}

// Get loads the record for one episode/track.
func (r *Repository) Get(ctx context.Context, externalID, episode int, track scrape.AudioTrack) (scrape.EmbedRecord, error) {
	var rec scrape.EmbedRecord
	err := kv.GetJSON(ctx, r.store, Key(externalID, track, episode), &rec)
	if errors.Is(err, kv.ErrNotFound) {
		return scrape.EmbedRecord{}, ErrNotFound
	}
	if err != nil {
		return scrape.EmbedRecord{}, failure.New(failure.Parse, "load embeds", err)
	}
	return rec, nil
}

// Digest hashes the stored bytes of a record.
func (r *Repository) Digest(ctx context.Context, externalID, episode int, track scrape.AudioTrack) (string, error) {
	raw, err := r.store.Get(ctx, Key(externalID, track, episode))
	if errors.Is(err, kv.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return r.hasher.Hash(raw)
}

// List returns every record of an anime ordered by track then episode.
func (r *Repository) List(ctx context.Context, externalID int) ([]scrape.EmbedRecord, error) {
	pairs, err := r.store.Scan(ctx, animePrefix(externalID), 0)
	if err != nil {
		return nil, fmt.Errorf("scan embeds %d: %w", externalID, err)
	}
	out := make([]scrape.EmbedRecord, 0, len(pairs))
	for _, p := range pairs {
		var rec scrape.EmbedRecord
		if err := json.Unmarshal(p.Value, &rec); err != nil {
			return nil, failure.New(failure.Parse, "decode "+p.Key, err)
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AudioTrack != out[j].AudioTrack {
			return out[i].AudioTrack > out[j].AudioTrack
		}
		return out[i].EpisodeNumber < out[j].EpisodeNumber
	})
	return out, nil
}

// Episodes reports which episodes have a record for track.
func (r *Repository) Episodes(ctx context.Context, externalID int, track scrape.AudioTrack) ([]int, error) {
	prefix := fmt.Sprintf("anime:%d:%s:", externalID, track)
	pairs, err := r.store.Scan(ctx, prefix, 0)
	if err != nil {
		return nil, fmt.Errorf("scan embeds %d: %w", externalID, err)
	}
	out := make([]int, 0, len(pairs))
	for _, p := range pairs {
		n, err := strconv.Atoi(strings.TrimPrefix(p.Key, prefix))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// DeleteAnime removes every record of an anime.
func (r *Repository) DeleteAnime(ctx context.Context, externalID int) (int, error) {
	n, err := r.store.DeletePrefix(ctx, animePrefix(externalID))
	if err != nil {
		return n, fmt.Errorf("delete embeds %d: %w", externalID, err)
	}
	return n, nil
}
