package scrape

import (
	"context"
	"time"
)

// CatalogStore reads catalog entries.
type CatalogStore interface {
	Get(ctx context.Context, externalID int) (CatalogEntry, error)
	Candidates(ctx context.Context, criteria Criteria) ([]CatalogEntry, error)
}

// Criteria selects entries that need scraping: airing, or popularity or
// score strictly above its floor.
type Criteria struct {
	MinPopularity int
	MinScore      int
	Limit         int
	Offset        int
}

// Matches applies the needs-scraping filter to one entry.
func (c Criteria) Matches(entry CatalogEntry) bool {
	return entry.Airing() || entry.Popularity > c.MinPopularity || entry.AverageScore > c.MinScore
}

// Fetcher performs one provider request.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces worker IDs.
type IDGenerator interface {
	NewID() (string, error)
}
