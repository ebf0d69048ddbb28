// Package catalog reads anime catalog rows from Postgres. The catalog is
// owned by another system; this package never writes to it.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/anime-embed-crawler/internal/failure"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

// ErrNotFound is returned when no catalog row has the external id.
var ErrNotFound = fmt.Errorf("catalog entry: %w", failure.ErrNotFound)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

const columns = `id, external_id,
	COALESCE(title_english, ''), COALESCE(title_romaji, ''), COALESCE(title_native, ''),
	COALESCE(synonyms, '{}'::text[]),
	COALESCE(episodes, 0), COALESCE(popularity, 0), COALESCE(average_score, 0),
	COALESCE(status, '')`

// Config controls the catalog connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type queryCloser interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements scrape.CatalogStore.
type Store struct {
	pool  queryCloser
	table string
}

var _ scrape.CatalogStore = (*Store)(nil)

// NewStore connects to the catalog database.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("catalog.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse catalog dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect catalog: %w", err)
	}
	return &Store{pool: pool, table: table}, nil
}

// NewStoreWithPool wraps an existing pool (primarily for testing).
func NewStoreWithPool(pool queryCloser, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "anime"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Get loads one entry by external id.
func (s *Store) Get(ctx context.Context, externalID int) (scrape.CatalogEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE external_id = $1`, columns, s.table)
	entry, err := scanEntry(s.pool.QueryRow(ctx, query, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.CatalogEntry{}, fmt.Errorf("anime %d: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return scrape.CatalogEntry{}, fmt.Errorf("load catalog entry %d: %w", externalID, err)
	}
	return entry, nil
}

// Candidates returns entries that are airing, popular enough, or well
// scored, ordered by external id so offsets are stable between pages.
func (s *Store) Candidates(ctx context.Context, criteria scrape.Criteria) ([]scrape.CatalogEntry, error) {
	limit := criteria.Limit
	if limit <= 0 {
		limit = 1000
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE status = $1 OR popularity > $2 OR average_score > $3
ORDER BY external_id
LIMIT $4 OFFSET $5`, columns, s.table)
	rows, err := s.pool.Query(ctx, query,
		string(scrape.StatusReleasing), criteria.MinPopularity, criteria.MinScore, limit, max(criteria.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("query catalog candidates: %w", err)
	}
	defer rows.Close()

	var out []scrape.CatalogEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog rows: %w", err)
	}
	return out, nil
}

func scanEntry(row pgx.Row) (scrape.CatalogEntry, error) {
	var (
		e      scrape.CatalogEntry
		status string
	)
	err := row.Scan(
		&e.ID, &e.ExternalID,
		&e.Titles.English, &e.Titles.Romaji, &e.Titles.Native,
		&e.Titles.Synonyms,
		&e.Episodes, &e.Popularity, &e.AverageScore,
		&status,
	)
	if err != nil {
		return scrape.CatalogEntry{}, err
	}
	e.Status = scrape.AiringStatus(status)
	return e, nil
}
