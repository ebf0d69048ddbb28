package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const createKVTable = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ
)`

const (
	selectLive = `SELECT value FROM kv_entries WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`
	upsertKV   = `INSERT INTO kv_entries (key, value, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`
	deleteKV     = `DELETE FROM kv_entries WHERE key = $1`
	lockKey      = `SELECT pg_advisory_xact_lock(hashtext($1))`
	scanKV       = `SELECT key, value FROM kv_entries WHERE key LIKE $1 ESCAPE '\' AND (expires_at IS NULL OR expires_at > now()) ORDER BY key COLLATE "C" LIMIT $2`
	deletePrefix = `DELETE FROM kv_entries WHERE key LIKE $1 ESCAPE '\'`
	purgeExpired = `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= now()`
)

// PostgresOptions configures the shared backend.
type PostgresOptions struct {
	DSN      string
	MaxConns int32
}

type pgPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store on a single Postgres table so several
// processes can share one queue and checkpoint ledger.
type PostgresStore struct {
	pool   pgPool
	logger *zap.Logger
	now    func() time.Time
}

// OpenPostgres connects and makes sure the table exists.
func OpenPostgres(ctx context.Context, opts PostgresOptions, logger *zap.Logger) (*PostgresStore, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("kv.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewPostgresWithPool(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresWithPool builds a store from an existing pool (primarily for testing).
func NewPostgresWithPool(ctx context.Context, pool pgPool, logger *zap.Logger) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := pool.Exec(ctx, createKVTable); err != nil {
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	tag, err := pool.Exec(ctx, purgeExpired)
	if err != nil {
		return nil, fmt.Errorf("purge expired keys: %w", err)
	}
	logger.Info("postgres kv store ready", zap.Int64("expired_purged", tag.RowsAffected()))
	return &PostgresStore{pool: pool, logger: logger, now: time.Now}, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	return getRow(s.pool.QueryRow(ctx, selectLive, key), key)
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if _, err := s.pool.Exec(ctx, upsertKV, key, value, s.expiry(ttl)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, deleteKV, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Update implements Store. Every key read inside fn is locked with a
// transaction-scoped advisory lock, which also covers keys that do not exist yet.
func (s *PostgresStore) Update(ctx context.Context, fn func(tx Txn) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin kv transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("kv rollback failed", zap.Error(rbErr))
			}
		}
	}()
	if err = fn(&pgTxn{ctx: ctx, tx: tx, expiry: s.expiry}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit kv transaction: %w", err)
	}
	return nil
}

// Scan implements Store.
func (s *PostgresStore) Scan(ctx context.Context, prefix string, limit int) ([]Pair, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, scanKV, likePrefix(prefix), lim)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()
	var out []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", prefix, err)
	}
	return out, nil
}

// DeletePrefix implements Store.
func (s *PostgresStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	tag, err := s.pool.Exec(ctx, deletePrefix, likePrefix(prefix))
	if err != nil {
		return 0, fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	return int(tag.RowsAffected()), nil
}

// Sync is a no-op; Postgres commits are durable.
func (s *PostgresStore) Sync(context.Context) error { return nil }

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	at := s.now().Add(ttl).UTC()
	return &at
}

type pgTxn struct {
	ctx    context.Context
	tx     pgx.Tx
	expiry func(time.Duration) *time.Time
}

func (t *pgTxn) Get(key string) ([]byte, error) {
	if _, err := t.tx.Exec(t.ctx, lockKey, key); err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return getRow(t.tx.QueryRow(t.ctx, selectLive, key), key)
}

func (t *pgTxn) Put(key string, value []byte, ttl time.Duration) error {
	if _, err := t.tx.Exec(t.ctx, upsertKV, key, value, t.expiry(ttl)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (t *pgTxn) Delete(key string) error {
	if _, err := t.tx.Exec(t.ctx, deleteKV, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func getRow(row pgx.Row, key string) ([]byte, error) {
	var value []byte
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}
