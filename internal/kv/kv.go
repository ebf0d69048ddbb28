// Package kv is the shared key/value store behind the mapping cache, embed
// records, checkpoints, progress counters, heartbeats and the job queue.
//
// Two backends implement Store: Badger for a single process and Postgres for
// workers spread over several processes. Values are opaque bytes; the JSON
// helpers in json.go give callers typed, version-tolerant records.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// ErrConflict is returned when an Update keeps losing optimistic races.
var ErrConflict = errors.New("kv: transaction conflict")

// Pair is one key/value returned from a scan.
type Pair struct {
	Key   string
	Value []byte
}

// Txn is the view of the store inside an atomic Update.
type Txn interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
}

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes value; a positive ttl expires the key.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Update runs fn atomically. Keys read through the Txn are protected
	// against concurrent writers until fn returns.
	Update(ctx context.Context, fn func(tx Txn) error) error
	// Scan returns pairs under prefix in ascending key order. limit <= 0 means all.
	Scan(ctx context.Context, prefix string, limit int) ([]Pair, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Sync(ctx context.Context) error
	Close() error
}
