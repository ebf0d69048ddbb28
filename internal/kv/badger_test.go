package kv

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMemStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := OpenBadger(BadgerOptions{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBadgerGetPutDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore(t)

	_, err := store.Get(ctx, "mapping:1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "mapping:1", []byte(`{"providerSlug":"frieren-18542"}`), 0))
	got, err := store.Get(ctx, "mapping:1")
	require.NoError(t, err)
	require.JSONEq(t, `{"providerSlug":"frieren-18542"}`, string(got))

	require.NoError(t, store.Delete(ctx, "mapping:1"))
	_, err = store.Get(ctx, "mapping:1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerTTLExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore(t)

	require.NoError(t, store.Put(ctx, "worker:w1:status", []byte(`{}`), time.Second))
	_, err := store.Get(ctx, "worker:w1:status")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, "worker:w1:status")
		return err == ErrNotFound
	}, 5*time.Second, 100*time.Millisecond)
}

func TestBadgerUpdateIsAtomicUnderContention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore(t)
	store.retries = 1000

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				err := store.Update(ctx, func(tx Txn) error {
					var n uint64
					raw, err := tx.Get("progress")
					if err == nil {
						n = binary.BigEndian.Uint64(raw)
					} else if err != ErrNotFound {
						return err
					}
					buf := make([]byte, 8)
					binary.BigEndian.PutUint64(buf, n+1)
					return tx.Put("progress", buf, 0)
				})
				if err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	raw, err := store.Get(ctx, "progress")
	require.NoError(t, err)
	require.Equal(t, uint64(workers*perWorker), binary.BigEndian.Uint64(raw))
}

func TestBadgerUpdateRollsBackOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore(t)

	boom := fmt.Errorf("boom")
	err := store.Update(ctx, func(tx Txn) error {
		require.NoError(t, tx.Put("a", []byte("1"), 0))
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = store.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerScanAndDeletePrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore(t)

	for _, k := range []string{"queue:ready:0002", "queue:ready:0001", "queue:ready:0003", "queue:job:x"} {
		require.NoError(t, store.Put(ctx, k, []byte(k), 0))
	}

	pairs, err := store.Scan(ctx, "queue:ready:", 2)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	require.Equal(t, "queue:ready:0001", pairs[0].Key)
	require.Equal(t, "queue:ready:0002", pairs[1].Key)

	n, err := store.DeletePrefix(ctx, "queue:ready:")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	pairs, err = store.Scan(ctx, "queue:", 0)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Equal(t, "queue:job:x", pairs[0].Key)
}

func TestJSONHelpersIgnoreUnknownFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore(t)

	require.NoError(t, store.Put(ctx, "stats", []byte(`{"embeds":3,"futureField":true}`), 0))
	var stats struct {
		Embeds   int `json:"embeds"`
		Episodes int `json:"episodes"`
	}
	require.NoError(t, GetJSON(ctx, store, "stats", &stats))
	require.Equal(t, 3, stats.Embeds)
	require.Zero(t, stats.Episodes)

	err := store.Update(ctx, func(tx Txn) error {
		found, err := TxGetJSON(tx, "stats", &stats)
		require.True(t, found)
		if err != nil {
			return err
		}
		stats.Episodes = 9
		return TxPutJSON(tx, "stats", stats, 0)
	})
	require.NoError(t, err)
	require.NoError(t, GetJSON(ctx, store, "stats", &stats))
	require.Equal(t, 9, stats.Episodes)
}
