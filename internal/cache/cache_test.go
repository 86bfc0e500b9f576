package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Balance string `json:"balance"`
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	metrics := NewMetrics(nil)
	r := NewRefresher(RefresherConfig{Workers: 2, QueueSize: 8, Timeout: 5 * time.Second}, metrics)
	r.Start()
	t.Cleanup(func() {
		r.Stop()
		r.Wait()
	})
	return New(store, r, metrics, time.Minute)
}

func TestKeyFileNames(t *testing.T) {
	tests := []struct {
		key  Key
		want string
	}{
		{OverviewKey("BTC"), "BTC-overview.json"},
		{TransactionsKey("USDC-SOL"), "USDC-SOL-transactions.json"},
		{RateKey("ETH", "usd"), "ETH-USD.rate.json"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.key.FileName())
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, store.Write(OverviewKey("BTC"), snapshot{Balance: "1.5"}, ts))

	doc, err := store.Read(OverviewKey("BTC"))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.True(t, ts.Equal(doc.TimestampUTC))
	assert.JSONEq(t, `{"balance":"1.5"}`, string(doc.Payload))

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}

func TestStoreMissingIsNil(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	doc, err := store.Read(OverviewKey("SOL"))
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestStoreCorruptFileMovedAside(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	key := OverviewKey("ETH")
	require.NoError(t, os.WriteFile(store.Path(key), []byte("{not json"), 0600))

	doc, err := store.Read(key)
	require.NoError(t, err)
	assert.Nil(t, doc)

	_, err = os.Stat(store.Path(key))
	assert.True(t, os.IsNotExist(err))
	matches, err := filepath.Glob(store.Path(key) + ".corrupt.*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestStoreRejectsBadKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []Key{{}, {Asset: "../x", Kind: KindOverview}, {Asset: "a/b", Kind: KindOverview}} {
		assert.Error(t, store.Write(key, snapshot{}, time.Now()), key.String())
	}
}

func TestGetMissReturnsPlaceholderAndRefreshes(t *testing.T) {
	c := newTestCache(t)
	key := OverviewKey("BTC")

	refreshed := make(chan snapshot, 1)
	v, state := Get(c, key, snapshot{Balance: "0"}, func(ctx context.Context) (snapshot, error) {
		return snapshot{Balance: "2"}, nil
	}, func(s snapshot) { refreshed <- s })

	assert.Equal(t, Missing, state)
	assert.Equal(t, "0", v.Balance)

	select {
	case s := <-refreshed:
		assert.Equal(t, "2", s.Balance)
	case <-time.After(5 * time.Second):
		t.Fatal("refresh callback not called")
	}
	c.Refresher().WaitIdle()

	v, state = Get(c, key, snapshot{Balance: "0"}, func(ctx context.Context) (snapshot, error) {
		t.Error("fresh entry must not refresh")
		return snapshot{}, nil
	}, nil)
	assert.Equal(t, Fresh, state)
	assert.Equal(t, "2", v.Balance)
}

func TestDoubleReadOnMissRefreshesOnce(t *testing.T) {
	c := newTestCache(t)
	key := OverviewKey("SOL")

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (snapshot, error) {
		calls.Add(1)
		<-release
		return snapshot{Balance: "3"}, nil
	}

	first, _ := Get(c, key, snapshot{Balance: "0"}, fetch, nil)
	second, _ := Get(c, key, snapshot{Balance: "0"}, fetch, nil)
	assert.Equal(t, first, second)

	close(release)
	c.Refresher().WaitIdle()
	assert.Equal(t, int32(1), calls.Load())
}

func TestStaleConcurrentReadsRefreshOnce(t *testing.T) {
	c := newTestCache(t)
	key := TransactionsKey("ETH")
	require.NoError(t, c.Store().Write(key, []snapshot{{Balance: "old"}}, time.Now().Add(-time.Hour)))

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) ([]snapshot, error) {
		calls.Add(1)
		<-release
		return []snapshot{{Balance: "new"}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, state := Get(c, key, []snapshot{}, fetch, nil)
			assert.Equal(t, Stale, state)
			assert.Equal(t, "old", v[0].Balance)
		}()
	}
	wg.Wait()
	close(release)
	c.Refresher().WaitIdle()

	assert.Equal(t, int32(1), calls.Load())
	assert.GreaterOrEqual(t, testutil.ToFloat64(c.metrics.Deduplicated), float64(1))
	assert.Equal(t, float64(16), testutil.ToFloat64(c.metrics.Reads.WithLabelValues(KindTransactions, readStale)))

	v, state := Get(c, key, []snapshot{}, fetch, nil)
	assert.Equal(t, Fresh, state)
	assert.Equal(t, "new", v[0].Balance)
}

func TestFailedRefreshLeavesEntry(t *testing.T) {
	c := newTestCache(t)
	key := OverviewKey("BTC")
	old := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, c.Store().Write(key, snapshot{Balance: "1"}, old))

	called := false
	_, state := Get(c, key, snapshot{}, func(ctx context.Context) (snapshot, error) {
		return snapshot{}, errors.New("indexer down")
	}, func(snapshot) { called = true })
	assert.Equal(t, Stale, state)
	c.Refresher().WaitIdle()

	doc, err := c.Store().Read(key)
	require.NoError(t, err)
	assert.True(t, old.Equal(doc.TimestampUTC))
	assert.JSONEq(t, `{"balance":"1"}`, string(doc.Payload))
	assert.False(t, called)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.Refreshes.WithLabelValues(KindOverview, refreshFailed)))
}

func TestUndecodablePayloadIsMiss(t *testing.T) {
	c := newTestCache(t)
	key := OverviewKey("BTC")
	require.NoError(t, c.Store().Write(key, []int{1, 2}, time.Now()))

	v, state := Get(c, key, snapshot{Balance: "0"}, func(ctx context.Context) (snapshot, error) {
		return snapshot{Balance: "0"}, nil
	}, nil)
	assert.Equal(t, Missing, state)
	assert.Equal(t, "0", v.Balance)
	c.Refresher().WaitIdle()
}

func TestPut(t *testing.T) {
	c := newTestCache(t)
	key := RateKey("BTC", "USD")
	require.NoError(t, Put(c, key, "65000.12"))

	v, state := Get(c, key, "", func(ctx context.Context) (string, error) { return "", nil }, nil)
	assert.Equal(t, Fresh, state)
	assert.Equal(t, "65000.12", v)
}

func TestFutureTimestampIsStale(t *testing.T) {
	c := newTestCache(t)
	key := OverviewKey("SOL")
	require.NoError(t, c.Store().Write(key, snapshot{Balance: "skewed"}, time.Now().Add(time.Hour)))

	var calls atomic.Int32
	v, state := Get(c, key, snapshot{}, func(ctx context.Context) (snapshot, error) {
		calls.Add(1)
		return snapshot{Balance: "now"}, nil
	}, nil)
	assert.Equal(t, Stale, state)
	assert.Equal(t, "skewed", v.Balance)
	c.Refresher().WaitIdle()
	assert.Equal(t, int32(1), calls.Load())

	v, state = Get(c, key, snapshot{}, nil, nil)
	assert.Equal(t, Fresh, state)
	assert.Equal(t, "now", v.Balance)
}
