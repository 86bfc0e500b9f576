package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefresherDedup(t *testing.T) {
	r := NewRefresher(RefresherConfig{Workers: 1, QueueSize: 4, Timeout: time.Second}, nil)

	var runs atomic.Int32
	fn := func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}

	key := OverviewKey("BTC")
	assert.True(t, r.Enqueue(key, fn))
	assert.False(t, r.Enqueue(key, fn), "queued key absorbs")
	assert.True(t, r.Enqueue(OverviewKey("SOL"), fn), "other keys are independent")
	assert.True(t, r.Pending(key))

	r.Start()
	r.WaitIdle()
	r.Stop()
	r.Wait()

	assert.Equal(t, int32(2), runs.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.Deduplicated))
	assert.False(t, r.Pending(key))
}

func TestRefresherQueueFullDrops(t *testing.T) {
	r := NewRefresher(RefresherConfig{Workers: 1, QueueSize: 1, Timeout: time.Second}, nil)
	noop := func(ctx context.Context) error { return nil }

	assert.True(t, r.Enqueue(OverviewKey("BTC"), noop))
	assert.False(t, r.Enqueue(OverviewKey("SOL"), noop))
	assert.False(t, r.Pending(OverviewKey("SOL")), "dropped request leaves no pending entry")
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.Refreshes.WithLabelValues(KindOverview, refreshDropped)))

	r.Start()
	r.WaitIdle()
	r.Stop()
	r.Wait()
}

func TestRefresherStopLetsRunningJobFinish(t *testing.T) {
	r := NewRefresher(RefresherConfig{Workers: 1, QueueSize: 4, Timeout: 5 * time.Second}, nil)
	r.Start()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	require.True(t, r.Enqueue(OverviewKey("BTC"), func(ctx context.Context) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	}))
	<-started

	r.Stop()
	assert.False(t, r.Enqueue(OverviewKey("ETH"), func(ctx context.Context) error { return nil }), "stopped refresher rejects jobs")

	close(release)
	r.Wait()
	assert.True(t, finished.Load())
	r.WaitIdle()
}

func TestRefresherJobTimeout(t *testing.T) {
	r := NewRefresher(RefresherConfig{Workers: 1, QueueSize: 1, Timeout: 50 * time.Millisecond}, nil)
	r.Start()
	defer func() {
		r.Stop()
		r.Wait()
	}()

	done := make(chan error, 1)
	r.Enqueue(OverviewKey("BTC"), func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("job deadline not applied")
	}
	r.WaitIdle()
}

func TestRefresherRecoversPanic(t *testing.T) {
	r := NewRefresher(RefresherConfig{Workers: 1, QueueSize: 2, Timeout: time.Second}, nil)
	r.Start()
	defer func() {
		r.Stop()
		r.Wait()
	}()

	r.Enqueue(OverviewKey("BTC"), func(ctx context.Context) error { panic("boom") })
	r.WaitIdle()

	var ran atomic.Bool
	r.Enqueue(OverviewKey("BTC"), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	r.WaitIdle()
	assert.True(t, ran.Load(), "worker survives a panicking job")
}

func TestMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Reads.WithLabelValues(KindOverview, readHit).Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "klingwallet_cache_reads_total")
	assert.Contains(t, names, "klingwallet_cache_refresh_queue_depth")
}
