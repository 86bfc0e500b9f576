package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/klingon-wallet/pkg/logging"
)

// RefresherConfig configures the background refresh pool.
type RefresherConfig struct {
	Workers   int           // Concurrent refresh jobs
	QueueSize int           // Pending jobs before requests are dropped
	Timeout   time.Duration // Per-job deadline
}

// DefaultRefresherConfig returns the default configuration.
func DefaultRefresherConfig() RefresherConfig {
	return RefresherConfig{
		Workers:   4,
		QueueSize: 64,
		Timeout:   60 * time.Second,
	}
}

// RefreshFunc performs one refresh. ctx carries the job deadline only.
type RefreshFunc func(ctx context.Context) error

type job struct {
	id  string
	key Key
	fn  RefreshFunc
}

// Refresher runs refresh jobs on a fixed worker pool. At most one job per
// key is queued or running at any time; further requests for that key are
// absorbed until it finishes.
type Refresher struct {
	config  RefresherConfig
	metrics *Metrics
	log     *logging.Logger

	queue chan job
	quit  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	idle    *sync.Cond
	pending map[Key]struct{}
	started bool
	stopped bool
}

// NewRefresher creates a refresher. Jobs are queued but not run until Start.
func NewRefresher(cfg RefresherConfig, metrics *Metrics) *Refresher {
	def := DefaultRefresherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	r := &Refresher{
		config:  cfg,
		metrics: metrics,
		log:     logging.GetDefault().Component("refresher"),
		queue:   make(chan job, cfg.QueueSize),
		quit:    make(chan struct{}),
		pending: make(map[Key]struct{}),
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// Start launches the workers.
func (r *Refresher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true

	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.log.Info("Refresher started", "workers", r.config.Workers, "queue", r.config.QueueSize)
}

// Stop stops accepting jobs. Running jobs finish; queued ones are dropped.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	close(r.quit)
	if !started {
		r.drain()
	}
	r.log.Info("Refresher stopped")
}

// Wait blocks until every worker has exited after Stop.
func (r *Refresher) Wait() {
	r.wg.Wait()
}

// WaitIdle blocks until no job is queued or running.
func (r *Refresher) WaitIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.pending) > 0 {
		r.idle.Wait()
	}
}

// Pending reports whether a job for key is queued or running.
func (r *Refresher) Pending(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[key]
	return ok
}

// Enqueue schedules fn for key. It returns false when the request was
// absorbed by a pending job for the same key, or dropped.
func (r *Refresher) Enqueue(key Key, fn RefreshFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		r.metrics.Refreshes.WithLabelValues(key.Kind, refreshDropped).Inc()
		return false
	}
	if _, ok := r.pending[key]; ok {
		r.metrics.Deduplicated.Inc()
		r.log.Debug("Refresh already pending", "key", key)
		return false
	}

	j := job{id: uuid.NewString(), key: key, fn: fn}
	select {
	case r.queue <- j:
		r.pending[key] = struct{}{}
		r.metrics.QueueDepth.Set(float64(len(r.queue)))
		return true
	default:
		r.metrics.Refreshes.WithLabelValues(key.Kind, refreshDropped).Inc()
		r.log.Warn("Refresh queue full, dropping request", "key", key)
		return false
	}
}

func (r *Refresher) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.quit:
			r.drain()
			return
		case j := <-r.queue:
			r.metrics.QueueDepth.Set(float64(len(r.queue)))
			r.run(j)
		}
	}
}

func (r *Refresher) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()

	start := time.Now()
	err := r.safeCall(ctx, j)
	r.metrics.RefreshDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		r.metrics.Refreshes.WithLabelValues(j.key.Kind, refreshFailed).Inc()
		r.log.Warn("Refresh failed", "key", j.key, "job", j.id, "error", err)
	} else {
		r.metrics.Refreshes.WithLabelValues(j.key.Kind, refreshOK).Inc()
		r.log.Debug("Refresh complete", "key", j.key, "job", j.id, "took", time.Since(start))
	}
	r.finish(j.key)
}

func (r *Refresher) safeCall(ctx context.Context, j job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Refresh panicked", "key", j.key, "job", j.id, "panic", p)
			err = errPanicked
		}
	}()
	return j.fn(ctx)
}

// drain drops whatever is still queued.
func (r *Refresher) drain() {
	for {
		select {
		case j := <-r.queue:
			r.metrics.Refreshes.WithLabelValues(j.key.Kind, refreshDropped).Inc()
			r.finish(j.key)
		default:
			r.metrics.QueueDepth.Set(0)
			return
		}
	}
}

func (r *Refresher) finish(key Key) {
	r.mu.Lock()
	delete(r.pending, key)
	if len(r.pending) == 0 {
		r.idle.Broadcast()
	}
	r.mu.Unlock()
}
