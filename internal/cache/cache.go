package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/klingon-exchange/klingon-wallet/pkg/logging"
)

// DefaultLifetime is the age after which an entry is stale.
const DefaultLifetime = 5 * time.Minute

var errPanicked = errors.New("refresh panicked")

// State is the freshness of a read.
type State int

const (
	Missing State = iota
	Fresh
	Stale
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Cache couples the file store with the refresher.
type Cache struct {
	store     *FileStore
	refresher *Refresher
	metrics   *Metrics
	lifetime  time.Duration
	log       *logging.Logger
	now       func() time.Time
}

// New creates a cache. A zero lifetime selects DefaultLifetime.
func New(store *FileStore, refresher *Refresher, metrics *Metrics, lifetime time.Duration) *Cache {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Cache{
		store:     store,
		refresher: refresher,
		metrics:   metrics,
		lifetime:  lifetime,
		log:       logging.GetDefault().Component("cache"),
		now:       time.Now,
	}
}

// Store returns the underlying file store.
func (c *Cache) Store() *FileStore { return c.store }

// Refresher returns the refresh scheduler.
func (c *Cache) Refresher() *Refresher { return c.refresher }

// Lifetime returns the freshness window.
func (c *Cache) Lifetime() time.Duration { return c.lifetime }

// Get returns the cached value for key without touching the network.
//
// Absent entry: placeholder is persisted with a zero timestamp (so it reads
// as stale from then on), returned, and a refresh is scheduled. Stale entry:
// returned as-is and a refresh is scheduled. Fresh entry: returned as-is.
// The refresh calls fetch with a detached context, overwrites the entry on
// success and then calls onRefreshed (which may be nil).
func Get[T any](c *Cache, key Key, placeholder T, fetch func(ctx context.Context) (T, error), onRefreshed func(T)) (T, State) {
	doc, err := c.store.Read(key)
	if err != nil {
		c.log.Warn("Cache read failed, treating as miss", "key", key, "error", err)
		doc = nil
	}

	if doc != nil {
		var v T
		if err := json.Unmarshal(doc.Payload, &v); err != nil {
			c.store.Quarantine(key, err)
		} else if c.fresh(doc.TimestampUTC) {
			c.metrics.Reads.WithLabelValues(key.Kind, readHit).Inc()
			return v, Fresh
		} else {
			c.metrics.Reads.WithLabelValues(key.Kind, readStale).Inc()
			Refresh(c, key, fetch, onRefreshed)
			return v, Stale
		}
	}

	c.metrics.Reads.WithLabelValues(key.Kind, readMiss).Inc()
	if err := c.store.Write(key, placeholder, time.Time{}); err != nil {
		c.log.Warn("Failed to persist placeholder", "key", key, "error", err)
	}
	Refresh(c, key, fetch, onRefreshed)
	return placeholder, Missing
}

// fresh reports whether an entry written at ts is younger than the
// lifetime. Timestamps from the future (clock skew) are stale.
func (c *Cache) fresh(ts time.Time) bool {
	now := c.now()
	if ts.After(now) {
		return false
	}
	return now.Sub(ts) < c.lifetime
}

// Refresh schedules a background refresh of key. It reports whether a new
// job was queued.
func Refresh[T any](c *Cache, key Key, fetch func(ctx context.Context) (T, error), onRefreshed func(T)) bool {
	return c.refresher.Enqueue(key, func(ctx context.Context) error {
		v, err := fetch(ctx)
		if err != nil {
			return err
		}
		if err := c.store.Write(key, v, c.now()); err != nil {
			return err
		}
		if onRefreshed != nil {
			onRefreshed(v)
		}
		return nil
	})
}

// Put stores v as a fresh entry.
func Put[T any](c *Cache, key Key, v T) error {
	return c.store.Write(key, v, c.now())
}
