package cache

import "github.com/prometheus/client_golang/prometheus"

// Read outcomes.
const (
	readHit   = "hit"
	readMiss  = "miss"
	readStale = "stale"
)

// Refresh outcomes.
const (
	refreshOK      = "ok"
	refreshFailed  = "failed"
	refreshDropped = "dropped"
)

// Metrics are the cache and refresher collectors.
type Metrics struct {
	Reads           *prometheus.CounterVec
	Refreshes       *prometheus.CounterVec
	Deduplicated    prometheus.Counter
	QueueDepth      prometheus.Gauge
	RefreshDuration prometheus.Histogram
}

// NewMetrics builds the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "klingwallet",
			Subsystem: "cache",
			Name:      "reads_total",
			Help:      "Cache reads by data kind and outcome (hit, miss, stale).",
		}, []string{"kind", "outcome"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "klingwallet",
			Subsystem: "cache",
			Name:      "refreshes_total",
			Help:      "Background refreshes by data kind and outcome (ok, failed, dropped).",
		}, []string{"kind", "outcome"}),
		Deduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "klingwallet",
			Subsystem: "cache",
			Name:      "refreshes_deduplicated_total",
			Help:      "Refresh requests absorbed by one already queued or running.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "klingwallet",
			Subsystem: "cache",
			Name:      "refresh_queue_depth",
			Help:      "Refresh jobs waiting for a worker.",
		}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "klingwallet",
			Subsystem: "cache",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of background refresh jobs.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Reads, m.Refreshes, m.Deduplicated, m.QueueDepth, m.RefreshDuration)
	}
	return m
}
