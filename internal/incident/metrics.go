package incident

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for incident sync.
type Metrics struct {
	SyncsTotal     *prometheus.CounterVec
	SyncDuration   *prometheus.HistogramVec
	NotifyFailures prometheus.Counter
}

// NewMetrics registers and returns incident metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ekarasync_syncs_total",
			Help: "Total alert syncs by outcome.",
		}, []string{"outcome"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ekarasync_sync_duration_seconds",
			Help:    "Duration of alert syncs in seconds, including store calls.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}, []string{"outcome"}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ekarasync_notify_failures_total",
			Help: "Total notifier calls that returned an error.",
		}),
	}

	reg.MustRegister(
		m.SyncsTotal,
		m.SyncDuration,
		m.NotifyFailures,
	)

	return m
}

func (m *Metrics) observeSync(outcome Outcome, dur time.Duration) {
	if m == nil {
		return
	}
	m.SyncsTotal.WithLabelValues(string(outcome)).Inc()
	m.SyncDuration.WithLabelValues(string(outcome)).Observe(dur.Seconds())
}

func (m *Metrics) incNotifyFailure() {
	if m == nil {
		return
	}
	m.NotifyFailures.Inc()
}
