package syncer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "outage_sync"

// Metrics exports run outcomes to prometheus.
type Metrics struct {
	runs     *prometheus.CounterVec
	dates    *prometheus.CounterVec
	degraded *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the sync collectors with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_total",
			Help:      "Completed sync runs by mode.",
		}, []string{"mode"}),
		dates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dates_total",
			Help:      "Processed dates by mode and outcome.",
		}, []string{"mode", "outcome"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "source_failures_total",
			Help:      "Source fetches that failed during a run.",
		}, []string{"source"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of sync runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
	}
	for _, collector := range []prometheus.Collector{metrics.runs, metrics.dates, metrics.degraded, metrics.duration} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *Metrics) observe(result RunResult, elapsed time.Duration) {
	if m == nil {
		return
	}
	mode := string(result.Mode)
	m.runs.WithLabelValues(mode).Inc()
	m.duration.WithLabelValues(mode).Observe(elapsed.Seconds())
	for _, detail := range result.Dates {
		m.dates.WithLabelValues(mode, string(detail.Outcome)).Inc()
	}
	for _, report := range result.Sources {
		if report.Degraded {
			m.degraded.WithLabelValues(string(report.Source)).Inc()
		}
	}
}
