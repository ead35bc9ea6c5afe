package repopool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// tickDuration is a Histogram of the time taken by a complete mirror tick
	tickDuration prometheus.Histogram
	// lastTickTimestamp is a Gauge that captures the timestamp of the last tick
	lastTickTimestamp prometheus.Gauge
)

// EnableMetrics will enable metrics collection for mirror ticks.
// Available metrics are...
//   - repo_mirror_tick_duration_seconds
//     A Histogram of the time taken to mirror all repositories once.
//   - repo_mirror_last_tick_timestamp
//     A Gauge that captures the Timestamp of the last completed tick.
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "repo_mirror_tick_duration_seconds",
		Help:      "Time taken to mirror all repositories once",
		Buckets:   []float64{1, 10, 30, 60, 300, 600, 1800, 3600, 7200},
	})

	lastTickTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "repo_mirror_last_tick_timestamp",
		Help:      "Timestamp of the last completed mirror tick",
	})

	registerer.MustRegister(tickDuration, lastTickTimestamp)
}

func recordTick(start time.Time) {
	// if metrics not enabled return
	if tickDuration == nil || lastTickTimestamp == nil {
		return
	}
	tickDuration.Observe(time.Since(start).Seconds())
	lastTickTimestamp.Set(float64(time.Now().Unix()))
}
