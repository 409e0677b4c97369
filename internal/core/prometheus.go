package core

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder exports engine operation latencies and event counters
// to a Prometheus registry.
type PrometheusMetricsRecorder struct {
	durations *prometheus.HistogramVec
	results   *prometheus.CounterVec
	events    *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder registers the engine collectors on reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PrometheusMetricsRecorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "replaycore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of replay engine operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"operation"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replaycore",
			Name:      "operations_total",
			Help:      "Replay engine operations by outcome.",
		}, []string{"operation", "status"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replaycore",
			Name:      "events_total",
			Help:      "Replay engine event counters.",
		}, []string{"event"}),
	}
	for _, c := range []prometheus.Collector{r.durations, r.results, r.events} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe records an engine operation outcome.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
	r.results.WithLabelValues(operation, outcome(success)).Inc()
}

// Add increments a named event counter. Negative deltas are ignored since
// Prometheus counters are monotonic.
func (r *PrometheusMetricsRecorder) Add(_ context.Context, counter string, delta float64) {
	counter = strings.TrimSpace(counter)
	if counter == "" || delta < 0 {
		return
	}
	r.events.WithLabelValues(counter).Add(delta)
}
