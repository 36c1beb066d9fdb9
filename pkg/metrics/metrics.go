// Package metrics exposes reconciliation counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ngitrack"

// Transition results.
const (
	ResultDeleted  = "deleted"
	ResultRetained = "retained"
	ResultError    = "error"
)

// Recorder collects reconciliation metrics on its own registry.
//
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	passes       prometheus.Counter
	passDuration prometheus.Histogram
	transitions  *prometheus.CounterVec
	tracked      *prometheus.GaugeVec
	lastPass     prometheus.Gauge
}

// New builds a Recorder with process and Go runtime collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Reconciliation passes completed.",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Wall time of a reconciliation pass.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Per-record transitions by record kind, probed outcome and local result.",
		}, []string{"kind", "outcome", "result"}),
		tracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_records",
			Help:      "Records found in the tracking store at the start of the last pass.",
		}, []string{"kind"}),
		lastPass: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_pass_timestamp_seconds",
			Help:      "Unix time the last pass finished.",
		}),
	}

	r.registry.MustRegister(
		r.passes,
		r.passDuration,
		r.transitions,
		r.tracked,
		r.lastPass,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObservePass records one finished pass.
func (r *Recorder) ObservePass(elapsed time.Duration, finished time.Time) {
	if r == nil {
		return
	}
	r.passes.Inc()
	r.passDuration.Observe(elapsed.Seconds())
	r.lastPass.Set(float64(finished.Unix()))
}

// ObserveTransition counts one record transition.
func (r *Recorder) ObserveTransition(kind, outcome, result string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(kind, outcome, result).Inc()
}

// SetTracked records how many records of a kind a pass scanned.
func (r *Recorder) SetTracked(kind string, n int) {
	if r == nil {
		return
	}
	r.tracked.WithLabelValues(kind).Set(float64(n))
}
