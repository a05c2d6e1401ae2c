// Package metrics exposes Prometheus collectors for the mapa client and
// backend.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"labmapa/internal/mapa"
)

const namespace = "mapa"

type Metrics struct {
	registry     *prometheus.Registry
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	rows         *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, together with the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Load, save and vistar calls by outcome.",
		}, []string{"op", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Latency of load, save and vistar calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "row_outcomes_total",
			Help:      "Per-row outcomes of save and vistar batches.",
		}, []string{"op", "outcome"}),
	}
	reg.MustRegister(
		m.calls,
		m.callDuration,
		m.rows,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func outcome(kind mapa.Kind) string {
	if kind == "" {
		return "ok"
	}
	return string(kind)
}

// ObserveCall records one batch-level call.
func (m *Metrics) ObserveCall(op string, kind mapa.Kind, elapsed time.Duration) {
	m.calls.WithLabelValues(op, outcome(kind)).Inc()
	m.callDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveRows records the per-row results of one batch.
func (m *Metrics) ObserveRows(op string, results []mapa.RowResult) {
	for _, res := range results {
		kind := mapa.Kind("")
		if !res.Success {
			kind = res.Erro
			if kind == "" {
				kind = mapa.KindValidationFailed
			}
		}
		m.rows.WithLabelValues(op, outcome(kind)).Inc()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
