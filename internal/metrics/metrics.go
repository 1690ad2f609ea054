// Package metrics exposes Prometheus collectors for the eval service.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry     *prometheus.Registry
	evalsTotal   *prometheus.CounterVec
	evalDuration prometheus.Histogram
}

// New builds the registry. queueDepth and inflightFetches are sampled at
// scrape time.
func New(queueDepth, inflightFetches func() float64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "potat_eval_requests_total",
			Help: "Completed eval requests by HTTP status.",
		}, []string{"status"}),
		evalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "potat_eval_duration_seconds",
			Help:    "End-to-end eval request duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.evalsTotal,
		m.evalDuration,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "potat_eval_queue_depth",
			Help: "Evaluations waiting in the admission queue.",
		}, queueDepth),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "potat_eval_inflight_fetches",
			Help: "Outbound guest requests currently in flight.",
		}, inflightFetches),
	)
	return m
}

// ObserveEval records one completed request.
func (m *Metrics) ObserveEval(status int, seconds float64) {
	m.evalsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	m.evalDuration.Observe(seconds)
}

// Handler serves the exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
