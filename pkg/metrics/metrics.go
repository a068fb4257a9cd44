// Package metrics defines the Prometheus metric collectors used across the
// pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	RPCRequestsTotal       *prometheus.CounterVec
	RPCRequestDuration     *prometheus.HistogramVec
	RPCRequestsInFlight    prometheus.Gauge
	EMIterationsTotal      *prometheus.CounterVec
	EMLogLikelihood        *prometheus.HistogramVec
	EMRestartsTotal        prometheus.Counter
	BaumWelchIterations    *prometheus.HistogramVec
	BaumWelchDuration      *prometheus.HistogramVec
	ViterbiDuration        *prometheus.HistogramVec
	NumericalDegeneracies  *prometheus.CounterVec
	PartitionsFittedTotal  prometheus.Counter
	CacheHitsTotal         prometheus.Counter
	CacheMissesTotal       prometheus.Counter
	DegeneracyBreakerState *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		RPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpc_requests_total",
				Help: "Total number of RPC requests by method and status.",
			},
			[]string{"method", "status"},
		),
		RPCRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rpc_request_duration_seconds",
				Help:    "RPC request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method"},
		),
		RPCRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rpc_requests_in_flight",
				Help: "Number of RPC requests currently being processed.",
			},
		),
		EMIterationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "em_iterations_total",
				Help: "Total EM iterations run, by partition and whether the run converged.",
			},
			[]string{"partition_id", "converged"},
		),
		EMLogLikelihood: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "em_log_likelihood",
				Help:    "Best EM log-likelihood achieved per partition fit.",
				Buckets: prometheus.LinearBuckets(-20, 2, 11),
			},
			[]string{"partition_id"},
		),
		EMRestartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "em_restarts_total",
				Help: "Total independent EM restarts executed across all partitions.",
			},
		),
		BaumWelchIterations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "baum_welch_iterations",
				Help:    "Number of Baum-Welch iterations until convergence or budget exhaustion.",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 200},
			},
			[]string{"mode"},
		),
		BaumWelchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "baum_welch_duration_seconds",
				Help:    "Wall-clock duration of a full Baum-Welch training run.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"mode"},
		),
		ViterbiDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "viterbi_duration_seconds",
				Help:    "Wall-clock duration of a full Viterbi decode.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"mode"},
		),
		NumericalDegeneracies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "numerical_degeneracies_total",
				Help: "Total numerical-degeneracy events observed, by stage.",
			},
			[]string{"stage"},
		),
		PartitionsFittedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "partitions_fitted_total",
				Help: "Total time partitions successfully fit end to end.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of result-cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of result-cache misses.",
			},
		),
		DegeneracyBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "degeneracy_breaker_state",
				Help: "Degeneracy breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	prometheus.MustRegister(
		m.RPCRequestsTotal,
		m.RPCRequestDuration,
		m.RPCRequestsInFlight,
		m.EMIterationsTotal,
		m.EMLogLikelihood,
		m.EMRestartsTotal,
		m.BaumWelchIterations,
		m.BaumWelchDuration,
		m.ViterbiDuration,
		m.NumericalDegeneracies,
		m.PartitionsFittedTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DegeneracyBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
