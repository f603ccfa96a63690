// Package metrics exposes Prometheus collectors for rack runs and responses.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/thommahoney/fast-rack/internal/rack"
)

// Metrics groups the gateway collectors. It satisfies rack.Observer.
type Metrics struct {
	runsTotal      *prometheus.CounterVec
	retriesTotal   prometheus.Counter
	runDuration    *prometheus.HistogramVec
	runPasses      prometheus.Histogram
	responsesTotal *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rack_runs_total",
				Help: "Total number of rack runs by result",
			},
			[]string{"result"},
		),
		retriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rack_retries_total",
			Help: "Total number of pipeline restarts requested by middleware",
		}),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_rack_run_duration_seconds",
				Help:    "Rack run duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		runPasses: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_rack_run_passes",
			Help:    "Number of pipeline passes per run",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),
		responsesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_responses_total",
				Help: "Total number of responses by method, route and status code",
			},
			[]string{"method", "route", "status"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open",
			},
			[]string{"name"},
		),
	}
}

// ObserveRun records one finished rack run.
func (m *Metrics) ObserveRun(stats rack.RunStats) {
	result := stats.Result.String()
	m.runsTotal.WithLabelValues(result).Inc()
	m.retriesTotal.Add(float64(stats.Retries))
	m.runDuration.WithLabelValues(result).Observe(stats.Duration.Seconds())
	m.runPasses.Observe(float64(stats.Passes))
}

// ObserveResponse counts a response leaving the pipeline.
func (m *Metrics) ObserveResponse(method, route string, status int) {
	m.responsesTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// SetBreakerState publishes the numeric state of a named circuit breaker.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.breakerState.WithLabelValues(name).Set(float64(state))
}
