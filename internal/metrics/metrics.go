// Package metrics holds the Prometheus collectors exported by a reconciliation
// run. A run is a batch job, so the collectors live in their own registry and
// are flushed to a node_exporter textfile at the end instead of being scraped.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ledger_reconciler"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RPCCalls        *prometheus.CounterVec
	RPCErrors       *prometheus.CounterVec
	RateLimited     prometheus.Counter
	Retries         prometheus.Counter
	LinesProcessed  *prometheus.CounterVec
	SagaStepFailure *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	LastRunSuccess  *prometheus.GaugeVec
}

// New creates the collectors and registers them in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RPCCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Remote calls issued, by model and method.",
		}, []string{"model", "method"}),
		RPCErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_errors_total",
			Help:      "Remote calls that ultimately failed, by error class.",
		}, []string{"class"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_rate_limited_total",
			Help:      "Responses with HTTP 429 from the accounting service.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_retries_total",
			Help:      "Calls retried after a rate-limit response.",
		}),
		LinesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bank_lines_processed_total",
			Help:      "Bank statement lines processed, by outcome.",
		}, []string{"outcome"}),
		SagaStepFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_step_failures_total",
			Help:      "Saga steps that failed and were absorbed, by step.",
		}, []string{"step"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a reconciliation run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		LastRunSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 when the last run of a configuration completed, 0 when it failed.",
		}, []string{"config"}),
	}

	m.registry.MustRegister(
		m.RPCCalls,
		m.RPCErrors,
		m.RateLimited,
		m.Retries,
		m.LinesProcessed,
		m.SagaStepFailure,
		m.RunDuration,
		m.LastRunSuccess,
	)
	return m
}

// Registry exposes the registry, mostly for tests and the textfile writer.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the current values in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) ObserveCall(model, method string) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(model, method).Inc()
}

func (m *Metrics) ObserveCallError(class string) {
	if m == nil {
		return
	}
	m.RPCErrors.WithLabelValues(class).Inc()
}

func (m *Metrics) ObserveRateLimited(retrying bool) {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
	if retrying {
		m.Retries.Inc()
	}
}

func (m *Metrics) ObserveLine(reconciled bool) {
	if m == nil {
		return
	}
	outcome := "unreconciled"
	if reconciled {
		outcome = "reconciled"
	}
	m.LinesProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStepFailure(step string) {
	if m == nil {
		return
	}
	m.SagaStepFailure.WithLabelValues(step).Inc()
}

func (m *Metrics) ObserveRun(config string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(elapsed.Seconds())
	success := 1.0
	if err != nil {
		success = 0
	}
	m.LastRunSuccess.WithLabelValues(config).Set(success)
}
