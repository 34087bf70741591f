package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Attempt outcomes recorded for every API call.
const (
	OutcomeOK              = "ok"
	OutcomeConnectionError = "connection_error"
	OutcomeDecodeError     = "decode_error"
	OutcomeMissingChoices  = "missing_choices"
	OutcomeCancelled       = "cancelled"
)

// Metrics holds the Prometheus collectors for dataset loading and model calls.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ThrottleWait     *prometheus.HistogramVec
	InputsTotal      *prometheus.CounterVec
	RetriesExhausted *prometheus.CounterVec
	RowsLoaded       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "evalbridge",
				Subsystem: "model",
				Name:      "requests_total",
				Help:      "API attempts by model and outcome",
			},
			[]string{"model", "outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "evalbridge",
				Subsystem: "model",
				Name:      "request_duration_seconds",
				Help:      "Duration of API attempts in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"model"},
		),
		ThrottleWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "evalbridge",
				Subsystem: "model",
				Name:      "throttle_wait_seconds",
				Help:      "Time spent waiting on the per-client throttle",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		InputsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "evalbridge",
				Subsystem: "model",
				Name:      "inputs_total",
				Help:      "Generate inputs by model and status",
			},
			[]string{"model", "status"},
		),
		RetriesExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "evalbridge",
				Subsystem: "model",
				Name:      "retries_exhausted_total",
				Help:      "Inputs that failed after spending the retry budget",
			},
			[]string{"model"},
		),
		RowsLoaded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "evalbridge",
				Subsystem: "dataset",
				Name:      "rows_loaded_total",
				Help:      "Records loaded per dataset and split",
			},
			[]string{"dataset", "split"},
		),
	}
	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ThrottleWait,
		m.InputsTotal,
		m.RetriesExhausted,
		m.RowsLoaded,
	)
	return m
}

// Registry exposes the underlying registry (for tests and extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAttempt records one API attempt.
func (m *Metrics) RecordAttempt(model, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(model, outcome).Inc()
	m.RequestDuration.WithLabelValues(model).Observe(d.Seconds())
}

// RecordThrottleWait records time spent waiting before an attempt.
func (m *Metrics) RecordThrottleWait(model string, d time.Duration) {
	if m == nil {
		return
	}
	m.ThrottleWait.WithLabelValues(model).Observe(d.Seconds())
}

// RecordInput records the final status of one Generate input.
func (m *Metrics) RecordInput(model string, err error, exhausted bool) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.InputsTotal.WithLabelValues(model, status).Inc()
	if exhausted {
		m.RetriesExhausted.WithLabelValues(model).Inc()
	}
}

// RecordRows records how many records a split produced.
func (m *Metrics) RecordRows(dataset, split string, n int) {
	if m == nil {
		return
	}
	m.RowsLoaded.WithLabelValues(dataset, split).Add(float64(n))
}
