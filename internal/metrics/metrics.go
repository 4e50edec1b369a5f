// Package metrics provides Prometheus metrics for the execution core.
package metrics

import (
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. Every method is safe on a nil
// receiver so components can run without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	// Oracle
	ConsensusRequests *prometheus.CounterVec
	SourceErrors      *prometheus.CounterVec

	// Gas
	GasMaxFee *prometheus.GaugeVec

	// Executor
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	StageTransitions  *prometheus.CounterVec
	Attempts          prometheus.Histogram

	// Orchestrator
	Cycles              *prometheus.CounterVec
	CycleDuration       prometheus.Histogram
	CycleFailureRatio   prometheus.Gauge
	Discarded           prometheus.Counter
	BreakerOpen         prometheus.Gauge
	ConsecutiveFailures prometheus.Gauge
	InFlight            *prometheus.GaugeVec

	// Sinks
	SinkDrops  *prometheus.CounterVec
	SinkErrors *prometheus.CounterVec
}

// New registers every collector on a fresh registry under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "arbengine"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConsensusRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "consensus_requests_total",
			Help:      "Consensus requests by pair and outcome",
		}, []string{"pair", "outcome"}),
		SourceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "source_rejections_total",
			Help:      "Oracle answers excluded from consensus by source and reason",
		}, []string{"source", "reason"}),

		GasMaxFee: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gas",
			Name:      "max_fee_gwei",
			Help:      "Last recommended max fee per gas in gwei",
		}, []string{"chain", "strategy"}),

		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Executions by chain, status and error kind",
		}, []string{"chain", "status", "kind"}),
		ExecutionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of a single execution",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"chain"}),
		StageTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "stage_transitions_total",
			Help:      "Executor state machine stage entries",
		}, []string{"stage"}),
		Attempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "attempts",
			Help:      "Attempts spent per execution",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),

		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "cycles_total",
			Help:      "Orchestrator cycles by outcome",
		}, []string{"outcome"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one orchestrator cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		CycleFailureRatio: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "failure_ratio",
			Help:      "Failure ratio of the last non-empty cycle",
		}),
		Discarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "discarded_total",
			Help:      "Opportunities dropped before dispatch",
		}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "circuit_breaker_open",
			Help:      "1 while the circuit breaker is open",
		}),
		ConsecutiveFailures: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "consecutive_failures",
			Help:      "Consecutive high-failure cycles",
		}),
		InFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "in_flight",
			Help:      "Executions currently running per chain",
		}, []string{"chain"}),

		SinkDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "dropped_total",
			Help:      "Batch results dropped because a sink queue was full",
		}, []string{"sink"}),
		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "errors_total",
			Help:      "Sink emit failures",
		}, []string{"sink"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordConsensus(pair, outcome string) {
	if m == nil {
		return
	}
	m.ConsensusRequests.WithLabelValues(pair, outcome).Inc()
}

func (m *Metrics) RecordSourceRejection(source, reason string) {
	if m == nil {
		return
	}
	m.SourceErrors.WithLabelValues(source, reason).Inc()
}

// RecordGas stores the recommended max fee, converted from wei to gwei.
func (m *Metrics) RecordGas(chain, strategy string, maxFeeWei *big.Int) {
	if m == nil || maxFeeWei == nil {
		return
	}
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(maxFeeWei), big.NewFloat(1e9)).Float64()
	m.GasMaxFee.WithLabelValues(chain, strategy).Set(gwei)
}

func (m *Metrics) RecordStage(stage string) {
	if m == nil {
		return
	}
	m.StageTransitions.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordExecution(chain, status, kind string, attempts int, took time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "none"
	}
	m.Executions.WithLabelValues(chain, status, kind).Inc()
	m.ExecutionDuration.WithLabelValues(chain).Observe(took.Seconds())
	m.Attempts.Observe(float64(attempts))
}

func (m *Metrics) RecordCycle(outcome string, ratio float64, discarded int, took time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(took.Seconds())
	if outcome == "completed" {
		m.CycleFailureRatio.Set(ratio)
	}
	m.Discarded.Add(float64(discarded))
}

func (m *Metrics) SetBreaker(open bool, consecutive int) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerOpen.Set(v)
	m.ConsecutiveFailures.Set(float64(consecutive))
}

func (m *Metrics) AddInFlight(chain string, delta float64) {
	if m == nil {
		return
	}
	m.InFlight.WithLabelValues(chain).Add(delta)
}

func (m *Metrics) RecordSinkDrop(sink string) {
	if m == nil {
		return
	}
	m.SinkDrops.WithLabelValues(sink).Inc()
}

func (m *Metrics) RecordSinkError(sink string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink).Inc()
}
