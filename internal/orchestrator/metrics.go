package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the orchestrator.
type Metrics struct {
	GateDecisionsTotal *prometheus.CounterVec
	RunsTotal          *prometheus.CounterVec
	ToolDuration       *prometheus.HistogramVec
	ApprovalsPending   prometheus.Gauge
}

// NewMetrics registers the orchestrator metrics on the default registry
// once per process.
//
// Metrics:
//   - gatewarden_gate_decisions_total{gate,decision}
//   - gatewarden_runs_total{outcome}
//   - gatewarden_tool_duration_seconds{tool}
//   - gatewarden_approvals_pending
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			GateDecisionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gatewarden_gate_decisions_total",
					Help: "Gate evaluations recorded, by gate and decision",
				},
				[]string{"gate", "decision"},
			),
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gatewarden_runs_total",
					Help: "Runs that reached a terminal state, by outcome",
				},
				[]string{"outcome"},
			),
			ToolDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "gatewarden_tool_duration_seconds",
					Help:    "Tool invocation latency in seconds",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
				},
				[]string{"tool"},
			),
			ApprovalsPending: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "gatewarden_approvals_pending",
					Help: "Approval requests awaiting a human",
				},
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) recordDecision(gate, decision string) {
	m.GateDecisionsTotal.WithLabelValues(gate, decision).Inc()
}

func (m *Metrics) recordRun(outcome Outcome) {
	m.RunsTotal.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) observeTool(tool string, seconds float64) {
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
}

func (m *Metrics) setPending(n int) {
	m.ApprovalsPending.Set(float64(n))
}
