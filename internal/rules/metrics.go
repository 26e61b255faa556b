package rules

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for rule extraction.
type Metrics struct {
	RulesExtracted   *prometheus.CounterVec
	ServiceFailures  prometheus.Counter
	ConflictsPending prometheus.Gauge
}

// NewMetrics registers the extraction metrics once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RulesExtracted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gatewarden_rules_extracted_total",
					Help: "Rules produced by extraction, by method",
				},
				[]string{"method"},
			),
			ServiceFailures: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "gatewarden_extraction_service_failures_total",
					Help: "Primary extraction attempts that fell back",
				},
			),
			ConflictsPending: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "gatewarden_conflicts_unresolved",
					Help: "Detected conflicts without a human resolution",
				},
			),
		}
	})
	return globalMetrics
}
