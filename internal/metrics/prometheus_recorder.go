// Package metrics provides the Prometheus recorder consumed by the pipeline
// dispatchers and the OpenTelemetry tracer provider.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/weftworks/loom/pkg/support/logger"
)

// PrometheusRecorder implements dispatcher.Recorder on a private registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	itemCompletedCounter *prometheus.CounterVec
	itemFailedCounter    *prometheus.CounterVec
	itemSweptCounter     *prometheus.CounterVec
	runFinalizedCounter  *prometheus.CounterVec
}

// NewPrometheusRecorder creates the recorder and registers its collectors.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		itemCompletedCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_pipeline_items_completed_total",
			Help: "Total items completed by pipeline kind.",
		}, []string{"kind"}),
		itemFailedCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_pipeline_items_failed_total",
			Help: "Total item attempts failed by pipeline kind.",
		}, []string{"kind"}),
		itemSweptCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_pipeline_items_swept_total",
			Help: "Total stale items swept back to pending by pipeline kind.",
		}, []string{"kind"}),
		runFinalizedCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_pipeline_runs_finalized_total",
			Help: "Total runs finalized by pipeline kind and final status.",
		}, []string{"kind", "status"}),
	}

	registry.MustRegister(r.itemCompletedCounter)
	registry.MustRegister(r.itemFailedCounter)
	registry.MustRegister(r.itemSweptCounter)
	registry.MustRegister(r.runFinalizedCounter)
	return r
}

// GetRegistry returns the Prometheus registry for the metrics endpoint.
func (r *PrometheusRecorder) GetRegistry() *prometheus.Registry {
	return r.registry
}

// ItemCompleted records one completed item.
func (r *PrometheusRecorder) ItemCompleted(kind string) {
	r.itemCompletedCounter.WithLabelValues(kind).Inc()
}

// ItemFailed records one failed item attempt.
func (r *PrometheusRecorder) ItemFailed(kind string) {
	r.itemFailedCounter.WithLabelValues(kind).Inc()
}

// ItemSwept records items returned to pending by a sweep.
func (r *PrometheusRecorder) ItemSwept(kind string, n int) {
	r.itemSweptCounter.WithLabelValues(kind).Add(float64(n))
	logger.Debugf("Metrics: %d %s items swept back to pending.", n, kind)
}

// RunFinalized records one run reaching a final status.
func (r *PrometheusRecorder) RunFinalized(kind, status string) {
	r.runFinalizedCounter.WithLabelValues(kind, status).Inc()
}
