package monitoring

import (
	"net/http"
	"time"

	"inference-orchestrator/core/breaker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsExporter exports job and breaker metrics for Prometheus
type MetricsExporter struct {
	gatherer        prometheus.Gatherer
	jobs            *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
	breakerFailures *prometheus.GaugeVec
}

// NewMetricsExporter registers the metrics on a fresh registry
func NewMetricsExporter() *MetricsExporter {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &MetricsExporter{
		gatherer: reg,
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_jobs_total",
			Help: "Jobs finished, by kind and final status",
		}, []string{"kind", "status"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inference_job_duration_seconds",
			Help:    "Wall clock time spent running a job",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inference_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		}, []string{"breaker"}),
		breakerFailures: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inference_breaker_failures",
			Help: "Consecutive failures counted by the breaker",
		}, []string{"breaker"}),
	}
}

// ObserveJob records a finished job
func (me *MetricsExporter) ObserveJob(kind, status string, elapsed time.Duration) {
	me.jobs.WithLabelValues(kind, status).Inc()
	me.jobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveBreaker records a breaker change. It satisfies breaker.Listener.
func (me *MetricsExporter) ObserveBreaker(name string, state breaker.State, failures int64) {
	var v float64
	switch state {
	case breaker.StateHalfOpen:
		v = 1
	case breaker.StateOpen:
		v = 2
	}
	me.breakerState.WithLabelValues(name).Set(v)
	me.breakerFailures.WithLabelValues(name).Set(float64(failures))
}

// Handler serves the metrics in the Prometheus exposition format
func (me *MetricsExporter) Handler() http.Handler {
	return promhttp.HandlerFor(me.gatherer, promhttp.HandlerOpts{})
}
