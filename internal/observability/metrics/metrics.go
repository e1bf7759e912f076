// Package metrics provides Prometheus instrumentation for marketforge.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce    sync.Once
	enabled     bool
	serviceName string

	// HTTP metrics
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	// Deployment pipeline metrics
	stepAttemptsTotal  *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	pipelinesTotal     *prometheus.CounterVec
	pipelineDuration   *prometheus.HistogramVec
	pipelinesInFlight  prometheus.Gauge
	progressSubscribed prometheus.Gauge

	// Discovery metrics
	discoverySessions *prometheus.CounterVec
	validationLookups *prometheus.CounterVec
)

// Init initializes the metrics system. Only the first call has any effect.
func Init(enabledFlag bool, svcName string) {
	initOnce.Do(func() {
		enabled = enabledFlag
		serviceName = svcName
		if !enabled {
			return
		}
		register()
	})
}

func register() {
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	stepAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_step_attempts_total",
			Help: "Deployment step attempts by outcome",
		},
		[]string{"mode", "step", "outcome"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deploy_step_duration_seconds",
			Help:    "Duration of a single deployment step attempt",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"mode", "step"},
	)

	pipelinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_pipelines_total",
			Help: "Finished deployment pipelines by terminal status",
		},
		[]string{"mode", "status"},
	)

	pipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deploy_pipeline_duration_seconds",
			Help:    "End-to-end deployment pipeline duration",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)

	pipelinesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deploy_pipelines_in_flight",
		Help: "Deployment pipelines currently running",
	})

	progressSubscribed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "progress_subscribers",
		Help: "Open progress channel subscriptions",
	})

	discoverySessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_sessions_total",
			Help: "Discovery sessions by lifecycle event",
		},
		[]string{"event"},
	)

	validationLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_validation_lookups_total",
			Help: "Validation cache lookups by result",
		},
		[]string{"result"},
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	if !enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.Handler()
}

// Enabled returns whether metrics are enabled.
func Enabled() bool {
	return enabled
}

// ServiceName returns the configured service name for metric labels.
func ServiceName() string {
	return serviceName
}

// RecordStepAttempt records one attempt of a deployment step.
func RecordStepAttempt(mode, step, outcome string, d time.Duration) {
	if !enabled {
		return
	}
	stepAttemptsTotal.WithLabelValues(mode, step, outcome).Inc()
	stepDuration.WithLabelValues(mode, step).Observe(d.Seconds())
}

// PipelineStarted marks a pipeline as running.
func PipelineStarted() {
	if !enabled {
		return
	}
	pipelinesInFlight.Inc()
}

// PipelineFinished records a pipeline's terminal status and duration.
func PipelineFinished(mode, status string, d time.Duration) {
	if !enabled {
		return
	}
	pipelinesInFlight.Dec()
	pipelinesTotal.WithLabelValues(mode, status).Inc()
	pipelineDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// SubscriberDelta adjusts the open progress subscription gauge.
func SubscriberDelta(n int) {
	if !enabled {
		return
	}
	progressSubscribed.Add(float64(n))
}

// RecordDiscoverySession counts a discovery session lifecycle event
// (created, rejected, finalized, expired).
func RecordDiscoverySession(event string) {
	if !enabled {
		return
	}
	discoverySessions.WithLabelValues(event).Inc()
}

// RecordValidationLookup counts a validation cache hit or miss.
func RecordValidationLookup(hit bool) {
	if !enabled {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	validationLookups.WithLabelValues(result).Inc()
}
