package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "infermesh_build_info",
			Help: "Build information",
		},
		[]string{"component", "version"},
	)

	inferenceRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infermesh_inference_requests_total",
			Help: "Number of inference requests per model",
		},
		[]string{"model", "outcome"},
	)

	workerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infermesh_worker_requests_total",
			Help: "Number of inference requests routed per worker",
		},
		[]string{"worker_id", "outcome"},
	)

	workerProcessing = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infermesh_worker_processing_seconds_total",
			Help: "Total processing time per worker",
		},
		[]string{"worker_id"},
	)

	workerInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "infermesh_worker_in_flight",
			Help: "In-flight inference requests per worker",
		},
		[]string{"worker_id"},
	)

	workerHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "infermesh_worker_healthy",
			Help: "Worker health status (1 healthy, 0 unhealthy)",
		},
		[]string{"worker_id"},
	)

	modelsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "infermesh_models_loaded",
			Help: "Models currently loaded on this worker",
		},
	)

	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "infermesh_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "infermesh_request_duration_seconds",
			Help:    "Inference request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"worker_id", "model"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, inferenceRequests, workerRequests, workerProcessing,
		workerInFlight, workerHealth, modelsLoaded, rateLimited, requestDuration)
}

// SetBuildInfo sets the build info metric for a component.
func SetBuildInfo(component, version string) {
	buildInfo.WithLabelValues(component, version).Set(1)
}

// RecordInferenceRequest increments the per-model request counter.
func RecordInferenceRequest(model string, success bool) {
	inferenceRequests.WithLabelValues(model, outcome(success)).Inc()
}

// RecordWorkerRequest increments the per-worker request counter.
func RecordWorkerRequest(workerID string, success bool) {
	workerRequests.WithLabelValues(workerID, outcome(success)).Inc()
}

// RecordWorkerProcessingTime accumulates processing time for a worker.
func RecordWorkerProcessingTime(workerID string, d time.Duration) {
	workerProcessing.WithLabelValues(workerID).Add(d.Seconds())
}

// SetWorkerInFlight sets the in-flight gauge for a worker.
func SetWorkerInFlight(workerID string, n int) {
	workerInFlight.WithLabelValues(workerID).Set(float64(n))
}

// SetWorkerHealthy sets the health gauge for a worker.
func SetWorkerHealthy(workerID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	workerHealth.WithLabelValues(workerID).Set(v)
}

// SetModelsLoaded sets the loaded-model gauge.
func SetModelsLoaded(n int) {
	modelsLoaded.Set(float64(n))
}

// RecordRateLimited counts a rejected request.
func RecordRateLimited() {
	rateLimited.Inc()
}

// ObserveRequestDuration records the duration of a routed request.
func ObserveRequestDuration(workerID, model string, d time.Duration) {
	requestDuration.WithLabelValues(workerID, model).Observe(d.Seconds())
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
