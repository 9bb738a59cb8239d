package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	SetBuildInfo("orchestrator", "1.0.0")
	RecordInferenceRequest("m1", true)
	RecordInferenceRequest("m1", false)
	RecordWorkerRequest("w1", true)
	RecordWorkerProcessingTime("w1", 100*time.Millisecond)
	SetWorkerInFlight("w1", 3)
	SetWorkerHealthy("w1", false)
	RecordRateLimited()

	if v := testutil.ToFloat64(inferenceRequests.WithLabelValues("m1", "success")); v != 1 {
		t.Fatalf("inference success: %v", v)
	}
	if v := testutil.ToFloat64(inferenceRequests.WithLabelValues("m1", "error")); v != 1 {
		t.Fatalf("inference error: %v", v)
	}
	if v := testutil.ToFloat64(workerProcessing.WithLabelValues("w1")); v != 0.1 {
		t.Fatalf("worker processing: %v", v)
	}
	if v := testutil.ToFloat64(workerInFlight.WithLabelValues("w1")); v != 3 {
		t.Fatalf("in flight: %v", v)
	}
	if v := testutil.ToFloat64(workerHealth.WithLabelValues("w1")); v != 0 {
		t.Fatalf("health: %v", v)
	}
	if v := testutil.ToFloat64(rateLimited); v != 1 {
		t.Fatalf("rate limited: %v", v)
	}
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("orchestrator", "1.0.0")); v != 1 {
		t.Fatalf("build info: %v", v)
	}
}
