package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthChecker manages liveness and readiness state for both the HTTP probes
// (/healthz, /readyz) and the gRPC health service.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	grpc      *health.Server
}

// NewHealthChecker creates a health checker that starts out not ready.
func NewHealthChecker() *HealthChecker {
	h := &HealthChecker{
		startTime: time.Now(),
		grpc:      health.NewServer(),
	}
	h.grpc.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	h.grpc.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// SetReady flips readiness and mirrors it to the gRPC health service.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.grpc.SetServingStatus(ServiceName, status)
	h.grpc.SetServingStatus("", status)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// GRPCServer returns the health service to register on a grpc.Server.
func (h *HealthChecker) GRPCServer() *health.Server {
	return h.grpc
}

// Shutdown marks every service NOT_SERVING so watchers drain.
func (h *HealthChecker) Shutdown() {
	h.ready.Store(false)
	h.grpc.Shutdown()
}

// LivenessHandler always returns 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 once recovery is complete and both Postgres
// and NATS are connected, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.ready.Load() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "not_ready",
	})
}
