// Package health exposes Kubernetes-style liveness and readiness probes for
// the messaging server.
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wiremesh/wiremesh/internal/v1/kernel"
)

// Handler manages health check endpoints
type Handler struct {
	kernel *kernel.Kernel
}

// NewHandler creates a new health check handler
func NewHandler(k *kernel.Kernel) *Handler {
	return &Handler{kernel: k}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Clients   int               `json:"clients"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 once the kernel and its transports are started, 503 otherwise
func (h *Handler) Readiness(c *gin.Context) {
	checks := make(map[string]string)

	status := "ready"
	statusCode := http.StatusOK
	if h.kernel.Running() {
		checks["kernel"] = "healthy"
	} else {
		checks["kernel"] = "unhealthy"
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Clients:   h.kernel.Presence().Count(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
