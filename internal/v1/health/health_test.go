package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiremesh/wiremesh/internal/v1/kernel"
	"github.com/wiremesh/wiremesh/internal/v1/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
	_ = logging.Initialize(logging.LevelSilent)
}

func newRouter(k *kernel.Kernel) *gin.Engine {
	h := NewHandler(k)
	router := gin.New()
	router.GET("/health/live", h.Liveness)
	router.GET("/health/ready", h.Readiness)
	return router
}

func TestLiveness_AlwaysAlive(t *testing.T) {
	router := newRouter(kernel.New())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestReadiness_FollowsKernelState(t *testing.T) {
	k := kernel.New()
	router := newRouter(k)

	// Not started yet: unavailable.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "unhealthy", resp.Checks["kernel"])

	// Started: ready.
	require.NoError(t, k.Start(context.Background()))
	defer func() { _ = k.Stop(context.Background()) }()

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["kernel"])
	assert.Zero(t, resp.Clients)
}

func TestReadiness_UnavailableAfterStop(t *testing.T) {
	k := kernel.New()
	require.NoError(t, k.Start(context.Background()))
	require.NoError(t, k.Stop(context.Background()))

	router := newRouter(k)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
