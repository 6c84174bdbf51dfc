package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/meshcall/core/internal/v1/bus"
	"github.com/meshcall/core/internal/v1/logging"
	"go.uber.org/zap"
)

// SFUChecker checks the health of the media server / SFU collaborator.
type SFUChecker interface {
	Check(ctx context.Context, addr string) string
}

// DefaultSFUChecker is the default implementation of SFUChecker.
type DefaultSFUChecker struct{}

// Check verifies gRPC connectivity to the media server using the standard
// health check protocol. The core never speaks the SFU's media-plane
// protocol, but every SFU in the pack exposes this readiness surface.
func (c *DefaultSFUChecker) Check(ctx context.Context, addr string) string {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		logging.Error(ctx, "failed to connect to SFU for health check", zap.Error(err), zap.String("addr", addr))
		return "unhealthy"
	}
	defer func() { _ = conn.Close() }()

	healthClient := healthpb.NewHealthClient(conn)

	resp, err := healthClient.Check(ctx, &healthpb.HealthCheckRequest{
		Service: "",
	})
	if err != nil {
		logging.Error(ctx, "SFU health check RPC failed", zap.Error(err))
		return "unhealthy"
	}

	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		logging.Warn(ctx, "SFU is not serving", zap.String("status", resp.Status.String()))
		return "unhealthy"
	}

	return "healthy"
}

// DirectoryChecker checks the health of the external profile/friendship store.
type DirectoryChecker interface {
	Check(ctx context.Context, addr string) string
}

// DefaultDirectoryChecker probes the directory service's HTTP health endpoint.
type DefaultDirectoryChecker struct {
	Client *http.Client
}

// Check performs a GET against the directory service's /healthz endpoint.
func (c *DefaultDirectoryChecker) Check(ctx context.Context, addr string) string {
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/healthz", addr), nil)
	if err != nil {
		return "unhealthy"
	}

	resp, err := client.Do(req)
	if err != nil {
		logging.Error(ctx, "directory health check failed", zap.Error(err), zap.String("addr", addr))
		return "unhealthy"
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "unhealthy"
	}

	return "healthy"
}

// Handler manages health check endpoints.
type Handler struct {
	redisService     *bus.Service
	sfuAddr          string
	sfuEnabled       bool
	sfuChecker       SFUChecker
	directoryAddr    string
	directoryEnabled bool
	directoryChecker DirectoryChecker
}

// NewHandler creates a new health check handler.
func NewHandler(redisService *bus.Service) *Handler {
	sfuAddr := os.Getenv("SFU_URL")
	if sfuAddr == "" {
		sfuAddr = "localhost:7880" // Default for local development
	}

	sfuHealthEnv := os.Getenv("SFU_HEALTH_CHECK_ENABLED")
	sfuEnabled := sfuHealthEnv != "false"

	directoryAddr := os.Getenv("DIRECTORY_ADDR")

	return &Handler{
		redisService:     redisService,
		sfuAddr:          sfuAddr,
		sfuEnabled:       sfuEnabled,
		sfuChecker:       &DefaultSFUChecker{},
		directoryAddr:    directoryAddr,
		directoryEnabled: directoryAddr != "",
		directoryChecker: &DefaultDirectoryChecker{},
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy.
// Returns 503 if any dependency is unhealthy.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.sfuEnabled {
		sfuStatus := h.checkSFU(ctx)
		checks["sfu"] = sfuStatus
		if sfuStatus != "healthy" {
			allHealthy = false
		}
	}

	if h.directoryEnabled {
		directoryStatus := h.checkDirectory(ctx)
		checks["directory"] = directoryStatus
		if directoryStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using the PING command.
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy"
	}

	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// checkSFU verifies connectivity to the media server / SFU collaborator.
func (h *Handler) checkSFU(ctx context.Context) string {
	if h.sfuChecker == nil {
		return "unhealthy"
	}
	return h.sfuChecker.Check(ctx, h.sfuAddr)
}

// checkDirectory verifies connectivity to the external profile/friendship store.
func (h *Handler) checkDirectory(ctx context.Context) string {
	if h.directoryChecker == nil {
		return "unhealthy"
	}
	return h.directoryChecker.Check(ctx, h.directoryAddr)
}

// HealthCheckResponse is a generic health check response for backward compatibility.
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
