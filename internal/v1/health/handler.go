// Package health serves the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ovmeet/backend/internal/v1/logging"
)

// Pinger is the probe surface a dependency exposes to readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints.
type Handler struct {
	redis   Pinger
	storage Pinger
	media   Pinger
}

// NewHandler creates a health check handler. A nil dependency is skipped
// rather than reported, so partial wiring in tests stays valid.
func NewHandler(redis, storage, media Pinger) *Handler {
	return &Handler{
		redis:   redis,
		storage: storage,
		media:   media,
	}
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
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy
// Returns 503 if any dependency is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	deps := []struct {
		name string
		dep  Pinger
	}{
		{"redis", h.redis},
		{"storage", h.storage},
		{"media", h.media},
	}

	// Probes run concurrently so one slow dependency cannot eat the whole
	// deadline before the others are asked.
	results := make([]string, len(deps))
	var g errgroup.Group
	for i, d := range deps {
		if d.dep == nil {
			continue
		}
		g.Go(func() error {
			if err := d.dep.Ping(ctx); err != nil {
				logging.Error(ctx, "Readiness check failed", zap.String("dependency", d.name), zap.Error(err))
				results[i] = "unhealthy"
				return err
			}
			results[i] = "healthy"
			return nil
		})
	}
	allHealthy := g.Wait() == nil

	checks := make(map[string]string)
	for i, d := range deps {
		if results[i] != "" {
			checks[d.name] = results[i]
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
