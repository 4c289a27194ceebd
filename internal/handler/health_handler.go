package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/apperr"
	"github.com/Bald0Wang/DeepSeek-Oracle/pkg/response"
)

// ReadinessChecker reports whether dependencies can serve traffic
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	checker ReadinessChecker
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(checker ReadinessChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Healthz reports that the process is up
// GET /healthz
func (h *HealthHandler) Healthz(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

// Readyz pings the database and the queue
// GET /readyz
func (h *HealthHandler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := h.checker.Ready(ctx); err != nil {
		response.Fail(c, apperr.Wrap(err, apperr.CodeInternal, "not ready: "+err.Error(),
			http.StatusServiceUnavailable, true))
		return
	}
	response.Success(c, gin.H{"status": "ready"})
}
