package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler answers liveness probes for the job-control API.
type HealthHandler struct {
	startedAt time.Time
}

// NewHealthHandler creates a health handler anchored at process start.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{startedAt: time.Now()}
}

// Health reports the process as alive with its uptime. Job-level health
// lives on the job status endpoints, not here.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"service":        "gridshift",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}
