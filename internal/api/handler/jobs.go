package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rburan/gridshift/internal/domain"
	"github.com/rburan/gridshift/internal/engine"
	"github.com/rburan/gridshift/internal/store"
)

// JobHandler handles migration job endpoints.
type JobHandler struct {
	manager *engine.Manager
}

// NewJobHandler creates a new job handler.
func NewJobHandler(manager *engine.Manager) *JobHandler {
	return &JobHandler{manager: manager}
}

// CreateJobRequest is the payload for POST /api/v1/jobs.
type CreateJobRequest struct {
	SourceCollectionID string                     `json:"source_collection_id" binding:"required"`
	TargetCollectionID string                     `json:"target_collection_id" binding:"required"`
	Mode               string                     `json:"mode" binding:"required"`
	FieldMapping       []domain.FieldMapPair      `json:"field_mapping" binding:"required"`
	Config             domain.ItemMigrationConfig `json:"config"`
}

// CreateJob handles POST /api/v1/jobs.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	job, err := h.manager.CreateJob(c.Request.Context(), engine.CreateJobParams{
		SourceCollectionID: req.SourceCollectionID,
		TargetCollectionID: req.TargetCollectionID,
		Mode:               domain.MigrationMode(req.Mode),
		FieldMapping:       domain.FieldMapping(req.FieldMapping),
		Config:             req.Config,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to create job: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, job)
}

// GetJob handles GET /api/v1/jobs/:id.
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.manager.GetStatus(c.Param("id"))
	if err != nil {
		h.jobError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job":                  job,
		"running":              h.manager.IsRunning(job.ID),
		"failures_by_category": engine.FailureBreakdown(job.Progress),
	})
}

// ListJobs handles GET /api/v1/jobs.
func (h *JobHandler) ListJobs(c *gin.Context) {
	jobs, err := h.manager.ListJobs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// StartJob handles POST /api/v1/jobs/:id/start.
func (h *JobHandler) StartJob(c *gin.Context) {
	h.transition(c, h.manager.Start, "started")
}

// PauseJob handles POST /api/v1/jobs/:id/pause.
func (h *JobHandler) PauseJob(c *gin.Context) {
	h.transition(c, h.manager.Pause, "pause_requested")
}

// ResumeJob handles POST /api/v1/jobs/:id/resume.
func (h *JobHandler) ResumeJob(c *gin.Context) {
	h.transition(c, h.manager.Resume, "resumed")
}

// RetryJob handles POST /api/v1/jobs/:id/retry.
func (h *JobHandler) RetryJob(c *gin.Context) {
	h.transition(c, h.manager.Retry, "retry_started")
}

// GetFailures handles GET /api/v1/jobs/:id/failures.
func (h *JobHandler) GetFailures(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	details, err := h.manager.Failures(c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read failure log: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"failures": details,
		"total":    len(details),
	})
}

func (h *JobHandler) transition(c *gin.Context, fn func(ctx context.Context, id string) error, status string) {
	id := c.Param("id")
	if err := fn(c.Request.Context(), id); err != nil {
		h.jobError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id": id,
		"status": status,
	})
}

func (h *JobHandler) jobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	default:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	}
}
