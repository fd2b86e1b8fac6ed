package apihandlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vellum/internal/app"
	"vellum/internal/models"
	"vellum/internal/queue"
	"vellum/internal/store"
)

type APIHandler struct {
	App *app.App
}

func NewAPIHandler(appInstance *app.App) *APIHandler {
	return &APIHandler{App: appInstance}
}

// SubmitJobRequest defines the expected JSON body for job submission.
type SubmitJobRequest struct {
	Filename    string `json:"filename" binding:"required"`
	PayloadPath string `json:"payload_path" binding:"required"`
	Priority    string `json:"priority"`
}

type SubmitJobResponse struct {
	JobID    string `json:"job_id"`
	Priority string `json:"priority"`
}

// SubmitJobHandler handles POST /api/v1/jobs.
func (h *APIHandler) SubmitJobHandler(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	priority := models.PriorityNormal
	if req.Priority != "" {
		p, err := models.ParsePriority(req.Priority)
		if err != nil {
			BadRequest(c, err.Error())
			return
		}
		priority = p
	}

	jobID := uuid.NewString()
	accepted := h.App.Queue.Submit(queue.SubmitParams{
		JobID:       jobID,
		Filename:    req.Filename,
		PayloadPath: req.PayloadPath,
		Priority:    priority,
	})
	if !accepted {
		TooMany(c, "Queue is full, try again later")
		return
	}
	c.JSON(http.StatusAccepted, SubmitJobResponse{JobID: jobID, Priority: priority.String()})
}

// GetJobHandler handles GET /api/v1/jobs/:id.
func (h *APIHandler) GetJobHandler(c *gin.Context) {
	jobID := c.Param("id")
	job, err := h.App.JobStore.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFound(c, fmt.Sprintf("Job %s not found", jobID))
			return
		}
		log.Errorf("GetJobHandler: loading job %s: %v", jobID, err)
		Internal(c, "Failed to load job")
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelJobHandler handles DELETE /api/v1/jobs/:id. Only queued jobs can be
// cancelled; anything else is a conflict.
func (h *APIHandler) CancelJobHandler(c *gin.Context) {
	jobID := c.Param("id")
	if !h.App.Queue.Cancel(jobID) {
		Conflict(c, fmt.Sprintf("Job %s is not queued; active and finished jobs cannot be cancelled", jobID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": models.JobStatusCancelled})
}

// QueueStatusHandler handles GET /api/v1/queue.
func (h *APIHandler) QueueStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.App.Queue.Status())
}

// BreakersHandler handles GET /api/v1/breakers.
func (h *APIHandler) BreakersHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.App.Breakers.AllStatus())
}

// ForceOpenRequest carries the operator reason for a manual trip.
type ForceOpenRequest struct {
	Reason string `json:"reason"`
}

// ForceOpenBreakerHandler handles POST /api/v1/breakers/:service/open.
func (h *APIHandler) ForceOpenBreakerHandler(c *gin.Context) {
	var req ForceOpenRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual override via API"
	}
	service := c.Param("service")
	h.App.Breakers.ForceOpen(service, req.Reason)
	c.JSON(http.StatusOK, h.App.Breakers.Get(service).Status())
}

// ForceCloseBreakerHandler handles POST /api/v1/breakers/:service/close.
func (h *APIHandler) ForceCloseBreakerHandler(c *gin.Context) {
	service := c.Param("service")
	h.App.Breakers.ForceClose(service)
	c.JSON(http.StatusOK, h.App.Breakers.Get(service).Status())
}

// ResetBreakerStatsHandler handles POST /api/v1/breakers/:service/reset.
func (h *APIHandler) ResetBreakerStatsHandler(c *gin.Context) {
	service := c.Param("service")
	h.App.Breakers.ResetStats(service)
	c.JSON(http.StatusOK, h.App.Breakers.Get(service).Status())
}

// ConsistencyCheckHandler handles GET /api/v1/consistency/check.
func (h *APIHandler) ConsistencyCheckHandler(c *gin.Context) {
	report, err := h.App.Checker.RunFullCheck(c.Request.Context())
	if err != nil {
		log.Errorf("ConsistencyCheckHandler: %v", err)
		Internal(c, "Consistency check failed: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, report)
}

// ConsistencySummaryHandler handles GET /api/v1/consistency/summary.
func (h *APIHandler) ConsistencySummaryHandler(c *gin.Context) {
	summary, err := h.App.Checker.Summary(c.Request.Context())
	if err != nil {
		log.Errorf("ConsistencySummaryHandler: %v", err)
		Internal(c, "Consistency summary failed: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

// FixRequest optionally narrows the issue kinds to repair.
type FixRequest struct {
	Kinds []string `json:"kinds"`
}

// ConsistencyFixHandler handles POST /api/v1/consistency/fix. It re-runs the
// full check so fixes always act on fresh findings.
func (h *APIHandler) ConsistencyFixHandler(c *gin.Context) {
	var req FixRequest
	_ = c.ShouldBindJSON(&req)

	report, err := h.App.Checker.RunFullCheck(c.Request.Context())
	if err != nil {
		log.Errorf("ConsistencyFixHandler: check: %v", err)
		Internal(c, "Consistency check failed: "+err.Error())
		return
	}
	fix, err := h.App.Checker.AutoFix(c.Request.Context(), report, req.Kinds...)
	if err != nil {
		log.Errorf("ConsistencyFixHandler: fix: %v", err)
		Internal(c, "Auto-fix failed: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, fix)
}

// HealthHandler handles GET /healthz, pinging both stores.
func (h *APIHandler) HealthHandler(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.App.DocumentStore.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "primary": err.Error()})
		return
	}
	if err := h.App.VectorStore.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "vector": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
