package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/api/dto"
	"github.com/cuongbtq/job-scheduler/internal/engine"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func payloadString(raw []byte) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	return string(raw)
}

// RegisterJob handles POST /api/v1/jobs
// Creates or replaces a job definition
func (h *JobHandler) RegisterJob(c *gin.Context) {
	var req dto.RegisterJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "timeout must be a positive duration like \"30s\"",
			})
			return
		}
		timeout = d
	}

	def, err := h.scheduler.Register(c.Request.Context(), engine.Registration{
		Name:             req.Name,
		Schedule:         req.Schedule,
		ConcurrencyLimit: req.ConcurrencyLimit,
		RepeatLimit:      req.RepeatLimit,
		Handler:          req.Handler,
		Payload:          payloadString(req.Payload),
		MaxAttempts:      req.MaxAttempts,
		Timeout:          timeout,
		Restart:          true,
	})
	if err != nil {
		h.abortWithError(c, "Failed to register job", err)
		return
	}

	status, err := h.scheduler.Job(c.Request.Context(), def.Name)
	if err != nil {
		h.abortWithError(c, "Failed to load registered job", err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewJobDTO(status))
}

// ListJobs handles GET /api/v1/jobs
// Lists every definition with its trigger state
func (h *JobHandler) ListJobs(c *gin.Context) {
	jobs, err := h.scheduler.Jobs(c.Request.Context())
	if err != nil {
		h.abortWithError(c, "Failed to list jobs", err)
		return
	}

	out := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		out[i] = dto.NewJobDTO(&jobs[i])
	}
	c.JSON(http.StatusOK, dto.ListJobsResponse{Jobs: out})
}

// GetJob handles GET /api/v1/jobs/:name
func (h *JobHandler) GetJob(c *gin.Context) {
	name := c.Param("name")

	status, err := h.scheduler.Job(c.Request.Context(), name)
	if err != nil {
		h.abortWithError(c, "Failed to get job", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(status))
}

// EnqueueRun handles POST /api/v1/jobs/:name/runs
// Queues an ad-hoc run, optionally with its own payload
func (h *JobHandler) EnqueueRun(c *gin.Context) {
	name := c.Param("name")

	var req dto.EnqueueRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request body",
				"details": err.Error(),
			})
			return
		}
	}

	run, err := h.scheduler.EnqueueNow(c.Request.Context(), name, payloadString(req.Payload))
	if err != nil {
		h.abortWithError(c, "Failed to enqueue run", err)
		return
	}

	c.JSON(http.StatusAccepted, dto.NewRunDTO(run))
}

// ListRuns handles GET /api/v1/jobs/:name/runs
// Lists runs most recent first with cursor pagination
func (h *JobHandler) ListRuns(c *gin.Context) {
	name := c.Param("name")

	var req dto.ListRunsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeRunCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	var beforeSeq int64
	if cursor != nil {
		beforeSeq = cursor.Seq
	}

	// One extra row tells whether another page exists
	runs, err := h.scheduler.ListRuns(c.Request.Context(), name, req.PageSize+1, beforeSeq)
	if err != nil {
		h.abortWithError(c, "Failed to list runs", err)
		return
	}

	hasMore := len(runs) > req.PageSize
	if hasMore {
		runs = runs[:req.PageSize]
	}

	out := make([]dto.RunDTO, len(runs))
	for i := range runs {
		out[i] = dto.NewRunDTO(&runs[i])
	}

	var nextCursor string
	if hasMore {
		last := runs[len(runs)-1]
		nextCursor = EncodeRunCursor(&RunCursor{Seq: last.Seq, RunID: last.ID})
	}

	c.JSON(http.StatusOK, dto.ListRunsResponse{
		Runs:       out,
		NextCursor: nextCursor,
	})
}

// GetRun handles GET /api/v1/runs/:run_id
func (h *JobHandler) GetRun(c *gin.Context) {
	run, err := h.scheduler.GetRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		h.abortWithError(c, "Failed to get run", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewRunDTO(run))
}

// CancelRun handles POST /api/v1/runs/:run_id/cancel
// Flags a pending or running run for cooperative cancellation
func (h *JobHandler) CancelRun(c *gin.Context) {
	runID := c.Param("run_id")

	if err := h.scheduler.RequestCancel(c.Request.Context(), runID); err != nil {
		h.abortWithError(c, "Failed to cancel run", err)
		return
	}

	run, err := h.scheduler.GetRun(c.Request.Context(), runID)
	if err != nil {
		h.abortWithError(c, "Failed to get run", err)
		return
	}
	c.JSON(http.StatusAccepted, dto.NewRunDTO(run))
}

// GetLeader handles GET /api/v1/leader
// Reports the lease holder and this instance's role
func (h *JobHandler) GetLeader(c *gin.Context) {
	out := dto.LeaderDTO{
		InstanceID: h.scheduler.InstanceID(),
		IsPrimary:  h.scheduler.IsPrimary(),
	}

	lease, err := h.scheduler.Lease(c.Request.Context())
	if err != nil {
		h.abortWithError(c, "Failed to read lease", err)
		return
	}
	if lease != nil {
		expires := lease.ExpiresAt.UTC().Format(time.RFC3339Nano)
		out.Holder = lease.Holder
		out.ExpiresAt = &expires
		out.Live = lease.ExpiresAt.After(time.Now())
	}

	c.JSON(http.StatusOK, out)
}
