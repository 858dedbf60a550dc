package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/engine"
	"github.com/gin-gonic/gin"
)

// Scheduler is the part of the engine the HTTP API serves
type Scheduler interface {
	Register(ctx context.Context, reg engine.Registration) (*domain.JobDefinition, error)
	Jobs(ctx context.Context) ([]engine.JobStatus, error)
	Job(ctx context.Context, name string) (*engine.JobStatus, error)
	EnqueueNow(ctx context.Context, name, payload string) (*domain.JobRun, error)
	ListRuns(ctx context.Context, name string, limit int, beforeSeq int64) ([]domain.JobRun, error)
	GetRun(ctx context.Context, id string) (*domain.JobRun, error)
	RequestCancel(ctx context.Context, id string) error
	Lease(ctx context.Context) (*domain.Lease, error)
	InstanceID() string
	IsPrimary() bool
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Scheduler Scheduler

	// EnqueueRatePerSec limits ad-hoc enqueues across all clients; 0 disables the limit
	EnqueueRatePerSec float64
	EnqueueBurst      int

	// HealthChecks are reported by /health, keyed by dependency name
	HealthChecks map[string]func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	scheduler Scheduler
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		scheduler: deps.Scheduler,
	}
}

// abortWithError maps domain errors to HTTP statuses
func (h *JobHandler) abortWithError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	var parseErr *domain.ScheduleParseError
	switch {
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.As(err, &parseErr),
		errors.Is(err, domain.ErrInvalidDefinition),
		errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrHandlerNotFound):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case domain.IsTransient(err):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(message, slog.Any("error", err))
	} else {
		h.logger.Warn(message, slog.Any("error", err))
	}

	_ = c.Error(err)
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}
