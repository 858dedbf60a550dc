package router

import (
	"context"
	"net/http"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/api/handler"
	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 2 * time.Second

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		status, state := http.StatusOK, "healthy"
		checks := make(map[string]string, len(deps.HealthChecks))
		for name, check := range deps.HealthChecks {
			ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
			err := check(ctx)
			cancel()
			if err != nil {
				status, state = http.StatusServiceUnavailable, "unhealthy"
				checks[name] = err.Error()
				continue
			}
			checks[name] = "ok"
		}

		c.JSON(status, gin.H{
			"status":      state,
			"service":     "scheduler-service",
			"instance_id": deps.Scheduler.InstanceID(),
			"primary":     deps.Scheduler.IsPrimary(),
			"checks":      checks,
		})
	})

	// Initialize job handler
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Register or replace a job definition
			jobs.POST("", jobHandler.RegisterJob)

			// GET /api/v1/jobs - List job definitions with trigger state
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:name - Get a job definition
			jobs.GET("/:name", jobHandler.GetJob)

			// POST /api/v1/jobs/:name/runs - Enqueue an ad-hoc run
			jobs.POST("/:name/runs", RateLimitMiddleware(deps.EnqueueRatePerSec, deps.EnqueueBurst), jobHandler.EnqueueRun)

			// GET /api/v1/jobs/:name/runs - Run history, most recent first
			jobs.GET("/:name/runs", jobHandler.ListRuns)
		}

		runs := v1.Group("/runs")
		{
			// GET /api/v1/runs/:run_id - Get run details
			runs.GET("/:run_id", jobHandler.GetRun)

			// POST /api/v1/runs/:run_id/cancel - Request cancellation
			runs.POST("/:run_id/cancel", jobHandler.CancelRun)
		}

		// GET /api/v1/leader - Current primary lease
		v1.GET("/leader", jobHandler.GetLeader)
	}

	return r
}
