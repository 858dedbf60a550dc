package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/engine"
)

type RegisterJobRequest struct {
	Name             string          `json:"name" binding:"required"`
	Schedule         string          `json:"schedule" binding:"required"`
	ConcurrencyLimit int             `json:"concurrency_limit" binding:"gte=0"`
	RepeatLimit      int             `json:"repeat_limit" binding:"gte=0"`
	Handler          string          `json:"handler"`
	Payload          json.RawMessage `json:"payload"`
	MaxAttempts      int             `json:"max_attempts" binding:"gte=0"`
	Timeout          string          `json:"timeout"`
}

type EnqueueRunRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type ListRunsRequest struct {
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs []JobDTO `json:"jobs"`
}

type ListRunsResponse struct {
	Runs       []RunDTO `json:"runs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	Name             string           `json:"name"`
	Schedule         string           `json:"schedule"`
	ScheduleKind     string           `json:"schedule_kind"`
	ConcurrencyLimit int              `json:"concurrency_limit"`
	RepeatLimit      int              `json:"repeat_limit"`
	Handler          string           `json:"handler"`
	Payload          json.RawMessage  `json:"payload,omitempty"`
	MaxAttempts      int              `json:"max_attempts,omitempty"`
	Timeout          string           `json:"timeout,omitempty"`
	CreatedAt        string           `json:"created_at"`
	UpdatedAt        string           `json:"updated_at"`
	Trigger          *TriggerStateDTO `json:"trigger,omitempty"`
}

type TriggerStateDTO struct {
	NextFireAt   *string `json:"next_fire_at"`
	LastFireAt   *string `json:"last_fire_at"`
	RunCount     int     `json:"run_count"`
	Exhausted    bool    `json:"exhausted"`
	PendingRunID string  `json:"pending_run_id,omitempty"`
	Version      int64   `json:"version"`
}

type RunDTO struct {
	RunID           string          `json:"run_id"`
	JobName         string          `json:"job_name"`
	Seq             int64           `json:"seq"`
	Kind            string          `json:"kind"`
	Status          string          `json:"status"`
	Attempts        int             `json:"attempts"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	FireAt          string          `json:"fire_at"`
	EnqueuedAt      string          `json:"enqueued_at"`
	StartedAt       *string         `json:"started_at"`
	FinishedAt      *string         `json:"finished_at"`
	LastError       string          `json:"last_error,omitempty"`
	WorkerID        string          `json:"worker_id,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
}

type LeaderDTO struct {
	InstanceID string  `json:"instance_id"`
	IsPrimary  bool    `json:"is_primary"`
	Holder     string  `json:"holder,omitempty"`
	ExpiresAt  *string `json:"expires_at"`
	Live       bool    `json:"live"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func rawPayload(payload string) json.RawMessage {
	if payload == "" {
		return nil
	}
	return json.RawMessage(payload)
}

// NewJobDTO converts a definition and its trigger state
func NewJobDTO(status *engine.JobStatus) JobDTO {
	def := status.Definition
	out := JobDTO{
		Name:             def.Name,
		Schedule:         def.Schedule.Raw,
		ScheduleKind:     string(def.Schedule.Kind),
		ConcurrencyLimit: def.ConcurrencyLimit,
		RepeatLimit:      def.RepeatLimit,
		Handler:          def.HandlerName,
		Payload:          rawPayload(def.Payload),
		MaxAttempts:      def.MaxAttempts,
		CreatedAt:        formatTime(def.CreatedAt),
		UpdatedAt:        formatTime(def.UpdatedAt),
	}
	if def.Timeout > 0 {
		out.Timeout = def.Timeout.String()
	}
	if state := status.State; state != nil {
		out.Trigger = &TriggerStateDTO{
			NextFireAt:   formatTimePtr(state.NextFireAt),
			LastFireAt:   formatTimePtr(state.LastFireAt),
			RunCount:     state.RunCount,
			Exhausted:    state.Exhausted,
			PendingRunID: state.PendingRunID,
			Version:      state.Version,
		}
	}
	return out
}

// NewRunDTO converts a job run
func NewRunDTO(run *domain.JobRun) RunDTO {
	return RunDTO{
		RunID:           run.ID,
		JobName:         run.JobName,
		Seq:             run.Seq,
		Kind:            string(run.Kind),
		Status:          string(run.Status),
		Attempts:        run.Attempts,
		Payload:         rawPayload(run.Payload),
		FireAt:          formatTime(run.FireAt),
		EnqueuedAt:      formatTime(run.EnqueuedAt),
		StartedAt:       formatTimePtr(run.StartedAt),
		FinishedAt:      formatTimePtr(run.FinishedAt),
		LastError:       run.LastError,
		WorkerID:        run.WorkerID,
		CancelRequested: run.CancelRequested,
	}
}
