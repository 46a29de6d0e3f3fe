// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import "time"

// CreateProjectRequest is the request body for creating a new project.
type CreateProjectRequest struct {
	Name string `json:"name"`
}

// CreateProjectResponse is the response body after creating a project.
// ApiKey and WebhookSecret are returned exactly once; the key is stored
// only as a hash server side.
type CreateProjectResponse struct {
	ID            string `json:"project_id"`
	Name          string `json:"name"`
	ApiKey        string `json:"api_key"`
	WebhookSecret string `json:"webhook_secret"`
}

// CreateMatrixRequest is the request body for registering a matrix.
// Definition is the raw YAML matrix file.
type CreateMatrixRequest struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
	// Priority must be between 0 and 100
	Priority int `json:"priority,omitempty"`
}

// CreateMatrixResponse is the response body after registering a matrix.
type CreateMatrixResponse struct {
	MatrixID string `json:"matrix_id"`
}

// TriggerRunRequest is the request body for starting a new run of a matrix.
type TriggerRunRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at"`
}

// TriggerRunResponse is the response body after triggering a run.
type TriggerRunResponse struct {
	RunID string `json:"run_id"`
}

// MatrixStatusResponse is the response body for matrix queries.
type MatrixStatusResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// RunPayload is the queue payload the controller enqueues and the worker
// consumes. The full matrix definition travels with the run so workers
// never read the matrices table. Trace carries W3C trace context.
type RunPayload struct {
	Name   string            `json:"name"`
	Matrix string            `json:"matrix"`
	Trace  map[string]string `json:"trace,omitempty"`
}

// PhaseResultResponse is one pipeline phase of one matrix environment.
type PhaseResultResponse struct {
	Name     string `json:"name"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
	Duration string `json:"duration"`
}

// JobResultResponse is the outcome of a single matrix environment.
type JobResultResponse struct {
	Environment string                `json:"environment"`
	Status      string                `json:"status"`
	Error       *string               `json:"error,omitempty"`
	Phases      []PhaseResultResponse `json:"phases,omitempty"`
}

// RunResponse represents a matrix run in API responses.
type RunResponse struct {
	ID          string              `json:"id"`
	MatrixID    string              `json:"matrix_id"`
	Status      string              `json:"status"`
	Priority    int                 `json:"priority"`
	Attempt     int                 `json:"attempt"`
	ScheduledAt *time.Time          `json:"scheduled_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Error       *string             `json:"error,omitempty"`
	Jobs        []JobResultResponse `json:"jobs,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AddLogRequest is the payload sent by the Worker. Lines are shipped in
// batches to keep request volume bounded.
type AddLogRequest struct {
	Lines []string `json:"lines"`
}

// LogEntry represents a single log line in the response.
type LogEntry struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// GetLogsResponse is the response body for fetching logs.
type GetLogsResponse struct {
	Logs []LogEntry `json:"logs"`
}

// PushEvent is the minimal webhook payload accepted on the hooks endpoint.
type PushEvent struct {
	Ref   string `json:"ref"`
	After string `json:"after"`
}

// WebhookResponse lists the runs a webhook delivery triggered.
type WebhookResponse struct {
	RunIDs []string `json:"run_ids"`
}

// DLQRunResponse represents a dead-lettered run.
type DLQRunResponse struct {
	ID           int64      `json:"id"`
	RunID        string     `json:"run_id"`
	MatrixID     string     `json:"matrix_id"`
	MatrixName   string     `json:"matrix_name"`
	Priority     int        `json:"priority"`
	ErrorMessage *string    `json:"error_message"`
	Attempts     int        `json:"attempts"`
	FailedAt     *time.Time `json:"failed_at"`
}

// RetryDLQRunResponse represents a retry response for a dead-lettered run.
type RetryDLQRunResponse struct {
	NewRunID string `json:"new_run_id"`
}

// Priority levels for matrix runs
const (
	PriorityLow      = 0
	PriorityNormal   = 50
	PriorityHigh     = 75
	PriorityCritical = 100

	PriorityMin = 0
	PriorityMax = 100
)
