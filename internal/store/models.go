// Package store contains the database layer for matrixci.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Project represents a registered project. All API operations are scoped
// by ProjectID.
type Project struct {
	ID                uuid.UUID
	Name              string
	WebhookSecret     string
	RateLimit         float64
	RateLimitBurst    int
	MaxConcurrentRuns int
	CreatedAt         time.Time
}

// Matrix represents a stored matrix definition. Definition holds the raw
// YAML exactly as submitted so a retried run executes what was reviewed.
type Matrix struct {
	ID         uuid.UUID
	ProjectID  uuid.UUID
	Name       string
	Definition string
	Priority   int
	CreatedAt  time.Time
}

// Run represents a single run attempt of a matrix.
type Run struct {
	ID           uuid.UUID
	MatrixID     uuid.UUID
	ProjectID    uuid.UUID
	Status       RunStatus
	Priority     int
	Attempt      int
	ErrorMessage *string
	RetriedFrom  *uuid.UUID
	CreatedAt    time.Time
	ScheduledAt  *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// RunStatus represents the state of a run.
type RunStatus string

const (
	RunStatusPending RunStatus = "PENDING"
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusPassed  RunStatus = "PASSED"
	RunStatusFailed  RunStatus = "FAILED"
)

// JobResult is the stored outcome of one environment within a run.
type JobResult struct {
	ID          int64
	RunID       uuid.UUID
	Environment string
	Status      RunStatus
	Error       *string
	Phases      []PhaseResult
	CreatedAt   time.Time
}

// PhaseResult is the stored outcome of one pipeline phase.
type PhaseResult struct {
	ID          int64
	JobResultID int64
	Name        string
	ExitCode    int
	TimedOut    bool
	DurationMS  int64
}

// LogEntry is a single log line shipped by a worker.
type LogEntry struct {
	ID        int64
	RunID     uuid.UUID
	Content   string
	CreatedAt time.Time
}

// DLQEntry represents a run parked in the dead letter queue after
// exhausting its retries.
type DLQEntry struct {
	ID           int64
	RunID        uuid.UUID
	ProjectID    uuid.UUID
	Payload      json.RawMessage
	ErrorMessage string
	Attempts     int
	FailedAt     time.Time

	// Joined from runs and matrices for listing.
	MatrixID   uuid.UUID
	MatrixName string
	Priority   int
}
