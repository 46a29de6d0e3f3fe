package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Queue defines the interface for run queue operations.
// Implementations must use SELECT ... FOR UPDATE SKIP LOCKED semantics.
type Queue interface {
	// Enqueue adds a new run to the queue.
	Enqueue(ctx context.Context, tx DBTransaction, runID uuid.UUID, payload json.RawMessage, visibleAfter time.Time) (int64, error)

	// DequeueBatch claims up to 'limit' available runs atomically.
	// Returns nil slice if queue is empty.
	DequeueBatch(ctx context.Context, projectIDs []uuid.UUID, limit int) ([]QueueItem, error)

	// Complete removes the run from the queue and records its verdict
	// (PASSED or FAILED) plus an optional error such as a rejected matrix
	// definition. A run whose jobs failed still completes; Fail is
	// reserved for runs the worker could not process.
	Complete(ctx context.Context, tx DBTransaction, runID uuid.UUID, status RunStatus, errMsg *string) error

	// Fail reschedules the run with backoff, or parks it in the dead
	// letter queue once retries are exhausted.
	Fail(ctx context.Context, tx DBTransaction, runID uuid.UUID, errMsg string) error

	// SetVisibleAfter extends the visibility timeout (heartbeat).
	SetVisibleAfter(ctx context.Context, tx DBTransaction, runID uuid.UUID, visibleAfter time.Time) error

	// Count tracks count of items in queue.
	Count(ctx context.Context) (int64, error)
}

// QueueItem represents a dequeued run from the queue.
type QueueItem struct {
	RunID   uuid.UUID
	Payload json.RawMessage
}
