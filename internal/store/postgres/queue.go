package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"matrixci/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Default retry policy
const (
	MaxRetries        = 5
	VisibilityTimeout = 5 * time.Minute
)

// Enqueue adds a run to the run_queue. Project and priority are copied
// from the run row so the claim query never needs a join.
func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, payload json.RawMessage, visibleAfter time.Time) (int64, error) {
	if visibleAfter.IsZero() {
		visibleAfter = time.Now()
	}

	query := `
		INSERT INTO run_queue (run_id, project_id, priority, payload, visible_after)
		SELECT $1, project_id, priority, $2, $3
		FROM runs
		WHERE id = $1
		RETURNING id
	`

	executor := s.getExecutor(tx)

	var id int64
	err := executor.QueryRowContext(ctx, query, runID, payload, visibleAfter).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue run %s: %w", runID, err)
	}

	return id, nil
}

// DequeueBatch claims up to 'limit' available runs atomically using SELECT ... FOR UPDATE SKIP LOCKED.
// Returns nil slice if no runs are available.
func (s *Store) DequeueBatch(ctx context.Context, projectIDs []uuid.UUID, limit int) ([]store.QueueItem, error) {
	if limit <= 0 {
		limit = 1
	}

	// Start a transaction for the batch dequeue operation
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Build WHERE clause and args
	args := []interface{}{limit}
	whereClause := "WHERE visible_after <= NOW()"

	if len(projectIDs) > 0 {
		whereClause += " AND project_id = ANY($2)"
		args = append(args, pq.Array(projectIDs))
	}

	selectQuery := fmt.Sprintf(`
		SELECT id, run_id, payload
		FROM run_queue
		%s
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, whereClause)

	rows, err := tx.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("batch dequeue query failed: %w", err)
	}
	defer rows.Close()

	var items []store.QueueItem
	var queueIDs []int64
	var runIDs []uuid.UUID

	for rows.Next() {
		var queueID int64
		var item store.QueueItem
		if err := rows.Scan(&queueID, &item.RunID, &item.Payload); err != nil {
			return nil, fmt.Errorf("batch dequeue scan failed: %w", err)
		}
		items = append(items, item)
		queueIDs = append(queueIDs, queueID)
		runIDs = append(runIDs, item.RunID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch dequeue rows error: %w", err)
	}

	// Empty queue
	if len(items) == 0 {
		return nil, nil
	}

	// Hide the claimed runs for the visibility window and count the attempt.
	_, err = tx.ExecContext(ctx, `
		UPDATE run_queue
		SET visible_after = NOW() + ($1 * INTERVAL '1 second'), attempt = attempt + 1
		WHERE id = ANY($2)
	`, VisibilityTimeout.Seconds(), pq.Array(queueIDs))
	if err != nil {
		return nil, fmt.Errorf("batch visibility update failed: %w", err)
	}

	// Bulk update run status to RUNNING
	_, err = tx.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, started_at = COALESCE(started_at, NOW()), attempt = attempt + 1
		WHERE id = ANY($2)
	`, store.RunStatusRunning, pq.Array(runIDs))
	if err != nil {
		return nil, fmt.Errorf("batch status update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return items, nil
}

// Complete removes a processed run from the queue and records its verdict.
func (s *Store) Complete(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, status store.RunStatus, errMsg *string) error {
	executor := s.getExecutor(tx)

	// Delete from Queue
	_, err := executor.ExecContext(ctx, "DELETE FROM run_queue WHERE run_id = $1", runID)
	if err != nil {
		return err
	}

	// Update History
	_, err = executor.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, error = $2, completed_at = NOW()
		WHERE id = $3
	`, status, errMsg, runID)

	return err
}

// Fail handles a run the worker could not process. The run is rescheduled
// with backoff until retries run out, then parked in the dead letter queue.
func (s *Store) Fail(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, errMsg string) error {
	executor := s.getExecutor(tx)

	// Check current attempts
	var attempt int
	err := executor.QueryRowContext(ctx, "SELECT attempt FROM run_queue WHERE run_id = $1", runID).Scan(&attempt)

	isFatal := false
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Run not found in queue -> treat as fatal/already gone
			isFatal = true
		} else {
			// Return actual DB error to avoid accidentally retrying
			return err
		}
	} else if attempt > MaxRetries {
		isFatal = true
	}

	if !isFatal {
		// RETRY: Exponential Backoff (10s * 2^attempt)
		backoff := time.Duration(10*(1<<attempt)) * time.Second
		_, err = executor.ExecContext(ctx, `
			UPDATE run_queue
			SET visible_after = NOW() + ($1 * INTERVAL '1 second')
			WHERE run_id = $2
		`, backoff.Seconds(), runID)
		return err
	}

	// Park the payload for inspection before dropping the queue row.
	_, err = executor.ExecContext(ctx, `
		INSERT INTO run_dlq (run_id, project_id, payload, error_message, attempts, failed_at)
		SELECT run_id, project_id, payload, $1, attempt, NOW()
		FROM run_queue
		WHERE run_id = $2
	`, errMsg, runID)
	if err != nil {
		return fmt.Errorf("failed to move run to dlq: %w", err)
	}

	_, err = executor.ExecContext(ctx, "DELETE FROM run_queue WHERE run_id = $1", runID)
	if err != nil {
		return fmt.Errorf("failed to delete failed run from queue: %w", err)
	}

	_, err = executor.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, error = $2, completed_at = NOW()
		WHERE id = $3
	`, store.RunStatusFailed, errMsg, runID)
	return err
}

// SetVisibleAfter extends the heartbeat.
func (s *Store) SetVisibleAfter(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, visibleAfter time.Time) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, `
		UPDATE run_queue
		SET visible_after = $1
		WHERE run_id = $2
	`, visibleAfter, runID)
	return err
}

// Count returns the number of queued runs, visible or not.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM run_queue").Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
