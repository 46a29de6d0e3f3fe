package postgres

import (
	"context"
	"time"

	"matrixci/internal/store"

	"github.com/google/uuid"
)

// CreateRun inserts the initial state of a new run.
func (s *Store) CreateRun(ctx context.Context, tx store.DBTransaction, run *store.Run) error {
	query := `
		INSERT INTO runs (id, matrix_id, project_id, status, priority, retried_from, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, query,
		run.ID,
		run.MatrixID,
		run.ProjectID,
		run.Status,
		run.Priority,
		run.RetriedFrom,
		run.ScheduledAt,
		run.CreatedAt,
	)
	return err
}

func (s *Store) GetRunByID(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	query := "SELECT id, matrix_id, project_id, status, priority, attempt, error, retried_from, created_at, scheduled_at, started_at, completed_at FROM runs WHERE id = $1"

	var run store.Run

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.MatrixID, &run.ProjectID,
		&run.Status, &run.Priority, &run.Attempt,
		&run.ErrorMessage, &run.RetriedFrom,
		&run.CreatedAt, &run.ScheduledAt, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	return &run, nil
}

func (s *Store) CountRunningRuns(ctx context.Context, tx store.DBTransaction, projectID uuid.UUID) (int64, error) {
	executor := s.getExecutor(tx)

	// Use advisory lock at project level for concurrency control
	lockQuery := `SELECT pg_advisory_xact_lock(1, $1)`
	projectLockKey := int32(projectID[0])<<24 | int32(projectID[1])<<16 | int32(projectID[2])<<8 | int32(projectID[3])

	if _, err := executor.ExecContext(ctx, lockQuery, projectLockKey); err != nil {
		return 0, err
	}

	// count without row-level locks
	countQuery := `SELECT COUNT(*) FROM runs WHERE project_id = $1 AND status = $2`

	var count int64
	err := executor.QueryRowContext(ctx, countQuery, projectID, store.RunStatusRunning).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}

func (s *Store) ListDLQ(ctx context.Context, projectID uuid.UUID, limit int, offset int) ([]store.DLQEntry, error) {
	query := `
	SELECT dlq.id, dlq.run_id, dlq.project_id, dlq.payload, dlq.error_message, dlq.attempts, dlq.failed_at,
	       r.matrix_id, m.name AS matrix_name, r.priority
	FROM run_dlq dlq
	JOIN runs r ON dlq.run_id = r.id
	JOIN matrices m ON r.matrix_id = m.id
	WHERE dlq.project_id = $1
	ORDER BY dlq.failed_at DESC
	LIMIT $2 OFFSET $3
	`

	rows, err := s.db.QueryContext(ctx, query, projectID, limit, offset)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var entries []store.DLQEntry
	for rows.Next() {
		var entry store.DLQEntry
		if err := rows.Scan(
			&entry.ID, &entry.RunID, &entry.ProjectID,
			&entry.Payload, &entry.ErrorMessage, &entry.Attempts,
			&entry.FailedAt,
			&entry.MatrixID, &entry.MatrixName, &entry.Priority,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// RetryFromDLQ creates a fresh run from a dead letter entry, enqueues it
// with the original payload and removes the entry.
func (s *Store) RetryFromDLQ(ctx context.Context, runID uuid.UUID) (uuid.UUID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback()

	query := `
		SELECT dlq.id, dlq.payload, r.id, r.matrix_id, r.project_id, r.priority FROM run_dlq dlq
		LEFT JOIN runs r ON dlq.run_id = r.id
		WHERE dlq.run_id = $1
	`

	var run store.Run
	var entry store.DLQEntry
	err = tx.QueryRowContext(ctx, query, runID).Scan(
		&entry.ID, &entry.Payload, &run.ID, &run.MatrixID, &run.ProjectID, &run.Priority,
	)
	if err != nil {
		return uuid.Nil, err
	}

	newRun := store.Run{
		ID:          uuid.New(),
		MatrixID:    run.MatrixID,
		ProjectID:   run.ProjectID,
		Priority:    run.Priority,
		Status:      store.RunStatusPending,
		RetriedFrom: &run.ID,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.CreateRun(ctx, tx, &newRun); err != nil {
		return uuid.Nil, err
	}

	_, err = s.Enqueue(ctx, tx, newRun.ID, entry.Payload, time.Now().UTC())
	if err != nil {
		return uuid.Nil, err
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM run_dlq WHERE run_id = $1", runID)
	if err != nil {
		return uuid.Nil, err
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, err
	}

	return newRun.ID, nil
}
