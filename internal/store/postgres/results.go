package postgres

import (
	"context"
	"fmt"

	"matrixci/internal/store"

	"github.com/google/uuid"
)

// RecordJobResults stores the per-environment outcomes of a finished run.
// Rows are inserted in slice order so readers get environments back in the
// order the matrix listed them.
func (s *Store) RecordJobResults(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, results []store.JobResult) error {
	executor := s.getExecutor(tx)

	for _, res := range results {
		var jobResultID int64
		err := executor.QueryRowContext(ctx, `
			INSERT INTO job_results (run_id, environment, status, error)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, runID, res.Environment, res.Status, res.Error).Scan(&jobResultID)
		if err != nil {
			return fmt.Errorf("failed to insert job result for %s: %w", res.Environment, err)
		}

		for _, ph := range res.Phases {
			_, err := executor.ExecContext(ctx, `
				INSERT INTO phase_results (job_result_id, name, exit_code, timed_out, duration_ms)
				VALUES ($1, $2, $3, $4, $5)
			`, jobResultID, ph.Name, ph.ExitCode, ph.TimedOut, ph.DurationMS)
			if err != nil {
				return fmt.Errorf("failed to insert phase result %s/%s: %w", res.Environment, ph.Name, err)
			}
		}
	}

	return nil
}

// GetJobResults returns the stored results for a run, phases included.
func (s *Store) GetJobResults(ctx context.Context, runID uuid.UUID) ([]store.JobResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, environment, status, error, created_at
		FROM job_results
		WHERE run_id = $1
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []store.JobResult
	index := make(map[int64]int)
	for rows.Next() {
		var res store.JobResult
		if err := rows.Scan(&res.ID, &res.RunID, &res.Environment, &res.Status, &res.Error, &res.CreatedAt); err != nil {
			return nil, err
		}
		index[res.ID] = len(results)
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	phaseRows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.job_result_id, p.name, p.exit_code, p.timed_out, p.duration_ms
		FROM phase_results p
		JOIN job_results j ON p.job_result_id = j.id
		WHERE j.run_id = $1
		ORDER BY p.id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer phaseRows.Close()

	for phaseRows.Next() {
		var ph store.PhaseResult
		if err := phaseRows.Scan(&ph.ID, &ph.JobResultID, &ph.Name, &ph.ExitCode, &ph.TimedOut, &ph.DurationMS); err != nil {
			return nil, err
		}
		if i, ok := index[ph.JobResultID]; ok {
			results[i].Phases = append(results[i].Phases, ph)
		}
	}
	if err := phaseRows.Err(); err != nil {
		return nil, err
	}

	return results, nil
}
