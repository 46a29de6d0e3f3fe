package postgres

import (
	"context"

	"matrixci/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// AddLogEntries appends a batch of log lines for a run in one statement.
func (s *Store) AddLogEntries(ctx context.Context, runID uuid.UUID, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	query := `INSERT INTO run_logs (run_id, content) SELECT $1, unnest($2::text[])`
	_, err := s.db.ExecContext(ctx, query, runID, pq.Array(lines))
	return err
}

// GetRunLogs returns log lines with id greater than afterID, oldest first.
// The id cursor lets clients poll for new output without duplicates.
func (s *Store) GetRunLogs(ctx context.Context, runID uuid.UUID, afterID int64, limit int) ([]store.LogEntry, error) {
	query := `
		SELECT id, run_id, content, created_at
		FROM run_logs
		WHERE run_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, query, runID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []store.LogEntry
	for rows.Next() {
		var entry store.LogEntry
		if err := rows.Scan(&entry.ID, &entry.RunID, &entry.Content, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return logs, nil
}
