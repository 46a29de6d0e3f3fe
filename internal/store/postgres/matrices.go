package postgres

import (
	"context"

	"matrixci/internal/store"

	"github.com/google/uuid"
)

// CreateMatrix inserts a new matrix row. The definition is stored as the
// submitted YAML text, not a parsed form.
func (s *Store) CreateMatrix(ctx context.Context, tx store.DBTransaction, m *store.Matrix) error {
	query := `
		INSERT INTO matrices (id, project_id, name, definition, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, query,
		m.ID,
		m.ProjectID,
		m.Name,
		m.Definition,
		m.Priority,
		m.CreatedAt,
	)
	return err
}

func (s *Store) GetMatrixByID(ctx context.Context, id uuid.UUID) (*store.Matrix, error) {
	query := "SELECT id, project_id, name, definition, priority, created_at FROM matrices WHERE id = $1"

	var m store.Matrix

	err := s.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.ProjectID, &m.Name, &m.Definition, &m.Priority, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

func (s *Store) ListMatrices(ctx context.Context, projectID uuid.UUID) ([]store.Matrix, error) {
	query := "SELECT id, project_id, name, definition, priority, created_at FROM matrices WHERE project_id = $1 ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matrices []store.Matrix
	for rows.Next() {
		var m store.Matrix
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Name, &m.Definition, &m.Priority, &m.CreatedAt); err != nil {
			return nil, err
		}
		matrices = append(matrices, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return matrices, nil
}
