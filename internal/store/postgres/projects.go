package postgres

import (
	"context"

	"matrixci/internal/store"

	"github.com/google/uuid"
)

func (s *Store) CreateProject(ctx context.Context, project *store.Project, hashedKey string) error {
	query := `
		INSERT INTO projects (id, name, api_key_hash, webhook_secret, rate_limit, rate_limit_burst, max_concurrent_runs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		project.ID,
		project.Name,
		hashedKey,
		project.WebhookSecret,
		project.RateLimit,
		project.RateLimitBurst,
		project.MaxConcurrentRuns,
		project.CreatedAt,
	)
	return err
}

func (s *Store) GetProjectByID(ctx context.Context, id uuid.UUID) (*store.Project, error) {
	query := "SELECT id, name, webhook_secret, rate_limit, rate_limit_burst, max_concurrent_runs, created_at FROM projects WHERE id = $1"

	var p store.Project

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.WebhookSecret,
		&p.RateLimit,
		&p.RateLimitBurst,
		&p.MaxConcurrentRuns,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &p, nil
}

func (s *Store) GetProjectByAPIKeyHash(ctx context.Context, hash string) (*store.Project, error) {
	query := "SELECT id, name, webhook_secret, rate_limit, rate_limit_burst, max_concurrent_runs, created_at FROM projects WHERE api_key_hash = $1"

	var p store.Project

	err := s.db.QueryRowContext(ctx, query, hash).Scan(
		&p.ID,
		&p.Name,
		&p.WebhookSecret,
		&p.RateLimit,
		&p.RateLimitBurst,
		&p.MaxConcurrentRuns,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &p, nil
}
