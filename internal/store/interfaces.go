package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// ProjectStore handles project records and API key lookups for
// authentication.
type ProjectStore interface {
	// CreateProject inserts a new project with its hashed API key.
	CreateProject(ctx context.Context, project *Project, hashedKey string) error

	// GetProjectByID returns a project by its ID.
	GetProjectByID(ctx context.Context, id uuid.UUID) (*Project, error)

	// GetProjectByAPIKeyHash returns a project by its API key hash.
	GetProjectByAPIKeyHash(ctx context.Context, hash string) (*Project, error)
}

// MatrixStore handles the persistence of matrix definitions.
type MatrixStore interface {
	// CreateMatrix inserts a new matrix definition.
	CreateMatrix(ctx context.Context, tx DBTransaction, m *Matrix) error

	// GetMatrixByID returns a matrix by its ID.
	GetMatrixByID(ctx context.Context, id uuid.UUID) (*Matrix, error)

	// ListMatrices returns all matrix definitions of a project.
	ListMatrices(ctx context.Context, projectID uuid.UUID) ([]Matrix, error)
}

// RunStore handles run records, their results and the dead letter queue.
type RunStore interface {
	// CreateRun inserts the initial state of a new run.
	CreateRun(ctx context.Context, tx DBTransaction, run *Run) error

	// GetRunByID returns a run by its ID.
	GetRunByID(ctx context.Context, id uuid.UUID) (*Run, error)

	// RecordJobResults stores the per-environment results of a finished run.
	RecordJobResults(ctx context.Context, tx DBTransaction, runID uuid.UUID, results []JobResult) error

	// GetJobResults returns the stored results for a run, phases included.
	GetJobResults(ctx context.Context, runID uuid.UUID) ([]JobResult, error)

	// CountRunningRuns returns the number of runs currently running for a
	// given project (status = RUNNING).
	CountRunningRuns(ctx context.Context, tx DBTransaction, projectID uuid.UUID) (int64, error)

	// ListDLQ returns dead letter entries for a project, newest first.
	ListDLQ(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]DLQEntry, error)

	// RetryFromDLQ requeues a dead letter entry as a fresh run and returns
	// the new run ID.
	RetryFromDLQ(ctx context.Context, runID uuid.UUID) (uuid.UUID, error)
}

// LogStore handles run log persistence.
type LogStore interface {
	// AddLogEntries appends a batch of log lines for a run.
	AddLogEntries(ctx context.Context, runID uuid.UUID, lines []string) error

	// GetRunLogs returns log lines with id greater than afterID.
	GetRunLogs(ctx context.Context, runID uuid.UUID, afterID int64, limit int) ([]LogEntry, error)
}
