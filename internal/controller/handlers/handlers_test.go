package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"matrixci/internal/store"

	"github.com/google/uuid"
)

// Mock transaction
type mockTx struct{}

func (m *mockTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}
func (m *mockTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, nil
}
func (m *mockTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}

func (m *mockTx) Commit() error { return nil }

func (m *mockTx) Rollback() error { return nil }

// Mock Store
type mockStore struct {
	beginTxErr error
	pingErr    error

	// Project Hooks
	createProjectErr  error
	getProjectResp    *store.Project
	getProjectErr     error
	getProjectByHash  *store.Project
	getProjectHashErr error

	// Matrix Hooks
	createMatrixErr  error
	getMatrixResp    *store.Matrix
	getMatrixErr     error
	listMatricesResp []store.Matrix
	listMatricesErr  error

	// Run Hooks
	createRunErr        error
	getRunResp          *store.Run
	getRunErr           error
	recordResultsErr    error
	getJobResultsResp   []store.JobResult
	getJobResultsErr    error
	countRunningResp    int64
	countRunningErr     error
	listDLQResp         []store.DLQEntry
	listDLQErr          error
	retryFromDLQResp    uuid.UUID
	retryFromDLQErr     error

	// Log Hooks
	addLogEntriesErr error
	getRunLogsResp   []store.LogEntry
	getRunLogsErr    error

	// Queue Hooks
	enqueueErr       error
	dequeueBatchResp []store.QueueItem
	dequeueBatchErr  error
	completeErr      error
	failErr          error
	setVisibleErr    error

	// Spies (to verify arguments passed by handlers)
	capturedAfterID      int64
	capturedLimit        int
	capturedVisibleAfter time.Time
	capturedPriority     int
	capturedPayload      json.RawMessage
	capturedLines        []string
	capturedRun          *store.Run
}

func (m *mockStore) BeginTx(ctx context.Context) (store.Tx, error) {
	if m.beginTxErr != nil {
		return nil, m.beginTxErr
	}
	return &mockTx{}, nil
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *mockStore) CreateProject(ctx context.Context, project *store.Project, hashedKey string) error {
	return m.createProjectErr
}

func (m *mockStore) GetProjectByID(ctx context.Context, id uuid.UUID) (*store.Project, error) {
	return m.getProjectResp, m.getProjectErr
}

func (m *mockStore) GetProjectByAPIKeyHash(ctx context.Context, hash string) (*store.Project, error) {
	return m.getProjectByHash, m.getProjectHashErr
}

func (m *mockStore) CreateMatrix(ctx context.Context, tx store.DBTransaction, matrix *store.Matrix) error {
	m.capturedPriority = matrix.Priority
	return m.createMatrixErr
}

func (m *mockStore) GetMatrixByID(ctx context.Context, id uuid.UUID) (*store.Matrix, error) {
	return m.getMatrixResp, m.getMatrixErr
}

func (m *mockStore) ListMatrices(ctx context.Context, projectID uuid.UUID) ([]store.Matrix, error) {
	return m.listMatricesResp, m.listMatricesErr
}

func (m *mockStore) CreateRun(ctx context.Context, tx store.DBTransaction, run *store.Run) error {
	m.capturedRun = run
	m.capturedPriority = run.Priority
	return m.createRunErr
}

func (m *mockStore) GetRunByID(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	return m.getRunResp, m.getRunErr
}

func (m *mockStore) RecordJobResults(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, results []store.JobResult) error {
	return m.recordResultsErr
}

func (m *mockStore) GetJobResults(ctx context.Context, runID uuid.UUID) ([]store.JobResult, error) {
	return m.getJobResultsResp, m.getJobResultsErr
}

func (m *mockStore) CountRunningRuns(ctx context.Context, tx store.DBTransaction, projectID uuid.UUID) (int64, error) {
	return m.countRunningResp, m.countRunningErr
}

func (m *mockStore) ListDLQ(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]store.DLQEntry, error) {
	m.capturedLimit = limit
	return m.listDLQResp, m.listDLQErr
}

func (m *mockStore) RetryFromDLQ(ctx context.Context, runID uuid.UUID) (uuid.UUID, error) {
	return m.retryFromDLQResp, m.retryFromDLQErr
}

func (m *mockStore) AddLogEntries(ctx context.Context, runID uuid.UUID, lines []string) error {
	m.capturedLines = lines
	return m.addLogEntriesErr
}

func (m *mockStore) GetRunLogs(ctx context.Context, runID uuid.UUID, afterID int64, limit int) ([]store.LogEntry, error) {
	m.capturedAfterID = afterID
	m.capturedLimit = limit
	return m.getRunLogsResp, m.getRunLogsErr
}

func (m *mockStore) Enqueue(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, payload json.RawMessage, visibleAfter time.Time) (int64, error) {
	m.capturedPayload = payload
	m.capturedVisibleAfter = visibleAfter
	return 1, m.enqueueErr
}

func (m *mockStore) DequeueBatch(ctx context.Context, projectIDs []uuid.UUID, limit int) ([]store.QueueItem, error) {
	return m.dequeueBatchResp, m.dequeueBatchErr
}

func (m *mockStore) Complete(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, status store.RunStatus, errMsg *string) error {
	return m.completeErr
}

func (m *mockStore) Fail(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, errMsg string) error {
	return m.failErr
}

func (m *mockStore) SetVisibleAfter(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, visibleAfter time.Time) error {
	m.capturedVisibleAfter = visibleAfter
	return m.setVisibleErr
}

func (m *mockStore) Count(ctx context.Context) (int64, error) {
	return 0, nil
}
