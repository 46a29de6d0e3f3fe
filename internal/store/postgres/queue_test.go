package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return &Store{db: db}, mock
}

func TestEnqueue_Success(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.db.Close()

	ctx := context.Background()
	runID := uuid.New()
	payload := json.RawMessage(`{"key": "value"}`)
	expectedQueueID := int64(42)
	visibleAfter := time.Now()

	mock.ExpectQuery(`INSERT INTO run_queue`).
		WithArgs(runID, payload, visibleAfter).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(expectedQueueID))

	id, err := store.Enqueue(ctx, nil, runID, payload, visibleAfter)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id != expectedQueueID {
		t.Errorf("got id %d, want %d", id, expectedQueueID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestEnqueue_RunNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.db.Close()

	ctx := context.Background()
	runID := uuid.New()
	payload := json.RawMessage(`{}`)

	mock.ExpectQuery(`INSERT INTO run_queue`).
		WithArgs(runID, payload).
		WillReturnError(sql.ErrNoRows)

	_, err := store.Enqueue(ctx, nil, runID, payload, time.Now())
	if err == nil {
		t.Error("expected error, got nil")
	}
}

// DequeueBatch Tests
func TestDequeueBatch_Success(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.db.Close()

	ctx := context.Background()
	run1 := uuid.New()
	run2 := uuid.New()
	queueID1 := int64(1)
	queueID2 := int64(2)
	payload1 := json.RawMessage(`{"matrix": "test1"}`)
	payload2 := json.RawMessage(`{"matrix": "test2"}`)

	mock.ExpectBegin()

	// SELECT ... FOR UPDATE SKIP LOCKED LIMIT 3
	mock.ExpectQuery(`SELECT id, run_id, payload FROM run_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "payload"}).
			AddRow(queueID1, run1, payload1).
			AddRow(queueID2, run2, payload2))

	// Bulk UPDATE visibility timeout
	mock.ExpectExec(`UPDATE run_queue`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	// Bulk UPDATE run status
	mock.ExpectExec(`UPDATE runs`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	mock.ExpectCommit()

	items, err := store.DequeueBatch(ctx, nil, 3)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 items, got %d", len(items))
	}
	if items[0].RunID != run1 {
		t.Errorf("got runID %v, want %v", items[0].RunID, run1)
	}
	if items[1].RunID != run2 {
		t.Errorf("got runID %v, want %v", items[1].RunID, run2)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDequeueBatch_PriorityQueryStructure(t *testing.T) {
	// We use sqlmock NOT to test sorting, but to test that we generated the correct SQL.
	store, mock := newMockStore(t)
	defer store.db.Close()

	ctx := context.Background()
	projectID := uuid.New()

	// Verify that the generated SQL explicitly includes "ORDER BY priority DESC"
	// and "created_at ASC". This catches regression if someone deletes the sorting logic.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, run_id, payload FROM run_queue .* ORDER BY priority DESC, created_at ASC FOR UPDATE SKIP LOCKED .*`).
		WithArgs(1, sqlmock.AnyArg()). // Limit, ProjectID array
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "payload"}).
			AddRow(100, uuid.New(), []byte("{}")))

	// Mock the subsequent updates (attempt count sync)
	mock.ExpectExec(`UPDATE run_queue`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE runs`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	items, err := store.DequeueBatch(ctx, []uuid.UUID{projectID}, 1)

	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("Expected 1 item, got %d", len(items))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestDequeueBatch_EmptyQueue(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.db.Close()

	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, run_id, payload FROM run_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "payload"})) // Empty result
	mock.ExpectRollback()

	items, err := store.DequeueBatch(ctx, nil, 5)
	if err != nil {
		t.Errorf("expected no error for empty queue, got %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected 0 items, got %d", len(items))
	}
}

func TestDequeueBatch_WithProjectFilter(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.db.Close()

	ctx := context.Background()
	projectIDs := []uuid.UUID{uuid.New(), uuid.New()}
	runID := uuid.New()
	queueID := int64(5)
	payload := json.RawMessage(`{}`)

	mock.ExpectBegin()

	// Should include project filter in query
	mock.ExpectQuery(`SELECT id, run_id, payload FROM run_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "payload"}).
			AddRow(queueID, runID, payload))

	mock.ExpectExec(`UPDATE run_queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(`UPDATE runs`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectCommit()

	items, err := store.DequeueBatch(ctx, projectIDs, 10)
	if err != nil {
		t.Fatalf("DequeueBatch with project filter failed: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("expected 1 item, got %d", len(items))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDequeueBatch_LimitDefaultsToOne(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.db.Close()

	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, run_id, payload FROM run_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "payload"}))
	mock.ExpectRollback()

	// Limit of 0 should default to 1
	_, err := store.DequeueBatch(ctx, nil, 0)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestComplete_Passed(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.db.Close()

	ctx := context.Background()
	runID := uuid.New()

	mock.ExpectExec(`DELETE FROM run_queue`).
		WithArgs(runID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(`UPDATE runs`).
		WithArgs("PASSED", nil, runID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Complete(ctx, nil, runID, "PASSED", nil)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestComplete_FailedVerdict(t *testing.T) {
	// A run whose jobs failed still completes; it must not be retried.
	store, mock := newMockStore(t)
	defer store.db.Close()

	ctx := context.Background()
	runID := uuid.New()
	errMsg := "invalid matrix: no environments defined"

	mock.ExpectExec(`DELETE FROM run_queue`).
		WithArgs(runID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(`UPDATE runs`).
		WithArgs("FAILED", errMsg, runID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Complete(ctx, nil, runID, "FAILED", &errMsg)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestFail_WithRetry(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.db.Close()

	ctx := context.Background()
	runID := uuid.New()
	currentAttempt := 2 // Less than MaxRetries (5)

	// Query current attempt
	mock.ExpectQuery(`SELECT attempt FROM run_queue`).
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{"attempt"}).AddRow(currentAttempt))

	// Expect retry with exponential backoff: 10 * 2^2 = 40 seconds
	expectedBackoff := time.Duration(10*(1<<currentAttempt)) * time.Second
	mock.ExpectExec(`UPDATE run_queue`).
		WithArgs(expectedBackoff.Seconds(), runID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Fail(ctx, nil, runID, "temporary error")
	if err != nil {
		t.Fatalf("Fail with retry failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestFail_PermanentFailure(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.db.Close()

	ctx := context.Background()
	runID := uuid.New()
	errMsg := "max retries exceeded"

	// Query current attempt - exceeds MaxRetries
	mock.ExpectQuery(`SELECT attempt FROM run_queue`).
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{"attempt"}).AddRow(MaxRetries + 1))

	// Insert into DLQ first
	mock.ExpectExec(`INSERT INTO run_dlq`).
		WithArgs(errMsg, runID).
		WillReturnResult(sqlmock.NewResult(1, 1))

	// Then delete from queue
	mock.ExpectExec(`DELETE FROM run_queue`).
		WithArgs(runID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(`UPDATE runs`).
		WithArgs("FAILED", errMsg, runID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Fail(ctx, nil, runID, errMsg)
	if err != nil {
		t.Fatalf("Fail permanent failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestFail_RunNotInQueue(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.db.Close()

	ctx := context.Background()
	runID := uuid.New()
	errMsg := "run vanished"

	// Run not found in queue
	mock.ExpectQuery(`SELECT attempt FROM run_queue`).
		WithArgs(runID).
		WillReturnError(sql.ErrNoRows)

	// Insert into DLQ first (inserts nothing, the queue row is gone)
	mock.ExpectExec(`INSERT INTO run_dlq`).
		WithArgs(errMsg, runID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Treat as permanent failure - delete from queue
	mock.ExpectExec(`DELETE FROM run_queue`).
		WithArgs(runID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectExec(`UPDATE runs`).
		WithArgs("FAILED", errMsg, runID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Fail(ctx, nil, runID, errMsg)
	if err != nil {
		t.Fatalf("Fail run not in queue failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSetVisibleAfter_Success(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.db.Close()

	ctx := context.Background()
	runID := uuid.New()
	visibleAfter := time.Now().Add(10 * time.Minute)

	mock.ExpectExec(`UPDATE run_queue`).
		WithArgs(visibleAfter, runID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SetVisibleAfter(ctx, nil, runID, visibleAfter)
	if err != nil {
		t.Fatalf("SetVisibleAfter failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCount(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM run_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 7 {
		t.Errorf("got count %d, want 7", count)
	}
}
