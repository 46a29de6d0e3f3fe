package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"matrixci/internal/controller/middleware"
	"matrixci/internal/matrix"
	"matrixci/internal/store"
	"matrixci/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// CreateMatrix handles POST /matrices.
// It validates and saves a reusable matrix definition (blueprint) to the
// database. Runs are triggered separately.
func (h *Handlers) CreateMatrix(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateMatrixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Name == "" || req.Definition == "" {
		h.httpError(w, "Name and Definition are required", http.StatusBadRequest)
		return
	}

	priority := req.Priority
	if priority == 0 {
		priority = api.PriorityNormal
	}
	if priority < api.PriorityMin || priority > api.PriorityMax {
		h.httpError(w, "Priority must be between 0 and 100", http.StatusBadRequest)
		return
	}

	// Reject definitions that could never run. GPU capacity is checked at
	// run time by the worker, not here.
	def, err := matrix.Parse([]byte(req.Definition))
	if err != nil {
		h.httpError(w, "Invalid matrix definition: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := def.Validate(-1); err != nil {
		h.httpError(w, "Invalid matrix definition: "+err.Error(), http.StatusBadRequest)
		return
	}

	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	m := &store.Matrix{
		ID:         uuid.New(),
		ProjectID:  projectID,
		Name:       req.Name,
		Definition: req.Definition,
		Priority:   priority,
		CreatedAt:  time.Now().UTC(),
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	if err := h.store.CreateMatrix(ctx, tx, m); err != nil {
		h.httpError(w, "Failed to create matrix", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(); err != nil {
		h.httpError(w, "Failed to commit transaction", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusCreated, api.CreateMatrixResponse{MatrixID: m.ID.String()})
}

// GetMatrix handles GET /matrices/{id}.
func (h *Handlers) GetMatrix(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	matrixID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid matrix id", http.StatusBadRequest)
		return
	}

	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	m, err := h.store.GetMatrixByID(ctx, matrixID)
	if err != nil || m.ProjectID != projectID {
		h.httpError(w, "Matrix not found", http.StatusNotFound)
		return
	}

	h.respondJson(w, http.StatusOK, api.MatrixStatusResponse{
		ID:        m.ID.String(),
		Name:      m.Name,
		Priority:  m.Priority,
		CreatedAt: m.CreatedAt,
	})
}

// TriggerRun handles POST /matrices/{id}/runs.
// Creates a run record and enqueues it, so workers can pull it to run.
func (h *Handlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	matrixID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid matrix id", http.StatusBadRequest)
		return
	}

	var req api.TriggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	project, ok := middleware.ProjectFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	m, err := h.store.GetMatrixByID(ctx, matrixID)
	if err != nil || m.ProjectID != project.ID {
		h.httpError(w, "Matrix not found", http.StatusNotFound)
		return
	}

	runID, err := h.enqueueRun(r, project, m, req.ScheduledAt)
	if err != nil {
		var limitErr *concurrencyLimitError
		if errors.As(err, &limitErr) {
			h.httpError(w, limitErr.Error(), http.StatusTooManyRequests)
			return
		}
		h.httpError(w, "Failed to enqueue run", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusAccepted, api.TriggerRunResponse{RunID: runID.String()})
}

// concurrencyLimitError marks a trigger rejected because the project already
// has too many runs in flight.
type concurrencyLimitError struct {
	running int64
	limit   int
}

func (e *concurrencyLimitError) Error() string {
	return "Concurrent run limit reached"
}

// enqueueRun creates the run record and its queue item in one transaction.
// Shared between the trigger endpoint and the webhook endpoint.
func (h *Handlers) enqueueRun(r *http.Request, project *store.Project, m *store.Matrix, scheduledAt *time.Time) (uuid.UUID, error) {
	ctx := r.Context()

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback()

	// The count takes a per-project advisory lock, so two concurrent
	// triggers cannot both slip under the limit.
	if project.MaxConcurrentRuns > 0 {
		running, err := h.store.CountRunningRuns(ctx, tx, project.ID)
		if err != nil {
			return uuid.Nil, err
		}
		if running >= int64(project.MaxConcurrentRuns) {
			return uuid.Nil, &concurrencyLimitError{running: running, limit: project.MaxConcurrentRuns}
		}
	}

	run := &store.Run{
		ID:          uuid.New(),
		MatrixID:    m.ID,
		ProjectID:   project.ID,
		Status:      store.RunStatusPending,
		Priority:    m.Priority,
		ScheduledAt: scheduledAt,
		CreatedAt:   time.Now().UTC(),
	}

	if err := h.store.CreateRun(ctx, tx, run); err != nil {
		return uuid.Nil, err
	}

	// Serialize the full definition into the queue payload so the worker
	// doesn't need to query the 'matrices' table. The trace context rides
	// along so worker spans join the trigger's trace.
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	payload, _ := json.Marshal(api.RunPayload{
		Name:   m.Name,
		Matrix: m.Definition,
		Trace:  carrier,
	})

	visibleAfter := time.Now()
	if scheduledAt != nil && scheduledAt.After(visibleAfter) {
		visibleAfter = *scheduledAt
	}

	if _, err := h.store.Enqueue(ctx, tx, run.ID, payload, visibleAfter); err != nil {
		return uuid.Nil, err
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, err
	}

	return run.ID, nil
}
