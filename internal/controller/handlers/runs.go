package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"matrixci/internal/controller/middleware"
	"matrixci/internal/store"
	"matrixci/pkg/api"

	"github.com/google/uuid"
)

// GetRun handles GET /runs/{id}.
// Returns the current status of a matrix run, with per-environment results
// once the worker has recorded them.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return
	}

	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	run, err := h.store.GetRunByID(ctx, runID)
	if err != nil || run.ProjectID != projectID {
		h.httpError(w, "Run not found", http.StatusNotFound)
		return
	}

	results, err := h.store.GetJobResults(ctx, runID)
	if err != nil {
		h.httpError(w, "Failed to fetch results", http.StatusInternalServerError)
		return
	}

	resp := api.RunResponse{
		ID:          run.ID.String(),
		MatrixID:    run.MatrixID.String(),
		Status:      string(run.Status),
		Priority:    run.Priority,
		Attempt:     run.Attempt,
		ScheduledAt: run.ScheduledAt,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Error:       run.ErrorMessage,
		Jobs:        toJobResponses(results),
	}
	h.respondJson(w, http.StatusOK, resp)
}

func toJobResponses(results []store.JobResult) []api.JobResultResponse {
	if len(results) == 0 {
		return nil
	}
	jobs := make([]api.JobResultResponse, len(results))
	for i, res := range results {
		phases := make([]api.PhaseResultResponse, len(res.Phases))
		for j, p := range res.Phases {
			phases[j] = api.PhaseResultResponse{
				Name:     p.Name,
				ExitCode: p.ExitCode,
				TimedOut: p.TimedOut,
				Duration: (time.Duration(p.DurationMS) * time.Millisecond).String(),
			}
		}
		jobs[i] = api.JobResultResponse{
			Environment: res.Environment,
			Status:      string(res.Status),
			Error:       res.Error,
			Phases:      phases,
		}
	}
	return jobs
}

// ListDLQRuns handles GET /runs/dlq.
// Returns runs that exhausted their retries, newest failures first.
func (h *Handlers) ListDLQRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	query := r.URL.Query()
	limit := 50
	if l := query.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	offset := 0
	if o := query.Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	entries, err := h.store.ListDLQ(ctx, projectID, limit, offset)
	if err != nil {
		h.httpError(w, "Failed to fetch dead letter queue", http.StatusInternalServerError)
		return
	}

	resp := make([]api.DLQRunResponse, len(entries))
	for i := range entries {
		e := &entries[i]
		resp[i] = api.DLQRunResponse{
			ID:         e.ID,
			RunID:      e.RunID.String(),
			MatrixID:   e.MatrixID.String(),
			MatrixName: e.MatrixName,
			Priority:   e.Priority,
			Attempts:   e.Attempts,
			FailedAt:   &e.FailedAt,
		}
		if e.ErrorMessage != "" {
			resp[i].ErrorMessage = &e.ErrorMessage
		}
	}
	h.respondJson(w, http.StatusOK, resp)
}

// RetryDLQRun handles POST /runs/dlq/{id}/retry.
// Creates a fresh run from a dead-lettered one and removes the dead letter
// entry. The new run starts with a clean attempt counter.
func (h *Handlers) RetryDLQRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return
	}

	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	run, err := h.store.GetRunByID(ctx, runID)
	if err != nil || run.ProjectID != projectID {
		h.httpError(w, "Run not found", http.StatusNotFound)
		return
	}

	newRunID, err := h.store.RetryFromDLQ(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.httpError(w, "Run is not in the dead letter queue", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to retry run", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusCreated, api.RetryDLQRunResponse{NewRunID: newRunID.String()})
}

// ---------------------------------------------------------
// Internal Worker Endpoints
// These should NOT use the project middleware.
// ---------------------------------------------------------

// InternalHeartbeat handles PUT /internal/runs/{id}/heartbeat.
// A worker calls this to say "I'm still working on it, don't give it to
// anyone else." Workers with direct database access extend visibility
// through the queue instead.
func (h *Handlers) InternalHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return
	}

	// Extend visibility by 5 minutes from now
	newVisibility := time.Now().Add(5 * time.Minute)

	if err := h.store.SetVisibleAfter(ctx, nil, runID, newVisibility); err != nil {
		h.httpError(w, "Failed to update heartbeat", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
