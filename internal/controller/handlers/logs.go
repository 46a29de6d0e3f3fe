package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"matrixci/internal/controller/middleware"
	"matrixci/pkg/api"

	"github.com/google/uuid"
)

// InternalAddLogs handles POST /internal/runs/{id}/logs
// Called by the Worker to append a batch of log lines.
func (h *Handlers) InternalAddLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return
	}

	var req api.AddLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.store.AddLogEntries(ctx, runID, req.Lines); err != nil {
		h.httpError(w, "Failed to persist logs", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// GetRunLogs handles GET /runs/{id}/logs
// Called by the User (CLI/UI) to view logs. The after_id cursor lets
// clients poll for new lines without re-reading the whole stream.
func (h *Handlers) GetRunLogs(w http.ResponseWriter, r *http.Request) {
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

	query := r.URL.Query()
	limit := 1000 // default limit
	if l := query.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 10000 {
			limit = parsed
		}
	}

	var afterID int64 = 0
	if after := query.Get("after_id"); after != "" {
		if parsed, err := strconv.ParseInt(after, 10, 64); err == nil {
			afterID = parsed
		}
	}

	// Verify ownership
	run, err := h.store.GetRunByID(ctx, runID)
	if err != nil || run.ProjectID != projectID {
		h.httpError(w, "Run not found", http.StatusNotFound)
		return
	}

	logs, err := h.store.GetRunLogs(ctx, runID, afterID, limit)
	if err != nil {
		h.httpError(w, "Failed to fetch logs", http.StatusInternalServerError)
		return
	}

	apiLogs := make([]api.LogEntry, len(logs))
	for i, log := range logs {
		apiLogs[i] = api.LogEntry{
			ID:        log.ID,
			Content:   log.Content,
			CreatedAt: log.CreatedAt,
		}
	}

	h.respondJson(w, http.StatusOK, api.GetLogsResponse{Logs: apiLogs})
}
