package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"matrixci/internal/auth"
	"matrixci/pkg/api"

	"github.com/google/uuid"
)

// Webhook bodies larger than this are rejected outright.
const maxWebhookBody = 1 << 20

// HandleWebhook handles POST /hooks/{project_id}.
// A push event triggers a run for every matrix registered in the project.
// The endpoint is public; deliveries authenticate with an HMAC signature
// over the raw body using the project's webhook secret.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID, err := uuid.Parse(r.PathValue("project_id"))
	if err != nil {
		h.httpError(w, "Invalid project id", http.StatusBadRequest)
		return
	}

	project, err := h.store.GetProjectByID(ctx, projectID)
	if err != nil || project == nil {
		h.httpError(w, "Project not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.httpError(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get(auth.SignatureHeader)
	if !auth.VerifySignature(project.WebhookSecret, body, signature) {
		h.httpError(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var event api.PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.httpError(w, "Invalid event payload", http.StatusBadRequest)
		return
	}

	matrices, err := h.store.ListMatrices(ctx, project.ID)
	if err != nil {
		h.httpError(w, "Failed to list matrices", http.StatusInternalServerError)
		return
	}

	runIDs := make([]string, 0, len(matrices))
	for i := range matrices {
		runID, err := h.enqueueRun(r, project, &matrices[i], nil)
		if err != nil {
			// Runs already enqueued stay enqueued; the sender can retry
			// the delivery once capacity frees up.
			var limitErr *concurrencyLimitError
			if errors.As(err, &limitErr) {
				h.httpError(w, limitErr.Error(), http.StatusTooManyRequests)
				return
			}
			h.httpError(w, "Failed to enqueue run", http.StatusInternalServerError)
			return
		}
		runIDs = append(runIDs, runID.String())
	}

	h.respondJson(w, http.StatusAccepted, api.WebhookResponse{RunIDs: runIDs})
}
