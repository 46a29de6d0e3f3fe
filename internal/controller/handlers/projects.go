package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"matrixci/internal/auth"
	"matrixci/internal/store"
	"matrixci/pkg/api"

	"github.com/google/uuid"
)

// Limits applied to new projects. Operators tune them per project in the
// database afterwards.
const (
	defaultRateLimit         = 5
	defaultRateLimitBurst    = 10
	defaultMaxConcurrentRuns = 10
)

// CreateProject handles POST /projects (Admin Only).
// It generates an API key and a webhook secret, stores only the key's hash,
// and returns both raw values ONCE.
func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		h.httpError(w, "Name is required", http.StatusBadRequest)
		return
	}

	apiKey, err := auth.GenerateKey()
	if err != nil {
		h.httpError(w, "Entropy failure", http.StatusInternalServerError)
		return
	}

	webhookSecret, err := auth.GenerateSecret()
	if err != nil {
		h.httpError(w, "Entropy failure", http.StatusInternalServerError)
		return
	}

	project := &store.Project{
		ID:                uuid.New(),
		Name:              req.Name,
		WebhookSecret:     webhookSecret,
		RateLimit:         defaultRateLimit,
		RateLimitBurst:    defaultRateLimitBurst,
		MaxConcurrentRuns: defaultMaxConcurrentRuns,
		CreatedAt:         time.Now().UTC(),
	}

	if err := h.store.CreateProject(ctx, project, auth.HashKey(apiKey)); err != nil {
		h.httpError(w, "Failed to create project", http.StatusInternalServerError)
		return
	}

	// Return the raw credentials (this is the only time the caller sees them)
	resp := api.CreateProjectResponse{
		ID:            project.ID.String(),
		Name:          project.Name,
		ApiKey:        apiKey,
		WebhookSecret: webhookSecret,
	}
	h.respondJson(w, http.StatusCreated, resp)
}
