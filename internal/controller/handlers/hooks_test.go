package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"matrixci/internal/auth"
	"matrixci/internal/store"
	"matrixci/pkg/api"

	"github.com/google/uuid"
)

const hookSecret = "whsec-test"

func hookProject(id uuid.UUID) *store.Project {
	return &store.Project{
		ID:                id,
		Name:              "hooked-project",
		WebhookSecret:     hookSecret,
		MaxConcurrentRuns: 10,
	}
}

func TestHandleWebhook(t *testing.T) {
	projectID := uuid.New()
	eventBody := []byte(`{"ref": "refs/heads/main", "after": "4f2d9c1"}`)

	twoMatrices := []store.Matrix{
		{ID: uuid.New(), ProjectID: projectID, Name: "unit-suite", Definition: validDefinition, Priority: 50},
		{ID: uuid.New(), ProjectID: projectID, Name: "integration-suite", Definition: validDefinition, Priority: 75},
	}

	tests := []struct {
		name           string
		projectIDParam string
		signature      string
		mockSetup      func(*mockStore)
		expectedStatus int
		expectedRuns   int
	}{
		{
			name:           "Success - Triggers All Matrices",
			projectIDParam: projectID.String(),
			signature:      auth.SignPayload(hookSecret, eventBody),
			mockSetup: func(m *mockStore) {
				m.getProjectResp = hookProject(projectID)
				m.listMatricesResp = twoMatrices
			},
			expectedStatus: http.StatusAccepted,
			expectedRuns:   2,
		},
		{
			name:           "Success - No Matrices Registered",
			projectIDParam: projectID.String(),
			signature:      auth.SignPayload(hookSecret, eventBody),
			mockSetup: func(m *mockStore) {
				m.getProjectResp = hookProject(projectID)
			},
			expectedStatus: http.StatusAccepted,
			expectedRuns:   0,
		},
		{
			name:           "Invalid Project ID",
			projectIDParam: "not-a-uuid",
			signature:      auth.SignPayload(hookSecret, eventBody),
			mockSetup:      func(m *mockStore) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Unknown Project",
			projectIDParam: uuid.New().String(),
			signature:      auth.SignPayload(hookSecret, eventBody),
			mockSetup: func(m *mockStore) {
				m.getProjectErr = errors.New("not found")
			},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "Missing Signature",
			projectIDParam: projectID.String(),
			signature:      "",
			mockSetup: func(m *mockStore) {
				m.getProjectResp = hookProject(projectID)
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Wrong Signature",
			projectIDParam: projectID.String(),
			signature:      auth.SignPayload("other-secret", eventBody),
			mockSetup: func(m *mockStore) {
				m.getProjectResp = hookProject(projectID)
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "List Matrices Error",
			projectIDParam: projectID.String(),
			signature:      auth.SignPayload(hookSecret, eventBody),
			mockSetup: func(m *mockStore) {
				m.getProjectResp = hookProject(projectID)
				m.listMatricesErr = errors.New("db failed")
			},
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name:           "Enqueue Error",
			projectIDParam: projectID.String(),
			signature:      auth.SignPayload(hookSecret, eventBody),
			mockSetup: func(m *mockStore) {
				m.getProjectResp = hookProject(projectID)
				m.listMatricesResp = twoMatrices
				m.enqueueErr = errors.New("queue full")
			},
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name:           "Concurrent Run Limit Reached",
			projectIDParam: projectID.String(),
			signature:      auth.SignPayload(hookSecret, eventBody),
			mockSetup: func(m *mockStore) {
				m.getProjectResp = hookProject(projectID)
				m.listMatricesResp = twoMatrices
				m.countRunningResp = 10
			},
			expectedStatus: http.StatusTooManyRequests,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockStore{}
			if tt.mockSetup != nil {
				tt.mockSetup(mock)
			}

			h := New(mock)

			mux := http.NewServeMux()
			mux.HandleFunc("POST /hooks/{project_id}", h.HandleWebhook)

			req := httptest.NewRequest(http.MethodPost, "/hooks/"+tt.projectIDParam, bytes.NewReader(eventBody))
			if tt.signature != "" {
				req.Header.Set(auth.SignatureHeader, tt.signature)
			}
			rr := httptest.NewRecorder()

			mux.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %d want %d, body: %s", rr.Code, tt.expectedStatus, rr.Body.String())
			}

			if tt.expectedStatus == http.StatusAccepted {
				var resp api.WebhookResponse
				if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if len(resp.RunIDs) != tt.expectedRuns {
					t.Errorf("run_ids: got %d, want %d", len(resp.RunIDs), tt.expectedRuns)
				}
			}
		})
	}
}
