package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"matrixci/internal/store"

	"github.com/google/uuid"
)

// mockProjectStore implements store.ProjectStore for testing
type mockProjectStore struct {
	project *store.Project
	err     error
}

func (m *mockProjectStore) CreateProject(ctx context.Context, project *store.Project, hashedKey string) error {
	return m.err
}

func (m *mockProjectStore) GetProjectByID(ctx context.Context, id uuid.UUID) (*store.Project, error) {
	return m.project, m.err
}

func (m *mockProjectStore) GetProjectByAPIKeyHash(ctx context.Context, hash string) (*store.Project, error) {
	return m.project, m.err
}

func TestAuthMiddleware_MissingAuthHeader(t *testing.T) {
	mockStore := &mockProjectStore{}
	middleware := AuthMiddleware(mockStore)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_InvalidAuthHeaderFormat(t *testing.T) {
	mockStore := &mockProjectStore{}
	middleware := AuthMiddleware(mockStore)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "mx_abc123"},
		{"wrong prefix", "Basic mx_abc123"},
		{"too many parts", "Bearer key1 key2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestAuthMiddleware_StoreError(t *testing.T) {
	mockStore := &mockProjectStore{
		err: errors.New("database error"),
	}
	middleware := AuthMiddleware(mockStore)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer valid-key")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestAuthMiddleware_UnknownKey(t *testing.T) {
	mockStore := &mockProjectStore{
		project: nil,
		err:     nil,
	}
	middleware := AuthMiddleware(mockStore)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer invalid-key")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_ValidAuth(t *testing.T) {
	projectID := uuid.New()
	mockStore := &mockProjectStore{
		project: &store.Project{
			ID:        projectID,
			Name:      "Test Project",
			CreatedAt: time.Now(),
		},
	}
	middleware := AuthMiddleware(mockStore)

	var capturedCtx context.Context
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedCtx = r.Context()
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer mx_valid-api-key")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusOK)
	}

	if capturedCtx == nil {
		t.Fatal("context was not captured")
	}
	id, ok := ProjectIDFromContext(capturedCtx)
	if !ok {
		t.Fatal("expected project in context")
	}
	if id != projectID {
		t.Errorf("got project ID %v, want %v", id, projectID)
	}
}

func TestProjectIDFromContext_Empty(t *testing.T) {
	ctx := context.Background()
	id, ok := ProjectIDFromContext(ctx)

	if ok {
		t.Error("expected ok to be false for empty context")
	}
	if id != uuid.Nil {
		t.Errorf("expected uuid.Nil, got %v", id)
	}
}
