// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"matrixci/internal/auth"
	"matrixci/internal/store"
	"matrixci/pkg/api"

	"github.com/google/uuid"
)

// projectKey is the context key for the authenticated project.
type projectKey struct{}

// AuthMiddleware authenticates requests with a Bearer API key and loads the
// owning project into the request context. Every matrix and run operation
// must be scoped by the authenticated project.
func AuthMiddleware(s store.ProjectStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, http.StatusUnauthorized, "Invalid authorization header")
				return
			}

			// Only the hash ever touches the database.
			project, err := s.GetProjectByAPIKeyHash(r.Context(), auth.HashKey(parts[1]))
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeError(w, http.StatusUnauthorized, "Invalid API key")
					return
				}
				writeError(w, http.StatusInternalServerError, "Authentication unavailable")
				return
			}
			if project == nil {
				writeError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}

			ctx := NewContextWithProject(r.Context(), project)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewContextWithProject returns a context carrying the authenticated project.
func NewContextWithProject(ctx context.Context, p *store.Project) context.Context {
	return context.WithValue(ctx, projectKey{}, p)
}

// ProjectFromContext returns the authenticated project, if any.
func ProjectFromContext(ctx context.Context) (*store.Project, bool) {
	p, ok := ctx.Value(projectKey{}).(*store.Project)
	return p, ok
}

// ProjectIDFromContext returns the authenticated project's ID.
func ProjectIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	if p, ok := ProjectFromContext(ctx); ok {
		return p.ID, true
	}
	return uuid.Nil, false
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: msg,
		Code:  strconv.Itoa(code),
	})
}
