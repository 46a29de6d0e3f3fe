// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"net/http"
	"time"

	"matrixci/internal/controller/handlers"
	"matrixci/internal/controller/middleware"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server. systemSecret guards the internal
// endpoints the workers call.
func New(addr string, store handlers.StoreFactory, systemSecret string) *Server {
	h := handlers.New(store)
	authMW := middleware.AuthMiddleware(store)
	rateMW := middleware.NewRateLimiter().Middleware()
	internalMW := middleware.RequireInternalAuth(systemSecret)

	// Project routes authenticate with an API key and share the project's
	// rate limit.
	protected := func(hf http.HandlerFunc) http.Handler {
		return authMW(rateMW(hf))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /projects", h.CreateProject)

	// Public webhook endpoint; authenticated by HMAC signature, not API key.
	mux.HandleFunc("POST /hooks/{project_id}", h.HandleWebhook)

	// Public authenticated apis
	mux.Handle("POST /matrices", protected(h.CreateMatrix))
	mux.Handle("GET /matrices/{id}", protected(h.GetMatrix))
	mux.Handle("POST /matrices/{id}/runs", protected(h.TriggerRun))
	mux.Handle("GET /runs/dlq", protected(h.ListDLQRuns))
	mux.Handle("POST /runs/dlq/{id}/retry", protected(h.RetryDLQRun))
	mux.Handle("GET /runs/{id}", protected(h.GetRun))
	mux.Handle("GET /runs/{id}/logs", protected(h.GetRunLogs))

	// Internal endpoints
	// These are called by the Worker Agent.
	// These should run on a separate port or strict network rules.
	mux.Handle("POST /internal/runs/{id}/logs", internalMW(http.HandlerFunc(h.InternalAddLogs)))
	mux.Handle("PUT /internal/runs/{id}/heartbeat", internalMW(http.HandlerFunc(h.InternalHeartbeat)))

	// Probes and metrics
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
