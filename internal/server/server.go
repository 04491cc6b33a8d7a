// Package server exposes the launcher over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"podlauncher/internal/server/handlers"
	"podlauncher/internal/server/middleware"
)

// Options configures the HTTP API.
type Options struct {
	// InternalSecret guards every /internal route.
	InternalSecret string
	RateLimit      float64
	RateBurst      int
	Defaults       handlers.Defaults
	Logger         *slog.Logger
}

// Server is the HTTP server for the launcher API.
type Server struct {
	httpServer *http.Server
}

// New creates a new launcher API server.
func New(addr string, service handlers.LaunchService, store handlers.Pinger, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(service, store, opts),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			// Reap can wait for the full reap deadline.
			WriteTimeout: 90 * time.Second,
		},
	}
}

// NewHandler builds the routed handler with its middleware chain.
func NewHandler(service handlers.LaunchService, store handlers.Pinger, opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	h := handlers.New(service, store, opts.Defaults, log)

	internal := chain(
		middleware.RequireInternalAuth(opts.InternalSecret),
		middleware.NewRateLimiter(opts.RateLimit, opts.RateBurst).Middleware(),
	)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)

	// Internal endpoints, called by the scheduler and launchctl.
	mux.Handle("POST /internal/launches", internal(http.HandlerFunc(h.Launch)))
	mux.Handle("DELETE /internal/launches/{connection_id}", internal(http.HandlerFunc(h.CancelLaunch)))
	mux.Handle("GET /internal/executions/{job_id}/{attempt_id}", internal(http.HandlerFunc(h.GetExecution)))
	mux.Handle("POST /internal/connections/{connection_id}/reap", internal(http.HandlerFunc(h.ReapConnection)))

	return middleware.RequestID(middleware.AccessLog(log)(mux))
}

func chain(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
