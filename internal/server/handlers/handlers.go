// Package handlers contains HTTP handlers for the launcher API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"podlauncher/internal/launcher"
	"podlauncher/internal/logger"
	"podlauncher/pkg/api"
)

// LaunchService runs and inspects launches. It is implemented by *launcher.Manager.
type LaunchService interface {
	Start(logicalKey string, spec launcher.LaunchSpec, cfg launcher.JobRunConfig) (launcher.ExecutionIdentity, error)
	Cancel(ctx context.Context, logicalKey string) (bool, error)
	Describe(ctx context.Context, cfg launcher.JobRunConfig) (*launcher.ExecutionDescription, error)
	Reap(ctx context.Context, logicalKey string) error
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Defaults are applied to launch requests that leave the fields empty.
type Defaults struct {
	Image string
	// Env is merged under the request's environment.
	Env map[string]string
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	service  LaunchService
	store    Pinger
	defaults Defaults
	logger   *slog.Logger
}

// New creates a new Handlers instance.
func New(service LaunchService, store Pinger, defaults Defaults, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{service: service, store: store, defaults: defaults, logger: log}
}

func (h *Handlers) log(r *http.Request) *slog.Logger {
	return logger.FromContext(r.Context(), h.logger)
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

func (h *Handlers) httpErrorDetails(w http.ResponseWriter, message, details string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error:   message,
		Code:    strconv.Itoa(code),
		Details: details,
	})
}
