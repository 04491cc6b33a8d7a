package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"podlauncher/internal/launcher"
	"podlauncher/pkg/api"
)

// Launch handles POST /internal/launches.
// The launch runs in the background; the response names the execution it will attach to.
func (h *Handlers) Launch(w http.ResponseWriter, r *http.Request) {
	var req api.LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	spec, err := h.launchSpec(req)
	if err != nil {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg := launcher.JobRunConfig{JobID: req.JobID, AttemptID: req.AttemptID}

	id, err := h.service.Start(req.ConnectionID, spec, cfg)
	if err != nil {
		if errors.Is(err, launcher.ErrShuttingDown) {
			h.httpError(w, "Launcher is shutting down", http.StatusServiceUnavailable)
			return
		}
		h.log(r).Error("failed to start launch", "connection_id", req.ConnectionID, "error", err)
		h.httpError(w, "Failed to start launch", http.StatusInternalServerError)
		return
	}

	h.log(r).Info("launch accepted",
		"connection_id", req.ConnectionID,
		"execution", id.String(),
		"application", spec.ApplicationName,
	)
	h.respondJson(w, http.StatusAccepted, api.LaunchResponse{
		ConnectionID:  req.ConnectionID,
		Namespace:     id.Namespace,
		ExecutionName: id.Name,
	})
}

func (h *Handlers) launchSpec(req api.LaunchRequest) (launcher.LaunchSpec, error) {
	switch {
	case req.ConnectionID == "":
		return launcher.LaunchSpec{}, errors.New("connection_id is required")
	case req.JobID == "":
		return launcher.LaunchSpec{}, errors.New("job_id is required")
	case req.ApplicationName == "":
		return launcher.LaunchSpec{}, errors.New("application_name is required")
	case req.AttemptID < 0:
		return launcher.LaunchSpec{}, errors.New("attempt_id must not be negative")
	}

	image := req.Image
	if image == "" {
		image = h.defaults.Image
	}
	if image == "" {
		return launcher.LaunchSpec{}, errors.New("image is required")
	}

	files := make(map[string][]byte, len(req.Files)+1)
	for name, content := range req.Files {
		if name == "" || strings.ContainsAny(name, `/\`) {
			return launcher.LaunchSpec{}, fmt.Errorf("invalid file name %q", name)
		}
		files[name] = []byte(content)
	}
	if len(req.Input) > 0 {
		files[launcher.InitFileInput] = req.Input
	}

	for port, exposed := range req.Ports {
		if !validPort(port) || !validPort(exposed) {
			return launcher.LaunchSpec{}, fmt.Errorf("invalid port mapping %d:%d", port, exposed)
		}
	}

	env := maps.Clone(h.defaults.Env)
	if env == nil {
		env = make(map[string]string, len(req.Env))
	}
	maps.Copy(env, req.Env)

	return launcher.LaunchSpec{
		ApplicationName:      req.ApplicationName,
		Image:                image,
		Command:              req.Command,
		EnvironmentVariables: env,
		InputFiles:           files,
		PortMappings:         req.Ports,
		Resources: launcher.ResourceRequirements{
			CPURequest:    req.Resources.CPURequest,
			CPULimit:      req.Resources.CPULimit,
			MemoryRequest: req.Resources.MemoryRequest,
			MemoryLimit:   req.Resources.MemoryLimit,
		},
		Labels: req.Labels,
	}, nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// CancelLaunch handles DELETE /internal/launches/{connection_id}.
func (h *Handlers) CancelLaunch(w http.ResponseWriter, r *http.Request) {
	connectionID := r.PathValue("connection_id")

	found, err := h.service.Cancel(r.Context(), connectionID)
	if err != nil {
		h.log(r).Error("failed to cancel launch", "connection_id", connectionID, "error", err)
		h.httpError(w, "Failed to cancel launch", http.StatusInternalServerError)
		return
	}
	if !found {
		h.httpError(w, "Launch not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ReapConnection handles POST /internal/connections/{connection_id}/reap.
// It deletes every non-terminal unit of the connection.
func (h *Handlers) ReapConnection(w http.ResponseWriter, r *http.Request) {
	connectionID := r.PathValue("connection_id")

	err := h.service.Reap(r.Context(), connectionID)
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var timeout *launcher.ReapTimeoutError
	if errors.As(err, &timeout) {
		remaining := make([]string, 0, len(timeout.Remaining))
		for _, ref := range timeout.Remaining {
			remaining = append(remaining, ref.String())
		}
		h.httpErrorDetails(w, "Stale executions are still running", strings.Join(remaining, ","), http.StatusGatewayTimeout)
		return
	}

	h.log(r).Error("failed to reap connection", "connection_id", connectionID, "error", err)
	h.httpError(w, "Failed to reap connection", http.StatusInternalServerError)
}
