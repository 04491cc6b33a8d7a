package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"podlauncher/internal/launcher"
	"podlauncher/pkg/api"
)

// GetExecution handles GET /internal/executions/{job_id}/{attempt_id}.
// Returns the current status and, once succeeded, the output of a job attempt.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	attemptID, err := strconv.ParseInt(r.PathValue("attempt_id"), 10, 64)
	if err != nil || attemptID < 0 {
		h.httpError(w, "Invalid attempt id", http.StatusBadRequest)
		return
	}
	cfg := launcher.JobRunConfig{JobID: r.PathValue("job_id"), AttemptID: attemptID}

	desc, err := h.service.Describe(r.Context(), cfg)
	if err != nil {
		h.log(r).Error("failed to describe execution", "job_id", cfg.JobID, "attempt_id", cfg.AttemptID, "error", err)
		h.httpError(w, "Failed to read execution status", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, executionResponse(desc))
}

func executionResponse(desc *launcher.ExecutionDescription) api.ExecutionResponse {
	resp := api.ExecutionResponse{
		Namespace: desc.Identity.Namespace,
		Name:      desc.Identity.Name,
		Status:    string(desc.Status),
		Exited:    desc.Exited,
	}
	if rec := desc.Record; rec != nil {
		resp.ExitCode = rec.ExitCode
		resp.Cause = rec.Cause
		if !rec.UpdatedAt.IsZero() {
			updated := rec.UpdatedAt
			resp.UpdatedAt = &updated
		}
		if len(rec.Output) > 0 {
			resp.Output = outputJSON(rec.Output)
		}
	}
	return resp
}

func outputJSON(output []byte) json.RawMessage {
	if json.Valid(output) {
		return json.RawMessage(output)
	}
	quoted, _ := json.Marshal(string(output))
	return quoted
}
