// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the launcher service.
package api

import (
	"encoding/json"
	"time"
)

// Resources holds Kubernetes quantity strings for the launched unit.
type Resources struct {
	CPURequest    string `json:"cpu_request,omitempty"`
	CPULimit      string `json:"cpu_limit,omitempty"`
	MemoryRequest string `json:"memory_request,omitempty"`
	MemoryLimit   string `json:"memory_limit,omitempty"`
}

// LaunchRequest is the request body for launching an execution.
type LaunchRequest struct {
	ConnectionID    string            `json:"connection_id"`
	JobID           string            `json:"job_id"`
	AttemptID       int64             `json:"attempt_id"`
	ApplicationName string            `json:"application_name"`
	Image           string            `json:"image,omitempty"`
	Command         []string          `json:"command,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	// Files are written to the unit's config directory, keyed by file name.
	Files map[string]string `json:"files,omitempty"`
	// Input, when set, is written as input.json.
	Input     json.RawMessage   `json:"input,omitempty"`
	Ports     map[int]int       `json:"ports,omitempty"`
	Resources Resources         `json:"resources"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// LaunchResponse is the response body after a launch was accepted.
type LaunchResponse struct {
	ConnectionID  string `json:"connection_id"`
	Namespace     string `json:"namespace"`
	ExecutionName string `json:"execution_name"`
}

// ExecutionResponse describes the state of one execution.
type ExecutionResponse struct {
	Namespace string     `json:"namespace"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	Exited    bool       `json:"exited"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Cause     string     `json:"cause,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	// Output is the payload reported by the unit. Non-JSON payloads are
	// returned as a JSON string.
	Output json.RawMessage `json:"output,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
