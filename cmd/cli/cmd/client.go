package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"podlauncher/pkg/api"
)

// LauncherClient handles API calls to the podlauncher service.
type LauncherClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewLauncherClient creates a new client with the given base URL and token.
func NewLauncherClient(baseURL, token string) *LauncherClient {
	return &LauncherClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			// Reap waits for the service's reap deadline.
			Timeout: 90 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("API error (%d): %s (%s)", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Launch sends POST /internal/launches.
func (c *LauncherClient) Launch(req api.LaunchRequest) (*api.LaunchResponse, error) {
	var result api.LaunchResponse
	if err := c.do(http.MethodPost, "/internal/launches", req, http.StatusAccepted, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetExecution sends GET /internal/executions/{job_id}/{attempt_id}.
func (c *LauncherClient) GetExecution(jobID string, attemptID int64) (*api.ExecutionResponse, error) {
	path := fmt.Sprintf("/internal/executions/%s/%d", url.PathEscape(jobID), attemptID)
	var result api.ExecutionResponse
	if err := c.do(http.MethodGet, path, nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel sends DELETE /internal/launches/{connection_id}.
func (c *LauncherClient) Cancel(connectionID string) error {
	return c.do(http.MethodDelete, "/internal/launches/"+url.PathEscape(connectionID), nil, http.StatusNoContent, nil)
}

// Reap sends POST /internal/connections/{connection_id}/reap.
func (c *LauncherClient) Reap(connectionID string) error {
	path := fmt.Sprintf("/internal/connections/%s/reap", url.PathEscape(connectionID))
	return c.do(http.MethodPost, path, nil, http.StatusNoContent, nil)
}

func (c *LauncherClient) do(method, path string, body any, wantStatus int, out any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		return newAPIError(resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &APIError{StatusCode: status, Message: errResp.Error, Details: errResp.Details}
	}
	return &APIError{StatusCode: status, Message: string(bytes.TrimSpace(body))}
}
