package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"podlauncher/pkg/api"
)

func TestCancelCommand_Success(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE method, got %s", r.Method)
		}
		if r.URL.Path != "/internal/launches/conn-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "cancel", "conn-1")
	if !strings.Contains(output, "Launch for connection conn-1 cancelled") {
		t.Errorf("expected success message, got: %s", output)
	}
}

func TestCancelCommand_NotFound(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Launch not found", Code: "404"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "cancel", "conn-1")
	if !strings.Contains(output, "Cancel failed (404): Launch not found") {
		t.Errorf("expected not found message, got: %s", output)
	}
}

func TestReapCommand_Success(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if r.URL.Path != "/internal/connections/conn-1/reap" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "reap", "conn-1")
	if !strings.Contains(output, "No live executions left for connection conn-1") {
		t.Errorf("expected success message, got: %s", output)
	}
}

func TestReapCommand_Timeout(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
		json.NewEncoder(w).Encode(api.ErrorResponse{
			Error:   "Stale executions are still running",
			Code:    "504",
			Details: "jobs/orchestrator-job-1-attempt-0",
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "reap", "conn-1")
	if !strings.Contains(output, "Reap failed (504)") || !strings.Contains(output, "jobs/orchestrator-job-1-attempt-0") {
		t.Errorf("expected timeout details, got: %s", output)
	}
}

func TestCancelCommand_RequiresArgument(t *testing.T) {
	resetViper()

	root := newRootCmd()
	root.SetArgs([]string{"cancel"})
	root.SetOut(&strings.Builder{})
	root.SetErr(&strings.Builder{})
	if err := root.Execute(); err == nil {
		t.Error("expected error without connection id")
	}
}
