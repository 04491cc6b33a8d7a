package handlers

import (
	"context"
	"io"
	"log/slog"

	"podlauncher/internal/launcher"
)

// Mock launch service
type mockService struct {
	// Hooks
	startErr     error
	startID      launcher.ExecutionIdentity
	cancelFound  bool
	cancelErr    error
	describeResp *launcher.ExecutionDescription
	describeErr  error
	reapErr      error

	// Spies (to verify arguments passed by handlers)
	capturedKey  string
	capturedSpec launcher.LaunchSpec
	capturedCfg  launcher.JobRunConfig
}

func (m *mockService) Start(logicalKey string, spec launcher.LaunchSpec, cfg launcher.JobRunConfig) (launcher.ExecutionIdentity, error) {
	m.capturedKey = logicalKey
	m.capturedSpec = spec
	m.capturedCfg = cfg
	if m.startErr != nil {
		return launcher.ExecutionIdentity{}, m.startErr
	}
	return m.startID, nil
}

func (m *mockService) Cancel(ctx context.Context, logicalKey string) (bool, error) {
	m.capturedKey = logicalKey
	return m.cancelFound, m.cancelErr
}

func (m *mockService) Describe(ctx context.Context, cfg launcher.JobRunConfig) (*launcher.ExecutionDescription, error) {
	m.capturedCfg = cfg
	return m.describeResp, m.describeErr
}

func (m *mockService) Reap(ctx context.Context, logicalKey string) error {
	m.capturedKey = logicalKey
	return m.reapErr
}

// Mock store
type mockStore struct {
	pingErr error
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.pingErr
}

func newTestHandlers(svc *mockService, store *mockStore) *Handlers {
	if store == nil {
		store = &mockStore{}
	}
	return New(svc, store, Defaults{
		Image: "podlauncher/orchestrator:latest",
		Env:   map[string]string{"AWS_REGION": "eu-west-1", "LOG_LEVEL": "info"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}
