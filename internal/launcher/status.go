package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionStatus is the lifecycle state of one execution.
type ExecutionStatus string

const (
	StatusNotStarted   ExecutionStatus = "NOT_STARTED"
	StatusInitializing ExecutionStatus = "INITIALIZING"
	StatusRunning      ExecutionStatus = "RUNNING"
	StatusSucceeded    ExecutionStatus = "SUCCEEDED"
	StatusFailed       ExecutionStatus = "FAILED"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s ExecutionStatus) rank() int {
	switch s {
	case StatusInitializing:
		return 1
	case StatusRunning:
		return 2
	case StatusSucceeded, StatusFailed:
		return 3
	default:
		return 0
	}
}

// StatusRecord is the persisted state of one execution.
type StatusRecord struct {
	Status    ExecutionStatus `json:"status"`
	ExitCode  *int            `json:"exitCode,omitempty"`
	Output    []byte          `json:"output,omitempty"`
	Cause     string          `json:"cause,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// DecodeStatusRecord parses a stored record.
func DecodeStatusRecord(data []byte) (*StatusRecord, error) {
	var rec StatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode status record: %w", err)
	}
	if rec.Status == "" {
		rec.Status = StatusNotStarted
	}
	return &rec, nil
}

// Encode serializes the record for the status store.
func (r *StatusRecord) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// readStatusRecord returns the stored record, or nil when none exists.
func readStatusRecord(ctx context.Context, store StatusStore, id ExecutionIdentity) (*StatusRecord, error) {
	data, ok, err := store.Get(ctx, id.Key())
	if err != nil {
		return nil, fmt.Errorf("failed to read status for %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	return DecodeStatusRecord(data)
}

// advanceStatus writes next unless the stored status is terminal or ranks at
// or above it. It reports whether the write happened.
func advanceStatus(ctx context.Context, store StatusStore, id ExecutionIdentity, next StatusRecord) (bool, error) {
	current, err := readStatusRecord(ctx, store, id)
	if err != nil {
		return false, err
	}
	if current != nil && (current.Status.IsTerminal() || current.Status.rank() >= next.Status.rank()) {
		return false, nil
	}

	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	data, err := next.Encode()
	if err != nil {
		return false, err
	}
	if err := store.Put(ctx, id.Key(), data); err != nil {
		return false, fmt.Errorf("failed to write status for %s: %w", id, err)
	}
	return true, nil
}

// Reporter is the remote side of the status protocol. The process running
// inside a unit uses it to publish its progress and output.
type Reporter struct {
	store StatusStore
	id    ExecutionIdentity
}

// NewReporter creates a reporter for one execution.
func NewReporter(store StatusStore, id ExecutionIdentity) *Reporter {
	return &Reporter{store: store, id: id}
}

func (r *Reporter) Initializing(ctx context.Context) error {
	_, err := advanceStatus(ctx, r.store, r.id, StatusRecord{Status: StatusInitializing})
	return err
}

func (r *Reporter) Running(ctx context.Context) error {
	_, err := advanceStatus(ctx, r.store, r.id, StatusRecord{Status: StatusRunning})
	return err
}

// Succeeded records exit code 0 and the output payload verbatim.
func (r *Reporter) Succeeded(ctx context.Context, output []byte) error {
	code := 0
	_, err := advanceStatus(ctx, r.store, r.id, StatusRecord{
		Status:   StatusSucceeded,
		ExitCode: &code,
		Output:   output,
	})
	return err
}

func (r *Reporter) Failed(ctx context.Context, exitCode int, cause string) error {
	_, err := advanceStatus(ctx, r.store, r.id, StatusRecord{
		Status:   StatusFailed,
		ExitCode: &exitCode,
		Cause:    cause,
	})
	return err
}
