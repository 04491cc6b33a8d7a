package launcher

import (
	"bytes"
	"context"
	"testing"
)

func TestDecodeStatusRecord(t *testing.T) {
	rec, err := DecodeStatusRecord([]byte(`{}`))
	if err != nil {
		t.Fatalf("DecodeStatusRecord() failed: %v", err)
	}
	if rec.Status != StatusNotStarted {
		t.Errorf("expected empty record to be NOT_STARTED, got %s", rec.Status)
	}

	if _, err := DecodeStatusRecord([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid record")
	}
}

func TestStatusRecord_OutputRoundTripsVerbatim(t *testing.T) {
	payload := []byte{0x00, 0xff, '{', '"'}
	data, err := (&StatusRecord{Status: StatusSucceeded, Output: payload}).Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	rec, err := DecodeStatusRecord(data)
	if err != nil {
		t.Fatalf("DecodeStatusRecord() failed: %v", err)
	}
	if !bytes.Equal(rec.Output, payload) {
		t.Errorf("expected output %v, got %v", payload, rec.Output)
	}
}

func TestAdvanceStatus_Monotonic(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()

	steps := []struct {
		rec   StatusRecord
		wrote bool
	}{
		{StatusRecord{Status: StatusRunning}, true},
		{StatusRecord{Status: StatusInitializing}, false},
		{StatusRecord{Status: StatusSucceeded, ExitCode: intPtr(0)}, true},
		{StatusRecord{Status: StatusFailed, Cause: "late"}, false},
	}
	for _, step := range steps {
		wrote, err := advanceStatus(ctx, store, testID, step.rec)
		if err != nil {
			t.Fatalf("advanceStatus(%s) failed: %v", step.rec.Status, err)
		}
		if wrote != step.wrote {
			t.Errorf("advanceStatus(%s): expected wrote=%v, got %v", step.rec.Status, step.wrote, wrote)
		}
	}

	rec := store.record(t, testID)
	if rec.Status != StatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", rec.Status)
	}
	if rec.Cause != "" {
		t.Errorf("expected no cause, got %q", rec.Cause)
	}
	if rec.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set")
	}
}

func TestReporter_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := NewReporter(store, testID)

	if err := r.Initializing(ctx); err != nil {
		t.Fatalf("Initializing() failed: %v", err)
	}
	if got := store.record(t, testID).Status; got != StatusInitializing {
		t.Errorf("expected INITIALIZING, got %s", got)
	}

	if err := r.Running(ctx); err != nil {
		t.Fatalf("Running() failed: %v", err)
	}
	if got := store.record(t, testID).Status; got != StatusRunning {
		t.Errorf("expected RUNNING, got %s", got)
	}

	if err := r.Failed(ctx, 3, "boom"); err != nil {
		t.Fatalf("Failed() failed: %v", err)
	}
	rec := store.record(t, testID)
	if rec.Status != StatusFailed || rec.Cause != "boom" {
		t.Errorf("expected FAILED with cause boom, got %s %q", rec.Status, rec.Cause)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %v", rec.ExitCode)
	}

	// Terminal records are never overwritten.
	if err := r.Succeeded(ctx, []byte("late")); err != nil {
		t.Fatalf("Succeeded() failed: %v", err)
	}
	if got := store.record(t, testID).Status; got != StatusFailed {
		t.Errorf("expected FAILED to stick, got %s", got)
	}
}

func TestExecutionIdentity(t *testing.T) {
	cfg := JobRunConfig{JobID: "7", AttemptID: 0}
	a := NewExecutionIdentity("ns", "orchestrator", cfg)
	b := NewExecutionIdentity("ns", "orchestrator", cfg)

	if a != b {
		t.Errorf("expected identical identities, got %v and %v", a, b)
	}
	if a.Name != "orchestrator-job-7-attempt-0" {
		t.Errorf("unexpected name %s", a.Name)
	}
	if a.Key() != "ns/orchestrator-job-7-attempt-0" {
		t.Errorf("unexpected key %s", a.Key())
	}
	if a == NewExecutionIdentity("ns", "orchestrator", JobRunConfig{JobID: "7", AttemptID: 1}) {
		t.Error("expected attempts to get distinct identities")
	}
}
