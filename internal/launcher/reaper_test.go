package launcher

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func connLabels(key string) map[string]string {
	return map[string]string{ConnectionIDLabelKey: key}
}

func TestReapAll_NoUnitsIsNoop(t *testing.T) {
	backend := newFakeBackend()
	r := NewReaper(backend, WithReaperLogger(discardLogger()))

	if err := r.ReapAll(context.Background(), "conn-1"); err != nil {
		t.Fatalf("ReapAll() failed: %v", err)
	}
	if backend.listCalls != 1 || backend.deleteCalls != 0 {
		t.Errorf("expected one list and no deletes, got %d lists %d deletes", backend.listCalls, backend.deleteCalls)
	}
}

func TestReapAll_DeletesStaleUnits(t *testing.T) {
	backend := newFakeBackend()
	backend.addUnit(UnitRef{"ns", "a"}, connLabels("conn-1"), UnitActive)
	backend.addUnit(UnitRef{"ns", "b"}, connLabels("conn-1"), UnitActive)

	r := NewReaper(backend, WithReaperLogger(discardLogger()), WithReapBackoff(10*time.Millisecond))
	if err := r.ReapAll(context.Background(), "conn-1"); err != nil {
		t.Fatalf("ReapAll() failed: %v", err)
	}

	if backend.deleteCalls != 2 {
		t.Errorf("expected 2 deletes, got %d", backend.deleteCalls)
	}
	if backend.listCalls != 2 {
		t.Errorf("expected 2 lists, got %d", backend.listCalls)
	}
	if len(backend.units) != 0 {
		t.Errorf("expected no units left, got %v", backend.units)
	}
}

func TestReapAll_IgnoresOtherKeysAndTerminalUnits(t *testing.T) {
	backend := newFakeBackend()
	backend.addUnit(UnitRef{"ns", "other"}, connLabels("conn-2"), UnitActive)
	backend.addUnit(UnitRef{"ns", "done"}, connLabels("conn-1"), UnitTerminal)

	r := NewReaper(backend, WithReaperLogger(discardLogger()))
	if err := r.ReapAll(context.Background(), "conn-1"); err != nil {
		t.Fatalf("ReapAll() failed: %v", err)
	}

	if backend.deleteCalls != 0 {
		t.Errorf("expected no deletes, got %d", backend.deleteCalls)
	}
	if len(backend.units) != 2 {
		t.Errorf("expected both units to remain, got %v", backend.units)
	}
}

func TestReapAll_KeepsExceptedUnit(t *testing.T) {
	backend := newFakeBackend()
	own := ExecutionIdentity{Namespace: "ns", Name: "own"}
	backend.addUnit(own.Ref(), connLabels("conn-1"), UnitActive)
	backend.addUnit(UnitRef{"ns", "stale"}, connLabels("conn-1"), UnitActive)

	r := NewReaper(backend, WithReaperLogger(discardLogger()), WithReapBackoff(10*time.Millisecond))
	if err := r.ReapAll(context.Background(), "conn-1", own); err != nil {
		t.Fatalf("ReapAll() failed: %v", err)
	}

	if backend.deleteCalls != 1 {
		t.Errorf("expected 1 delete, got %d", backend.deleteCalls)
	}
	if _, ok := backend.units[own.Ref()]; !ok {
		t.Error("expected own unit to be kept")
	}
	if _, ok := backend.units[UnitRef{"ns", "stale"}]; ok {
		t.Error("expected stale unit to be deleted")
	}
}

func TestReapAll_TimesOutWithRemainingUnits(t *testing.T) {
	backend := newFakeBackend()
	backend.addUnit(UnitRef{"ns", "stuck"}, connLabels("conn-1"), UnitActive)
	backend.units[UnitRef{"ns", "stuck"}].sticky = true

	r := NewReaper(backend,
		WithReaperLogger(discardLogger()),
		WithReapTimeout(50*time.Millisecond),
		WithReapBackoff(10*time.Millisecond),
	)

	start := time.Now()
	err := r.ReapAll(context.Background(), "conn-1")
	elapsed := time.Since(start)

	if !errors.Is(err, ErrMutualExclusionTimeout) {
		t.Fatalf("expected ErrMutualExclusionTimeout, got %v", err)
	}

	var timeoutErr *ReapTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *ReapTimeoutError, got %T", err)
	}
	if timeoutErr.LogicalKey != "conn-1" {
		t.Errorf("expected key conn-1, got %s", timeoutErr.LogicalKey)
	}
	if !slices.Equal(timeoutErr.Remaining, []UnitRef{{"ns", "stuck"}}) {
		t.Errorf("unexpected remaining units %v", timeoutErr.Remaining)
	}
	if !strings.Contains(err.Error(), "ns/stuck") {
		t.Errorf("expected error to name the unit, got %q", err)
	}

	if elapsed < 50*time.Millisecond || elapsed >= 2*time.Second {
		t.Errorf("unexpected reap duration %v", elapsed)
	}
	if backend.deleteCalls <= 1 {
		t.Errorf("expected repeated deletes, got %d", backend.deleteCalls)
	}
}

func TestReapAll_ListErrorAborts(t *testing.T) {
	backend := newFakeBackend()
	backend.listErr = errors.New("api unavailable")

	r := NewReaper(backend, WithReaperLogger(discardLogger()))
	err := r.ReapAll(context.Background(), "conn-1")

	if err == nil || !strings.Contains(err.Error(), "api unavailable") {
		t.Fatalf("expected list error, got %v", err)
	}
	if errors.Is(err, ErrMutualExclusionTimeout) {
		t.Error("list error must not look like a timeout")
	}
}

func TestReapAll_ContextCancelledDuringBackoff(t *testing.T) {
	backend := newFakeBackend()
	backend.addUnit(UnitRef{"ns", "stuck"}, connLabels("conn-1"), UnitActive)
	backend.units[UnitRef{"ns", "stuck"}].sticky = true

	r := NewReaper(backend, WithReaperLogger(discardLogger()), WithReapBackoff(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := r.ReapAll(ctx, "conn-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestReapAll_RateLimitedDeletes(t *testing.T) {
	backend := newFakeBackend()
	for _, name := range []string{"a", "b", "c"} {
		backend.addUnit(UnitRef{"ns", name}, connLabels("conn-1"), UnitActive)
	}

	r := NewReaper(backend,
		WithReaperLogger(discardLogger()),
		WithReapBackoff(time.Millisecond),
		WithDeleteRateLimit(1000, 1),
	)
	if err := r.ReapAll(context.Background(), "conn-1"); err != nil {
		t.Fatalf("ReapAll() failed: %v", err)
	}
	if backend.deleteCalls != 3 {
		t.Errorf("expected 3 deletes, got %d", backend.deleteCalls)
	}
}

// reapedUnits returns the value of the reaped units counter, or -1 when it
// was never recorded.
func reapedUnits(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "podlauncher_reaped_units_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return -1
}

func TestReapAll_CountsDistinctRemovedUnits(t *testing.T) {
	backend := newFakeBackend()
	backend.addUnit(UnitRef{"ns", "a"}, connLabels("conn-1"), UnitActive)
	backend.addUnit(UnitRef{"ns", "b"}, connLabels("conn-1"), UnitActive)
	backend.addUnit(UnitRef{"ns", "stuck"}, connLabels("conn-1"), UnitActive)
	backend.units[UnitRef{"ns", "stuck"}].sticky = true

	reader := sdkmetric.NewManualReader()
	r := NewReaper(backend,
		WithReaperLogger(discardLogger()),
		WithReapTimeout(50*time.Millisecond),
		WithReapBackoff(5*time.Millisecond),
		WithReaperMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))),
	)

	if err := r.ReapAll(context.Background(), "conn-1"); !errors.Is(err, ErrMutualExclusionTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if backend.deleteCalls <= 3 {
		t.Fatalf("expected the stuck unit to be deleted repeatedly, got %d deletes", backend.deleteCalls)
	}

	// Only a and b are gone; retries of the stuck unit are not counted.
	if got := reapedUnits(t, reader); got != 2 {
		t.Errorf("expected 2 reaped units, got %d", got)
	}
}

func TestRemovedCount(t *testing.T) {
	attempted := map[UnitRef]struct{}{
		{"ns", "a"}: {},
		{"ns", "b"}: {},
	}

	if got := removedCount(attempted, nil); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	if got := removedCount(attempted, []UnitRef{{"ns", "b"}, {"ns", "new"}}); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
	if got := removedCount(map[UnitRef]struct{}{}, nil); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}
