package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func initTestMetrics(t *testing.T) http.Handler {
	t.Helper()
	handler, shutdown, err := InitMetrics("podlauncher-test")
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	})
	return handler
}

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	return rr.Body.String()
}

func TestInitMetrics(t *testing.T) {
	handler := initTestMetrics(t)

	// Smoke test: verify handler returns 200 and non-empty body
	if body := scrape(t, handler); body == "" {
		t.Error("handler returned empty body")
	}
}

func TestInitMetrics_LaunchCounterAppearsInOutput(t *testing.T) {
	ctx := context.Background()
	handler := initTestMetrics(t)

	meter := otel.Meter("podlauncher/internal/launcher")
	counter, err := meter.Int64Counter("podlauncher_launches_total")
	if err != nil {
		t.Fatalf("failed to create counter: %v", err)
	}
	counter.Add(ctx, 3, metric.WithAttributes(
		attribute.String("application", "replication-orchestrator"),
		attribute.String("outcome", "succeeded"),
	))

	body := scrape(t, handler)

	if !strings.Contains(body, "podlauncher_launches_total") {
		t.Errorf("expected podlauncher_launches_total in output, got:\n%s", body)
	}
	if !strings.Contains(body, `application="replication-orchestrator"`) {
		t.Errorf("expected application label in output, got:\n%s", body)
	}
	if !strings.Contains(body, `service_name="podlauncher-test"`) {
		t.Errorf("expected service_name in target_info, got:\n%s", body)
	}
}

func TestNewMetricsServer(t *testing.T) {
	handler := initTestMetrics(t)
	srv := NewMetricsServer(6162, handler)

	if srv.Addr != ":6162" {
		t.Errorf("expected addr :6162, got %s", srv.Addr)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 on /metrics, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/other", nil)
	rr = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 outside /metrics, got %d", rr.Code)
	}
}
