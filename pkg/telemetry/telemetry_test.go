package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilReceiversAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordRunStarted("scan")
	m.RecordRunCompleted("scan", "completed", time.Second)
	m.RecordProblemDetected("inactive_disk")
	m.RecordScanError("inactive_disk")
	m.RecordResolution("inactive_disk", "", "skipped", 0)
	m.RecordAdapterCall("cloud", "delete_disk", time.Millisecond, errors.New("boom"))
	m.RecordError("transient", "CLOUD_FAILED")

	var ep *EventPublisher
	if err := ep.PublishRunStarted("run-1", "scan"); err != nil {
		t.Fatalf("nil publisher returned error: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil publisher shutdown returned error: %v", err)
	}

	var tel *Telemetry
	called := false
	err := tel.InstrumentCall(context.Background(), "cloud", "has_disk", func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("InstrumentCall on nil telemetry: called=%v err=%v", called, err)
	}
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "cloudcheck", Path: "/metrics"})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordRunStarted("apply")
	m.RecordProblemDetected("inactive_disk")
	m.RecordResolution("inactive_disk", "delete_disk", "resolved", 10*time.Millisecond)
	m.RecordAdapterCall("cloud", "delete_disk", time.Millisecond, errors.New("boom"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`cloudcheck_runs_started_total{mode="apply"} 1`,
		`cloudcheck_problems_detected_total{type="inactive_disk"} 1`,
		`cloudcheck_resolutions_total{disposition="resolved",resolution="delete_disk",type="inactive_disk"} 1`,
		`cloudcheck_adapter_errors_total{adapter="cloud",operation="delete_disk"} 1`,
		`cloudcheck_active_runs 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestDisabledMetricsHandlerIsNotFound(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestEventPublisherDeliversToSubscribers(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    16,
		MaxBatchSize:  4,
		FlushInterval: 10 * time.Millisecond,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}

	got := make(chan Event, 4)
	ep.Subscribe(func(ev Event) { got <- ev }, FilterByType(EventTypeProblemOutcome))

	if err := ep.PublishRunStarted("run-1", "apply"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := ep.PublishProblemOutcome("run-1", "inactive_disk/7", "delete_disk", "failed", "boom"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-got:
		if ev.ProblemID != "inactive_disk/7" {
			t.Errorf("unexpected problem id %q", ev.ProblemID)
		}
		if ev.Level != EventLevelError {
			t.Errorf("failed outcome should be error level, got %q", ev.Level)
		}
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Errorf("event id and timestamp should be populated")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	l.NewComponentLogger("engine").WithRunID("run-9").WithProblem("inactive_disk/3", "inactive_disk").Info().Msg("resolving")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	for k, want := range map[string]string{
		"component":    "engine",
		"run_id":       "run-9",
		"problem_id":   "inactive_disk/3",
		"problem_type": "inactive_disk",
		"message":      "resolving",
	} {
		if entry[k] != want {
			t.Errorf("field %s = %v, want %q", k, entry[k], want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid level to fail validation")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unsupported exporter to fail validation")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected otlp without endpoint to fail validation")
	}
	cfg.Tracing.Endpoint = "collector:4317"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("otlp with endpoint should validate: %v", err)
	}
}

func TestEventPublisherGlobalFilter(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: false})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}
	ep.AddFilter(FilterByType(EventTypePolicyViolation))

	got := make(chan Event, 4)
	ep.Subscribe(func(ev Event) { got <- ev }, nil)

	if err := ep.PublishRunStarted("run-1", "apply"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := ep.PublishPolicyViolation("run-1", "inactive_disk/7", "delete_disk", "denied"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Type != EventTypePolicyViolation {
			t.Fatalf("filtered publisher delivered %q", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case ev := <-got:
		t.Fatalf("unexpected second event %q", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoggerWithErrorAndLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	l.Info().Msg("dropped")
	l.WithError(errors.New("boom")).WithField("attempt", 2).Warn().Msg("retrying")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected only the warning, got %q", buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["error"] != "boom" || entry["attempt"] != float64(2) || entry["level"] != "warn" {
		t.Errorf("unexpected entry %v", entry)
	}
}
