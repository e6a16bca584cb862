package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func TestNewLoggerEmitsJSONAndRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug", "json")

	logger.Debug("stage advanced", "task_id", "t-1", "api_key", "sk-secret")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "stage advanced" || entry["task_id"] != "t-1" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if entry["api_key"] != "[REDACTED]" {
		t.Errorf("api_key not redacted: %v", entry["api_key"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("missing timestamp key")
	}
}

func TestNewLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "text")
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("level filter not applied: %q", buf.String())
	}
}

func TestLogBufferKeepsNewest(t *testing.T) {
	lb := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(lb, "line %d\n", i)
	}
	got := lb.Lines()
	want := []string{"line 2", "line 3", "line 4"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Lines() = %v, want %v", got, want)
	}
}

func TestMetricsWithNoopProvider(t *testing.T) {
	p, err := InitOTel(context.Background(), OTelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("InitOTel: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.StageDuration == nil || m.StageOutcomes == nil || m.SummarizeCalls == nil || m.TasksAdmitted == nil {
		t.Error("instrument missing")
	}
}

func TestInitOTelWithDiscardExporter(t *testing.T) {
	p, err := InitOTel(context.Background(), OTelConfig{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("InitOTel: %v", err)
	}
	_, span := StartSpan(context.Background(), p.Tracer, "test")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestInitOTelRejectsUnknownExporter(t *testing.T) {
	if _, err := InitOTel(context.Background(), OTelConfig{Enabled: true, Exporter: "zipkin"}); err == nil {
		t.Error("expected error for unknown exporter")
	}
}
