package telemetry_test

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhouzirui/z-assistant/backend/internal/config"
	"github.com/zhouzirui/z-assistant/backend/internal/telemetry"
)

func TestMetricsHandler(t *testing.T) {
	m := telemetry.NewMetrics()
	m.Interaction("text", "ok")
	m.Interaction("voice", "skipped")
	m.ChainDuration(1500 * time.Millisecond)
	m.TranscriptionDuration(200*time.Millisecond, "ok")
	m.SetClients(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`assistant_interactions_total{kind="text",outcome="ok"} 1`,
		`assistant_interactions_total{kind="voice",outcome="skipped"} 1`,
		`assistant_chain_duration_seconds_count 1`,
		`assistant_client_states 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *telemetry.Metrics
	m.Interaction("text", "ok")
	m.ChainDuration(time.Second)
	m.SetClients(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("expected 404 from nil metrics, got %d", rec.Code)
	}
}

func TestSetupLoggingWritesFile(t *testing.T) {
	prev := log.Writer()
	t.Cleanup(func() { log.SetOutput(prev) })

	path := filepath.Join(t.TempDir(), "logs", "assistant.log")
	closer, err := telemetry.SetupLogging(config.LogConfig{File: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})
	if err != nil {
		t.Fatalf("SetupLogging err: %v", err)
	}

	log.Printf("[test] hello rotation")
	log.SetOutput(io.Discard)
	if err := closer.Close(); err != nil {
		t.Fatalf("close err: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "[test] hello rotation") {
		t.Fatalf("log file missing entry: %s", data)
	}
}

func TestSetupTracing(t *testing.T) {
	shutdown, err := telemetry.SetupTracing(context.Background(), config.TracingConfig{}, config.LogConfig{}, "test")
	if err != nil {
		t.Fatalf("disabled tracing err: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown err: %v", err)
	}

	path := filepath.Join(t.TempDir(), "traces.log")
	shutdown, err = telemetry.SetupTracing(context.Background(),
		config.TracingConfig{Enabled: true, File: path},
		config.LogConfig{MaxSizeMB: 1}, "test")
	if err != nil {
		t.Fatalf("SetupTracing err: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown err: %v", err)
	}
}
