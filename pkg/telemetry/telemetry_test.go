package telemetry

import (
	"bytes"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
)

func TestNewLogger_LevelAndPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "warn")
	l.Info("hidden")
	l.Warn("shown", "context", "abc")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "hop") || !strings.Contains(out, "context=abc") {
		t.Fatalf("unexpected log output: %q", out)
	}
}

func TestParseLevel_FallsBackToInfo(t *testing.T) {
	if ParseLevel("DEBUG") != log.DebugLevel {
		t.Fatalf("expected case-insensitive parse")
	}
	if ParseLevel("loud") != log.InfoLevel {
		t.Fatalf("expected info fallback")
	}
}

func TestMetrics_CountsAndServes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ConnectAttempt(ResultFailed, 0.2)
	m.ConnectAttempt(ResultConnected, 0.4)
	m.ConnectAttempt(ResultConnected, 0.1)
	m.RouterFallback("not_connected")
	m.SetSessionsConnected(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`hop_connect_attempts_total{result="connected"} 2`,
		`hop_connect_attempts_total{result="failed"} 1`,
		`hop_sessions_connected 2`,
		`hop_router_fallbacks_total{reason="not_connected"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q from exposition:\n%s", want, body)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ConnectAttempt(ResultFailed, 1)
	m.RouterFallback("x")
	m.SetSessionsConnected(1)
	m.ConfigValidated(true)
}
