package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// counterValue sums a counter family across label sets
func counterValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestNewLogger_SessionFields(t *testing.T) {
	var buf bytes.Buffer
	logger := WithSessionID(NewLogger(&buf, "debug"), "sess-1")
	logger.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"session_id":"sess-1"`) {
		t.Errorf("Expected session_id field, got %s", out)
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn")
	logger.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Errorf("Expected info to be filtered at warn level, got %s", buf.String())
	}
}

func TestSessionMetrics_Observer(t *testing.T) {
	m := NewSessionMetrics("tts", "sess-metrics")
	before := counterValue(t, "voice_stream_scheduled_buffers_total")
	underrunsBefore := counterValue(t, "voice_stream_playback_underruns_total")

	m.BufferScheduled(2.0)
	m.BufferScheduled(1.5)
	m.Underrun()

	if got := counterValue(t, "voice_stream_scheduled_buffers_total") - before; got != 2 {
		t.Errorf("Expected 2 scheduled buffers, got %v", got)
	}
	if got := counterValue(t, "voice_stream_playback_underruns_total") - underrunsBefore; got != 1 {
		t.Errorf("Expected 1 underrun, got %v", got)
	}
}

func TestSessionMetrics_EndCountedOnce(t *testing.T) {
	m := NewSessionMetrics("call", "sess-end")
	before := counterValue(t, "voice_stream_session_outcomes_total")

	m.RecordSessionStart()
	m.RecordSessionEnd("stopped")
	m.RecordSessionEnd("error")

	if got := counterValue(t, "voice_stream_session_outcomes_total") - before; got != 1 {
		t.Errorf("Expected one outcome, got %v", got)
	}
}

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %s", ct)
	}
	if !strings.Contains(rec.Body.String(), `"service":"voice-stream"`) {
		t.Errorf("Unexpected body %s", rec.Body.String())
	}
}

func TestReadinessHandler(t *testing.T) {
	ok := func(ctx context.Context) (bool, error) { return true, nil }
	down := func(ctx context.Context) (bool, error) { return false, errors.New("circuit breaker is open") }

	rec := httptest.NewRecorder()
	ReadinessHandler(map[string]HealthCheckFunc{"audio_output": ok})(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	ReadinessHandler(map[string]HealthCheckFunc{
		"audio_output":  ok,
		"voice_backend": down,
	})(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"not_ready"`) || !strings.Contains(body, "circuit breaker is open") {
		t.Errorf("Unexpected body %s", body)
	}
}

func TestStartSessionSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	ctx, span := StartSessionSpan(context.Background(), "tts", "sess-span")
	if TraceID(ctx) == "" {
		t.Error("Expected a trace id in the span context")
	}
	EndSpan(span, errors.New("decode failed"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "tts.session" {
		t.Errorf("Expected span name 'tts.session', got %q", spans[0].Name)
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("Expected error status, got %v", spans[0].Status.Code)
	}
	found := false
	for _, kv := range spans[0].Attributes {
		if string(kv.Key) == "session.id" && kv.Value.AsString() == "sess-span" {
			found = true
		}
	}
	if !found {
		t.Error("Expected session.id attribute")
	}
}

func TestTraceID_Empty(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("Expected empty trace id, got %q", got)
	}
}

func TestInitTracing_ExportsOnShutdown(t *testing.T) {
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	exp := tracetest.NewInMemoryExporter()
	shutdown, err := InitTracing("test", exp)
	if err != nil {
		t.Fatalf("InitTracing failed: %v", err)
	}

	_, span := StartSessionSpan(context.Background(), "call", "c1")
	EndSpan(span, nil)
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "call.session" {
		t.Fatalf("Expected one call.session span, got %d", len(spans))
	}
	var service string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	if service != "voice-stream" {
		t.Errorf("Expected service.name voice-stream, got %q", service)
	}
}
