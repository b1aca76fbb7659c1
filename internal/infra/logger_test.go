package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"key-delivery-service/config"
)

func TestNewLogger_RedactsKeyMaterial(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, &config.Config{LogLevel: "INFO"})

	logger.Info("wrapped", "content_key", "deadbeef", "Sealed_Key", "abc", "order_id", "order-1")

	out := buf.String()
	if strings.Contains(out, "deadbeef") || strings.Contains(out, "abc\"") {
		t.Errorf("key material leaked: %s", out)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log is not JSON: %v", err)
	}
	if entry["content_key"] != "[REDACTED]" {
		t.Errorf("want redacted content_key, got %v", entry["content_key"])
	}
	if entry["order_id"] != "order-1" {
		t.Errorf("want order_id kept, got %v", entry["order_id"])
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, &config.Config{LogLevel: "warn"})

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at WARN: %s", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn should be logged: %s", buf.String())
	}
}

func TestTraceHandler_AddsSpanContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, &config.Config{LogLevel: "INFO", OtelEnabled: true, GoogleCloudProject: "proj"})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	logger.InfoContext(ctx, "traced")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log is not JSON: %v", err)
	}
	if entry["trace"] != traceID.String() || entry["spanId"] != spanID.String() {
		t.Errorf("missing span context: %v", entry)
	}
	if entry["logging.googleapis.com/trace"] != "projects/proj/traces/"+traceID.String() {
		t.Errorf("missing cloud logging trace: %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
