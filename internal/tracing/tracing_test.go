package tracing

import (
	"context"
	"log/slog"
	"testing"
)

func TestGetConfig(t *testing.T) {
	t.Setenv("ORGLOOP_OTEL_ENABLED", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := GetConfig("orgloop")
	if cfg.Enabled {
		t.Error("tracing enabled without the env flag")
	}
	if cfg.Endpoint != "localhost:4317" {
		t.Errorf("default endpoint = %q", cfg.Endpoint)
	}

	t.Setenv("ORGLOOP_OTEL_ENABLED", "TRUE")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	cfg = GetConfig("orgloop")
	if !cfg.Enabled || cfg.Endpoint != "collector:4317" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestInitializeDisabledIsNoop(t *testing.T) {
	tracer, shutdown, err := Initialize(Config{Enabled: false, ServiceName: "orgloop"}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if tracer == nil {
		t.Fatal("nil tracer")
	}
	ctx, span := StartSpan(context.Background(), tracer, SpanAppend)
	if ctx == nil || span == nil {
		t.Fatal("no-op span not usable")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
