package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTracerProvider_EmptyEndpointIsNoop(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := InitTracerProvider("marketplace", "", 1)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Fatal("empty endpoint must not replace global provider")
	}
}

func TestInitTracerProvider_RegistersProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	// Экспортёр отправляет span'ы лениво, недоступный collector не мешает инициализации.
	shutdown, err := InitTracerProvider("marketplace", "http://127.0.0.1:1/api/traces", 0.5)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected sdk provider, got %T", otel.GetTracerProvider())
	}
	_ = shutdown(context.Background())
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{ratio: 1, want: "AlwaysOnSampler"},
		{ratio: 2, want: "AlwaysOnSampler"},
		{ratio: 0, want: "AlwaysOffSampler"},
		{ratio: -1, want: "AlwaysOffSampler"},
		{ratio: 0.25, want: "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		if got := sampler(tt.ratio).Description(); got != tt.want {
			t.Fatalf("sampler(%v)=%s, want %s", tt.ratio, got, tt.want)
		}
	}
}
