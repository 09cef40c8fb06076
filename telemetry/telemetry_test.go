package telemetry

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(t.Context(), Config{})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if shutdown == nil {
		t.Fatal("shutdown is nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestSetup_RejectsBadRatio(t *testing.T) {
	shutdown, err := Setup(t.Context(), Config{Endpoint: "http://localhost:4318", SampleRatio: 1.5})
	if err == nil {
		t.Fatal("expected error for sample ratio above 1")
	}
	if shutdown == nil {
		t.Fatal("shutdown must be non-nil even on error")
	}
}

func TestSampler(t *testing.T) {
	if got := sampler(0).Description(); got != sdktrace.AlwaysSample().Description() {
		t.Errorf("sampler(0) = %q, want AlwaysOnSampler", got)
	}
	if got := sampler(0.25).Description(); got == sdktrace.AlwaysSample().Description() {
		t.Errorf("sampler(0.25) = %q, want ratio-based", got)
	}
}
