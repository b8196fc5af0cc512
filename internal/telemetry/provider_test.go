package telemetry_test

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/roach88/habitsync/internal/telemetry"
)

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv(telemetry.EnvEndpoint, "")
	t.Setenv(telemetry.EnvEnabled, "")

	tp, shutdown, err := telemetry.Setup(context.Background(), "habitsync-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp == nil {
		t.Fatal("expected a tracer provider")
	}
	if _, ok := tp.(*sdktrace.TracerProvider); ok {
		t.Fatal("expected the global provider when tracing is off")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_NoopWhenExplicitlyDisabled(t *testing.T) {
	t.Setenv(telemetry.EnvEndpoint, "http://localhost:4318")
	t.Setenv(telemetry.EnvEnabled, "false")

	tp, shutdown, err := telemetry.Setup(context.Background(), "habitsync-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := tp.(*sdktrace.TracerProvider); ok {
		t.Fatal("expected the global provider when tracing is disabled")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable address so no export actually happens.
	t.Setenv(telemetry.EnvEndpoint, "http://192.0.2.1:4318")
	t.Setenv(telemetry.EnvEnabled, "")

	tp, shutdown, err := telemetry.Setup(context.Background(), "habitsync-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := tp.(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider, got %T", tp)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
