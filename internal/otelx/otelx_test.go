package otelx

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Disabled path

func TestInit_Disabled_ShutdownIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if shutdown == nil {
		t.Fatal("shutdown func is nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	// twice is fine
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestInit_Disabled_InstallsSDKProvider(t *testing.T) {
	_, _ = Init(context.Background(), Options{Enabled: false})

	tp := otel.GetTracerProvider()
	if _, ok := tp.(*sdktrace.TracerProvider); !ok {
		t.Fatalf("TracerProvider type = %T, want *sdktrace.TracerProvider", tp)
	}

	// sdk provider with no exporter still mints valid ids, which the
	// trace response headers and log correlation rely on
	_, span := otel.Tracer("test").Start(context.Background(), "throttle.decide")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Fatal("span context should be valid with the sdk provider")
	}
}

func TestInit_Disabled_Propagators(t *testing.T) {
	_, _ = Init(context.Background(), Options{Enabled: false})

	fieldSet := make(map[string]bool)
	for _, f := range otel.GetTextMapPropagator().Fields() {
		fieldSet[f] = true
	}
	for _, want := range []string{"traceparent", "tracestate", "baggage"} {
		if !fieldSet[want] {
			t.Errorf("propagator missing %s field", want)
		}
	}
}

func TestInit_Disabled_MultipleCalls(t *testing.T) {
	for i := 0; i < 3; i++ {
		shutdown, err := Init(context.Background(), Options{Enabled: false, Sample: 99.9})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown %d: %v", i, err)
		}
	}
}

// Enabled path

func TestInit_Enabled_NoEndpoint_Errors(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Enabled: true})
	if err == nil {
		t.Fatal("expected error for missing endpoint")
	}
	if shutdown == nil {
		t.Fatal("shutdown must be non-nil even on error")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatal("a provider should still be installed after a failed init")
	}
}

func TestInit_Enabled_ReturnsPromptly(t *testing.T) {
	// grpc connects lazily, Init must not block on an unreachable collector
	start := time.Now()
	shutdown, err := Init(context.Background(), Options{
		Enabled:   true,
		Endpoint:  "localhost:1",
		Insecure:  true,
		Sample:    1.0,
		Service:   "linnemanlabs-throttle",
		Component: "server",
		Version:   "v0.0.0-test",
	})
	if elapsed := time.Since(start); elapsed > 2*exporterDialTimeout {
		t.Fatalf("Init took %v, want bounded by dial timeout", elapsed)
	}
	if shutdown == nil {
		t.Fatal("shutdown func is nil")
	}
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Logf("shutdown error (no collector running): %v", err)
	}
}

// helpers

func TestServiceName(t *testing.T) {
	tests := []struct {
		name string
		o    Options
		want string
	}{
		{"with component", Options{Service: "linnemanlabs-throttle", Component: "server"}, "linnemanlabs-throttle.server"},
		{"no component", Options{Service: "linnemanlabs-throttle"}, "linnemanlabs-throttle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := serviceName(tt.o); got != tt.want {
				t.Fatalf("serviceName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserAgent(t *testing.T) {
	got := userAgent(Options{Service: "linnemanlabs-throttle", Component: "server", Version: "v1.2.3"})
	if got != "linnemanlabs-throttle.server/v1.2.3" {
		t.Fatalf("userAgent = %q", got)
	}
	if got := userAgent(Options{Service: "svc"}); got != "svc" {
		t.Fatalf("userAgent without version = %q", got)
	}
}

func TestResourceAttrs(t *testing.T) {
	kv := resourceAttrs(Options{
		Service:    "linnemanlabs-throttle",
		Component:  "server",
		Version:    "v1.2.3",
		Attributes: map[string]string{"throttle.policy.source": "embedded"},
	})

	got := make(map[attribute.Key]string, len(kv))
	for _, a := range kv {
		got[a.Key] = a.Value.AsString()
	}
	if got[semconv.ServiceNameKey] != "linnemanlabs-throttle.server" {
		t.Errorf("service.name = %q", got[semconv.ServiceNameKey])
	}
	if got[semconv.ServiceVersionKey] != "v1.2.3" {
		t.Errorf("service.version = %q", got[semconv.ServiceVersionKey])
	}
	if got["throttle.policy.source"] != "embedded" {
		t.Errorf("extra attribute = %q", got["throttle.policy.source"])
	}
}
