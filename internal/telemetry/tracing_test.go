package telemetry

import (
	"context"
	"testing"
)

func TestInitTracerProviderReturnsNonBlockingProvider(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), "127.0.0.1:0", "controlplane-test")
	if err != nil {
		t.Fatalf("init tracer provider: %v", err)
	}
	if tp == nil {
		t.Fatal("expected a non-nil tracer provider")
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStepSpanLifecycle(t *testing.T) {
	ctx, span := StartStepSpan(context.Background(), "run-1", "tenant-a", "tier0", 0)
	if ctx == nil {
		t.Fatal("expected a non-nil context")
	}
	EndStepSpan(span, 10, 0.01, nil)
}

func TestPolicyEvalSpanLifecycle(t *testing.T) {
	ctx, span := StartPolicyEvalSpan(context.Background(), "tenant-a", "user-1", "submit")
	if ctx == nil {
		t.Fatal("expected a non-nil context")
	}
	EndPolicyEvalSpan(span, "allow", nil)
}

func TestTracerStartEndIsSafeWithoutInit(t *testing.T) {
	_, span := tracer().Start(context.Background(), "test-span")
	span.End()
}
