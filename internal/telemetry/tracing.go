package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/runloom/controlplane"

// InitTracerProvider wires the otlptracegrpc exporter against endpoint and
// registers the resulting TracerProvider as the global one. Only cmd/
// calls this; every other package just calls otel.Tracer(tracerName).
func InitTracerProvider(ctx context.Context, endpoint, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// StartStepSpan wraps one Step invocation with run id, tenant id, and tier
// as span attributes, per the ambient tracing contract.
func StartStepSpan(ctx context.Context, runID, tenantID, tier string, index int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "controlplane.step",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("tenant.id", tenantID),
			attribute.String("run.tier", tier),
			attribute.Int("step.index", index),
		),
	)
}

// EndStepSpan records the step's outcome and ends the span.
func EndStepSpan(span trace.Span, tokens int64, cost float64, err error) {
	span.SetAttributes(
		attribute.Int64("step.tokens", tokens),
		attribute.Float64("step.cost", cost),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartPolicyEvalSpan wraps one Policy Engine evaluation.
func StartPolicyEvalSpan(ctx context.Context, tenantID, subject, action string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "controlplane.policy_eval",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("policy.subject", subject),
			attribute.String("policy.action", action),
		),
	)
}

// EndPolicyEvalSpan records the decision and ends the span.
func EndPolicyEvalSpan(span trace.Span, effect string, err error) {
	span.SetAttributes(attribute.String("policy.effect", effect))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
