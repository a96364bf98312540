/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the praetor engine.
//
// Two span kinds cover a run: praetor.execution wraps one whole playbook
// run from start to its terminal state, and praetor.step wraps a single
// step inside it. Custom span attributes use the `praetor.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "praetor.io/engine"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider sets up the global OTLP trace provider.
//
// If endpoint is empty, tracing stays disabled and a no-op shutdown is
// returned. Otherwise spans are batched to the given OTLP gRPC collector
// (e.g. "otel-collector:4317").
//
// The returned function shuts down the provider, flushing pending spans.
func InitTraceProvider(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("praetor"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartExecutionSpan begins the root span for one playbook run.
func StartExecutionSpan(ctx context.Context, playbookName, runID string, dryRun bool) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "praetor.execution",
		trace.WithAttributes(
			attribute.String("praetor.playbook", playbookName),
			attribute.String("praetor.run_id", runID),
			attribute.Bool("praetor.dry_run", dryRun),
		),
	)
}

// EndExecutionSpan records the run's terminal state and closes the span.
func EndExecutionSpan(span trace.Span, state string) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String("praetor.state", state))
	span.End()
}

// StartStepSpan begins a span for one step, nested under the execution
// span carried by ctx.
func StartStepSpan(ctx context.Context, stepID, action string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "praetor.step",
		trace.WithAttributes(
			attribute.String("praetor.step", stepID),
			attribute.String("praetor.action", action),
		),
	)
}

// EndStepSpan records the step's final state and attempt count and closes
// the span.
func EndStepSpan(span trace.Span, state string, attempts int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("praetor.state", state),
		attribute.Int("praetor.attempts", attempts),
	)
	span.End()
}

// ContextWithExecutionSpan rebinds an execution span onto ctx so step spans
// started after a pause, approval, or timer re-entry keep their parent.
func ContextWithExecutionSpan(ctx context.Context, span trace.Span) context.Context {
	if span == nil {
		return ctx
	}
	return trace.ContextWithSpan(ctx, span)
}
