// Package telemetry wires OTLP trace export and the span helpers used
// around model calls, tool execution, and runs.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nextlevelbuilder/agentd/internal/config"
)

const tracerName = "github.com/nextlevelbuilder/agentd"

// Telemetry owns the tracer provider lifecycle.
type Telemetry struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// Setup builds a tracer provider against the configured OTLP/HTTP
// collector. Disabled telemetry yields a no-op tracer.
func Setup(ctx context.Context, cfg config.TelemetryConfig, serviceName string) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{tracer: noop.NewTracerProvider().Tracer(tracerName)}, nil
	}

	var expOpts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		expOpts = append(expOpts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	}
	exporter, err := otlptracehttp.New(ctx, expOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &Telemetry{
		tracer:   provider.Tracer(tracerName),
		provider: provider,
	}, nil
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.provider.Shutdown(ctx)
}

// Tracer returns the module tracer.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// StartRun opens the root span for one agent run.
func (t *Telemetry) StartRun(ctx context.Context, agentID, runID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("run.id", runID),
	))
}

// StartChat opens a span around one model call.
func (t *Telemetry) StartChat(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	))
}

// StartTool opens a span around one tool execution.
func (t *Telemetry) StartTool(ctx context.Context, toolName, callID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tool.exec", trace.WithAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("tool.call_id", callID),
	))
}

// EndWithUsage closes a span, attaching token usage and error status.
func EndWithUsage(span trace.Span, inputTokens, outputTokens int, err error) {
	span.SetAttributes(
		attribute.Int("llm.tokens.input", inputTokens),
		attribute.Int("llm.tokens.output", outputTokens),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
