// Package otelexport forwards collector spans to an OTLP endpoint.
package otelexport

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawworker/internal/store"
)

const (
	defaultServiceName = "clawworker"
	previewMaxLen      = 500
	batchSize          = 100
	batchTimeout       = 5 * time.Second
)

// Config selects the OTLP endpoint. Protocol is "grpc" (default) or "http".
type Config struct {
	Endpoint    string
	Protocol    string
	Insecure    bool
	ServiceName string
	Headers     map[string]string
}

// Exporter replays stored spans as OpenTelemetry spans. It satisfies
// tracing.SpanExporter; a nil Exporter does nothing.
type Exporter struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

func New(ctx context.Context, cfg Config) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("OTLP endpoint is required")
	}
	client, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceNameOrDefault(cfg.ServiceName)),
		semconv.ServiceVersion("1.0.0"),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	batcher := sdktrace.WithBatcher(client,
		sdktrace.WithMaxExportBatchSize(batchSize),
		sdktrace.WithBatchTimeout(batchTimeout),
	)
	return newExporter(batcher, res), nil
}

// dial builds the OTLP client for cfg.Protocol.
func dial(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithHeaders(cfg.Headers)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithHeaders(cfg.Headers)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}
	return exp, nil
}

func newExporter(processor sdktrace.TracerProviderOption, res *resource.Resource) *Exporter {
	opts := []sdktrace.TracerProviderOption{processor}
	if res != nil {
		opts = append(opts, sdktrace.WithResource(res))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	return &Exporter{provider: tp, tracer: tp.Tracer(defaultServiceName)}
}

func serviceNameOrDefault(name string) string { return cmp.Or(name, defaultServiceName) }

func (e *Exporter) ExportSpans(ctx context.Context, spans []store.SpanData) {
	if e == nil {
		return
	}
	for _, s := range spans {
		e.replay(ctx, s)
	}
}

// replay emits one span under the stored trace ID. The SDK picks fresh
// span IDs, so the stored IDs travel as claw.* attributes; the parent is a
// remote span context derived from the parent span, or the trace itself.
func (e *Exporter) replay(ctx context.Context, s store.SpanData) {
	parent := s.TraceID
	if s.ParentSpanID != nil {
		parent = *s.ParentSpanID
	}
	ctx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    uuidToTraceID(s.TraceID),
		SpanID:     uuidToSpanID(parent),
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))

	kind := trace.SpanKindInternal
	if s.SpanType == store.SpanTypeLLMCall {
		kind = trace.SpanKindClient
	}
	_, span := e.tracer.Start(ctx, s.Name,
		trace.WithTimestamp(s.StartTime),
		trace.WithSpanKind(kind),
		trace.WithAttributes(spanAttributes(s)...),
	)

	switch {
	case s.Status != store.TraceStatusError:
		span.SetStatus(codes.Ok, "")
	case s.Error != "":
		span.SetStatus(codes.Error, s.Error)
		span.RecordError(errors.New(s.Error))
	default:
		span.SetStatus(codes.Error, "")
	}

	end := s.StartTime.Add(time.Duration(s.DurationMS) * time.Millisecond)
	if s.EndTime != nil {
		end = *s.EndTime
	}
	span.End(trace.WithTimestamp(end))
}

// spanAttributes uses gen_ai.* names where a convention exists and claw.*
// for the rest. Empty and zero fields are omitted.
func spanAttributes(s store.SpanData) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("claw.span_type", s.SpanType),
		attribute.String("claw.trace_id", s.TraceID.String()),
		attribute.String("claw.span_id", s.ID.String()),
	}
	for _, kv := range []struct{ key, val string }{
		{"gen_ai.request.model", s.Model},
		{"gen_ai.system", s.Provider},
		{"gen_ai.response.finish_reason", s.FinishReason},
		{"claw.tool.name", s.ToolName},
		{"claw.tool.call_id", s.ToolCallID},
		{"claw.agent_id", s.AgentID},
		{"claw.input_preview", clip(s.InputPreview)},
		{"claw.output_preview", clip(s.OutputPreview)},
	} {
		if kv.val != "" {
			attrs = append(attrs, attribute.String(kv.key, kv.val))
		}
	}
	for _, kv := range []struct {
		key string
		val int
	}{
		{"gen_ai.usage.input_tokens", s.InputTokens},
		{"gen_ai.usage.output_tokens", s.OutputTokens},
		{"claw.duration_ms", s.DurationMS},
	} {
		if kv.val > 0 {
			attrs = append(attrs, attribute.Int(kv.key, kv.val))
		}
	}
	return attrs
}

// clip caps s at previewMaxLen bytes on a rune boundary.
func clip(s string) string {
	if len(s) <= previewMaxLen {
		return s
	}
	cut := previewMaxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Shutdown flushes buffered spans and stops the provider.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	slog.Info("otel exporter shutting down")
	return e.provider.Shutdown(ctx)
}

func uuidToTraceID(id [16]byte) trace.TraceID { return trace.TraceID(id) }

// uuidToSpanID keeps the low 8 bytes of id.
func uuidToSpanID(id [16]byte) trace.SpanID {
	var sid trace.SpanID
	copy(sid[:], id[8:])
	return sid
}
