package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the tracing capability handed to the engine. The engine calls
// it unconditionally; a disabled deployment injects Noop().
type Telemetry interface {
	Start(ctx context.Context, name string) (context.Context, Span)
}

// Span is one traced unit of work: a run, a node attempt, a callback.
type Span interface {
	// AddEvent records a named event with string-encoded attributes.
	AddEvent(name string, attrs map[string]any)
	// AddErrorEvent records err as an event without marking the span failed.
	AddErrorEvent(err error)
	// RecordError records err and marks the span failed.
	RecordError(err error)
	SetAttributes(attrs map[string]any)
	End()
}

// =============================================================================
// 🔭 OTel 实现
// =============================================================================

// SpanDurationMetric 记录每个 span 耗时（毫秒）的直方图
const SpanDurationMetric = "flowengine.span.duration"

type otelTelemetry struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// NewOTel wraps an OpenTelemetry tracer. Span durations are recorded on meter
// as SpanDurationMetric; a nil meter records nothing.
func NewOTel(tracer trace.Tracer, meter metric.Meter) Telemetry {
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(ScopeName)
	}
	duration, err := meter.Float64Histogram(SpanDurationMetric,
		metric.WithDescription("Duration of engine spans"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		duration, _ = metricnoop.NewMeterProvider().Meter(ScopeName).Float64Histogram(SpanDurationMetric)
	}
	return &otelTelemetry{tracer: tracer, duration: duration}
}

func (t *otelTelemetry) Start(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span, name: name, start: time.Now(), ctx: ctx, duration: t.duration}
}

type otelSpan struct {
	span     trace.Span
	name     string
	start    time.Time
	ctx      context.Context
	duration metric.Float64Histogram
	failed   bool
}

func (s *otelSpan) AddEvent(name string, attrs map[string]any) {
	s.span.AddEvent(name, trace.WithAttributes(toAttributes(attrs)...))
}

func (s *otelSpan) AddErrorEvent(err error) {
	if err == nil {
		return
	}
	s.span.AddEvent("error", trace.WithAttributes(attribute.String("error.message", err.Error())))
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.failed = true
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) SetAttributes(attrs map[string]any) {
	s.span.SetAttributes(toAttributes(attrs)...)
}

func (s *otelSpan) End() {
	s.span.End()
	elapsed := float64(time.Since(s.start)) / float64(time.Millisecond)
	s.duration.Record(context.WithoutCancel(s.ctx), elapsed, metric.WithAttributes(
		attribute.String("span.name", s.name),
		attribute.Bool("error", s.failed),
	))
}

// toAttributes keeps scalar types and JSON-encodes everything else.
func toAttributes(attrs map[string]any) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			kvs = append(kvs, attribute.String(k, val))
		case bool:
			kvs = append(kvs, attribute.Bool(k, val))
		case int:
			kvs = append(kvs, attribute.Int(k, val))
		case int64:
			kvs = append(kvs, attribute.Int64(k, val))
		case float64:
			kvs = append(kvs, attribute.Float64(k, val))
		default:
			b, err := json.Marshal(val)
			if err != nil {
				kvs = append(kvs, attribute.String(k, fmt.Sprint(val)))
				continue
			}
			kvs = append(kvs, attribute.String(k, string(b)))
		}
	}
	return kvs
}

// =============================================================================
// 🔇 Noop 实现
// =============================================================================

type noopTelemetry struct{}

// Noop returns a Telemetry whose spans discard everything.
func Noop() Telemetry {
	return noopTelemetry{}
}

func (noopTelemetry) Start(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, NoopSpan()
}

type noopSpan struct{}

// NoopSpan returns a span that discards everything.
func NoopSpan() Span { return noopSpan{} }

func (noopSpan) AddEvent(string, map[string]any) {}
func (noopSpan) AddErrorEvent(error)             {}
func (noopSpan) RecordError(error)               {}
func (noopSpan) SetAttributes(map[string]any)    {}
func (noopSpan) End()                            {}
