package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/config"
)

// ScopeName 引擎 tracer 与 meter 的 instrumentation scope
const ScopeName = "github.com/BaSui01/flowengine/workflow"

// defaultServiceName 配置未给出服务名时使用
const defaultServiceName = "flowengine"

// =============================================================================
// 📡 Providers
// =============================================================================

// Providers 进程级遥测出口：OTLP 导出的 tracer/meter provider，
// 以及由它们构建、注入引擎的 Telemetry。
// 禁用时 tp/mp 为 nil，Telemetry 的 span 全部丢弃。
type Providers struct {
	tp  *sdktrace.TracerProvider
	mp  *sdkmetric.MeterProvider
	tel Telemetry
}

// Init builds the engine telemetry from cfg. When enabled, run and node
// spans are exported over OTLP gRPC and their durations land on the
// flowengine.span.duration histogram of the same endpoint. The SDK
// providers also become the process globals.
func Init(cfg config.TelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled, engine spans are discarded")
		return &Providers{tel: NewOTel(tracenoop.NewTracerProvider().Tracer(ScopeName), nil)}, nil
	}

	ctx := context.Background()
	version := serviceVersion()
	res, err := engineResource(ctx, cfg, version)
	if err != nil {
		return nil, err
	}
	tp, mp, err := exportingProviders(ctx, cfg, res)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tel := NewOTel(
		tp.Tracer(ScopeName, trace.WithInstrumentationVersion(version)),
		mp.Meter(ScopeName, metric.WithInstrumentationVersion(version)),
	)
	logger.Info("engine telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", serviceName(cfg)),
		zap.Float64("sample_rate", cfg.SampleRate),
		zap.String("span_duration_metric", SpanDurationMetric),
	)
	return &Providers{tp: tp, mp: mp, tel: tel}, nil
}

// Telemetry returns the telemetry the engine builder is given. Nil or
// disabled providers yield one that discards everything.
func (p *Providers) Telemetry() Telemetry {
	if p == nil || p.tel == nil {
		return Noop()
	}
	return p.tel
}

// Shutdown flushes pending spans and span-duration points. Safe on nil and
// disabled providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// 🔧 构建
// =============================================================================

func engineResource(ctx context.Context, cfg config.TelemetryConfig, version string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName(cfg)),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

func exportingProviders(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, error) {
	spans, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create span exporter: %w", err)
	}
	durations, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, nil, fmt.Errorf("create span duration exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spans),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(durations)),
		sdkmetric.WithResource(res),
	)
	return tp, mp, nil
}

// sampler keeps the caller's decision for runs started under a sampled
// request span. Root runs are sampled at rate.
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func serviceName(cfg config.TelemetryConfig) string {
	if cfg.ServiceName == "" {
		return defaultServiceName
	}
	return cfg.ServiceName
}

// serviceVersion is the main module version, "dev" for local builds.
func serviceVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}
