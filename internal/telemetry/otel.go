// internal/telemetry/otel.go
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Corphon/Formamorph"

// Options 追踪配置
type Options struct {
	// Endpoint OTLP/HTTP 地址，为空时不启用
	Endpoint string
	// Disabled 显式关闭
	Disabled bool
}

// Setup 初始化 OpenTelemetry 追踪。未配置端点或显式关闭时返回空操作的 shutdown，
// 不注册全局 provider。调用方应 defer 返回的 shutdown。
func Setup(ctx context.Context, serviceName string, opts Options) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if opts.Disabled || opts.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(opts.Endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// Tracer 返回本项目的 tracer，未初始化时为全局的空实现
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
