package otelcol

import (
	"context"

	"agent-provisioner/pkg/config"
	"agent-provisioner/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("otelcol",
	fx.Provide(exporters.ProvideHttp, NewTracerProvider),
	fx.Invoke(func(*trace.TracerProvider) {}),
)

func defaultTraceProviderOption(cfg *config.Config) []trace.TracerProviderOption {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
	if err != nil {
		res = resource.Default()
	}
	return []trace.TracerProviderOption{
		trace.WithResource(res),
	}
}

func ProvideTrace(exporter trace.SpanExporter, opts ...trace.TracerProviderOption) *trace.TracerProvider {
	if exporter != nil {
		opts = append(opts, trace.WithBatcher(exporter))
	}

	return trace.NewTracerProvider(opts...)
}

// NewTracerProvider installs the global tracer provider. Without an exporter
// spans are still created but never leave the process.
func NewTracerProvider(lc fx.Lifecycle, cfg *config.Config, exporter *otlptrace.Exporter) *trace.TracerProvider {
	var tp *trace.TracerProvider
	if exporter != nil {
		tp = ProvideTrace(exporter, defaultTraceProviderOption(cfg)...)
		zap.L().Info("[Otel] exporting traces", zap.String("endpoint", cfg.Otel.Addr))
	} else {
		tp = ProvideTrace(nil, defaultTraceProviderOption(cfg)...)
	}
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
	return tp
}
