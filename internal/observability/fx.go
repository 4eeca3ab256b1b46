package observability

import (
	"github.com/smallbiznis/cobro/internal/observability/logger"
	"github.com/smallbiznis/cobro/internal/observability/metrics"
	"github.com/smallbiznis/cobro/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires logging, tracing and metrics shared by every cobro binary.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		loggerConfig,
		logger.New,
		tracingConfig,
		tracing.NewProvider,
		metricsConfig,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	fx.Invoke(registerSchedulerMetrics, logStartup),
)

// unsampled is high enough that no bulk run reaches it within a second.
const unsampled = 1 << 20

func loggerConfig(cfg Config) logger.Config {
	lc := logger.Config{
		ServiceName:         cfg.ServiceName,
		Environment:         cfg.Environment,
		Version:             cfg.Version,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		Debug:               cfg.Debug(),
		SamplingInitial:     cfg.LogSamplingInitial,
		SamplingThereafter:  cfg.LogSamplingThereafter,
		IncludeCaller:       true,
		IncludeStackOnError: cfg.Debug(),
	}
	if lc.Debug {
		lc.SamplingInitial = unsampled
	}
	return lc
}

func tracingConfig(cfg Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.OtelEnabled,
		ServiceName:      cfg.ServiceName,
		ServiceVersion:   cfg.Version,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		SamplingRatio:    cfg.OtelSamplingRatio,
	}
}

func metricsConfig(cfg Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.OtelEnabled && cfg.OtelExporterEndpoint != "",
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		ServiceName:      cfg.ServiceName,
		Environment:      cfg.Environment,
	}
}

// registerSchedulerMetrics binds the scheduler collectors to the service
// labels before the first job touches the singleton.
func registerSchedulerMetrics(cfg metrics.Config) {
	metrics.SchedulerWithConfig(cfg)
}

// logStartup also forces the tracer provider to be built, so trace ids
// reach logs even when no span exporter is configured.
func logStartup(log *zap.Logger, cfg Config, _ *sdktrace.TracerProvider) {
	log.Info("observability configured",
		zap.String("log_format", cfg.LogFormat),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("otel_enabled", cfg.OtelEnabled),
		zap.String("otel_protocol", cfg.OtelExporterProtocol),
		zap.Float64("otel_sampling_ratio", cfg.OtelSamplingRatio),
	)
}
